package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staffwatch/agent/internal/agenterr"
	"github.com/staffwatch/agent/internal/retry"
	"github.com/staffwatch/agent/internal/store"
)

// memStore is an in-memory QueueStore preserving enqueue order.
type memStore struct {
	mu        sync.Mutex
	items     []store.UploadItem
	insertErr error
}

func (m *memStore) InsertUploadItem(item store.UploadItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.items = append(m.items, item)
	return nil
}

func (m *memStore) PendingUploadItems(limit int) ([]store.UploadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.UploadItem
	for _, it := range m.items {
		if it.UploadedAt == nil {
			out = append(out, it)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) MarkUploaded(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id && m.items[i].UploadedAt == nil {
			m.items[i].UploadedAt = &at
			return nil
		}
	}
	return errors.New("not pending")
}

func (m *memStore) RecordUploadFailure(id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id && m.items[i].UploadedAt == nil {
			m.items[i].RetryCount++
			m.items[i].LastError = message
			return nil
		}
	}
	return errors.New("not pending")
}

func (m *memStore) CountPendingUploads() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.UploadedAt == nil {
			n++
		}
	}
	return n, nil
}

// scriptedTransport fails items listed in failIDs with a non-retryable error.
type scriptedTransport struct {
	mu      sync.Mutex
	failIDs map[string]error
	order   []string
}

func (t *scriptedTransport) Upload(ctx context.Context, item store.UploadItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append(t.order, item.ID)
	if err, ok := t.failIDs[item.ID]; ok {
		return err
	}
	return nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func testQueue(ms *memStore) *Queue {
	return NewQueue(ms, nil, zerolog.Nop())
}

func TestQueue_EnqueueTimeRecord(t *testing.T) {
	ms := &memStore{}
	q := testQueue(ms)

	rec := store.SessionRecord{
		UUID:          "s-1",
		ProjectID:     "p-1",
		Start:         time.Unix(1000, 0),
		End:           time.Unix(1600, 0),
		ActiveSeconds: 550,
	}
	require.NoError(t, q.EnqueueTimeRecord(rec))

	pending, err := ms.PendingUploadItems(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.KindTimeRecord, pending[0].Kind)

	var payload TimeRecordPayload
	require.NoError(t, json.Unmarshal([]byte(pending[0].Payload), &payload))
	assert.Equal(t, "s-1", payload.SessionUUID)
	assert.Equal(t, int64(550), payload.ActiveSeconds)
	assert.Equal(t, int64(1000), payload.StartUnix)
}

func TestQueue_EnqueueFailureSurfaced(t *testing.T) {
	ms := &memStore{insertErr: errors.New("disk full")}
	q := testQueue(ms)

	err := q.EnqueueScreenshot("p-1", "s-1", []byte{0x1}, time.Now())
	assert.ErrorIs(t, err, agenterr.ErrQueuePersistence)
}

func TestDrainer_FIFOAndRetention(t *testing.T) {
	ms := &memStore{}
	q := testQueue(ms)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.EnqueueTimeRecord(store.SessionRecord{UUID: id, ProjectID: "p"}))
	}
	pending, _ := ms.PendingUploadItems(0)
	require.Len(t, pending, 3)

	// Middle item fails terminally; the drain continues past it.
	tr := &scriptedTransport{failIDs: map[string]error{
		pending[1].ID: agenterr.NewUploadError(http.StatusUnprocessableEntity, "bad payload"),
	}}
	d := NewDrainer(ms, tr, fastRetry(), time.Minute, nil, zerolog.Nop())

	res, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Pending)

	// FIFO: attempts happened oldest-first.
	assert.Equal(t, []string{pending[0].ID, pending[1].ID, pending[2].ID}, tr.order)

	// The exhausted item is retained with its error recorded.
	left, _ := ms.PendingUploadItems(0)
	require.Len(t, left, 1)
	assert.Equal(t, pending[1].ID, left[0].ID)
	assert.Equal(t, 1, left[0].RetryCount)
	assert.Contains(t, left[0].LastError, "422")
}

func TestDrainer_RetryableFailureRetries(t *testing.T) {
	ms := &memStore{}
	q := testQueue(ms)
	require.NoError(t, q.EnqueueTimeRecord(store.SessionRecord{UUID: "s", ProjectID: "p"}))

	attempts := 0
	tr := transportFunc(func(ctx context.Context, item store.UploadItem) error {
		attempts++
		if attempts == 1 {
			return agenterr.NewUploadError(http.StatusServiceUnavailable, "overloaded")
		}
		return nil
	})
	d := NewDrainer(ms, tr, fastRetry(), time.Minute, nil, zerolog.Nop())

	res, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 0, res.Pending)
}

func TestDrainer_ContextAbortsBetweenItems(t *testing.T) {
	ms := &memStore{}
	q := testQueue(ms)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.EnqueueTimeRecord(store.SessionRecord{UUID: "s", ProjectID: "p"}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	uploads := 0
	tr := transportFunc(func(ctx context.Context, item store.UploadItem) error {
		uploads++
		cancel()
		return nil
	})
	d := NewDrainer(ms, tr, fastRetry(), time.Minute, nil, zerolog.Nop())

	res, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, uploads)
	assert.Equal(t, 2, res.Pending)
}

type transportFunc func(ctx context.Context, item store.UploadItem) error

func (f transportFunc) Upload(ctx context.Context, item store.UploadItem) error {
	return f(ctx, item)
}

type fakeHTTPClient struct {
	status int
	body   string
	err    error
	last   *http.Request
}

func (c *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return &http.Response{
		StatusCode: c.status,
		Body:       io.NopCloser(strings.NewReader(c.body)),
	}, nil
}

func TestHTTPTransport_Upload(t *testing.T) {
	client := &fakeHTTPClient{status: http.StatusAccepted}
	tr := NewHTTPTransport("http://collector.local/v1/evidence", "secret", zerolog.Nop())
	tr.client = client

	item := store.UploadItem{ID: "i-1", Kind: store.KindTimeRecord, Payload: `{"x":1}`}
	require.NoError(t, tr.Upload(context.Background(), item))

	assert.Equal(t, "http://collector.local/v1/evidence", client.last.URL.String())
	assert.Equal(t, "Bearer secret", client.last.Header.Get("Authorization"))
}

func TestHTTPTransport_ErrorMapping(t *testing.T) {
	tr := NewHTTPTransport("http://collector.local/v1/evidence", "", zerolog.Nop())
	item := store.UploadItem{ID: "i-1", Kind: store.KindTimeRecord, Payload: `{}`}

	// Server errors are retryable.
	tr.client = &fakeHTTPClient{status: http.StatusBadGateway, body: "upstream down"}
	err := tr.Upload(context.Background(), item)
	var upErr *agenterr.UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusBadGateway, upErr.Status)
	assert.True(t, agenterr.IsRetryable(err))

	// Client errors are not.
	tr.client = &fakeHTTPClient{status: http.StatusBadRequest, body: "nope"}
	err = tr.Upload(context.Background(), item)
	require.ErrorAs(t, err, &upErr)
	assert.False(t, agenterr.IsRetryable(err))

	// Network failures never reached the server: status 0, retryable.
	tr.client = &fakeHTTPClient{err: errors.New("connection refused")}
	err = tr.Upload(context.Background(), item)
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, 0, upErr.Status)
	assert.True(t, agenterr.IsRetryable(err))
}
