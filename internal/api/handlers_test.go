package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staffwatch/agent/internal/agenterr"
	"github.com/staffwatch/agent/internal/permission"
	"github.com/staffwatch/agent/internal/quit"
	"github.com/staffwatch/agent/internal/session"
)

type fakeTimer struct {
	startErr   error
	resolveErr error
	resolution session.Resolution
	status     session.Status
	started    string
	stopped    bool
}

func (f *fakeTimer) Start(projectID string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = projectID
	return nil
}

func (f *fakeTimer) Stop() error {
	f.stopped = true
	return nil
}

func (f *fakeTimer) Resolve(keep bool) (session.Resolution, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.resolution, nil
}

func (f *fakeTimer) Status() session.Status { return f.status }

type fakePerms struct{ st permission.State }

func (f *fakePerms) State() permission.State { return f.st }

type fakeTotals struct {
	total    int64
	err      error
	snapshot map[string]int64
}

func (f *fakeTotals) TodayTotal(projectID string) (int64, error) { return f.total, f.err }
func (f *fakeTotals) Snapshot() map[string]int64                 { return f.snapshot }

type fakeQuitter struct {
	status quit.Status
	err    error
}

func (f *fakeQuitter) Request(ctx context.Context) (quit.Status, error) { return f.status, f.err }
func (f *fakeQuitter) Confirm(ctx context.Context) (quit.Status, error) { return f.status, f.err }
func (f *fakeQuitter) Cancel()                                          {}

type fakeEvents struct{}

func (f *fakeEvents) Subscribe(buf int) (<-chan session.Event, func()) {
	ch := make(chan session.Event, buf)
	return ch, func() {}
}

func testServer(timer *fakeTimer, totals *fakeTotals, quitter *fakeQuitter) *Server {
	perms := &fakePerms{st: permission.State{Accessibility: true, ScreenRecording: true, CheckedAt: time.Now()}}
	h := NewHandlers(timer, perms, totals, quitter, &fakeEvents{}, zerolog.Nop())
	return NewServer(ServerConfig{}, h, zerolog.Nop())
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestStartTimer(t *testing.T) {
	timer := &fakeTimer{status: session.Status{State: session.StateActive, ProjectID: "p-1"}}
	s := testServer(timer, &fakeTotals{}, &fakeQuitter{})

	resp := doJSON(t, s, http.MethodPost, "/api/v1/timer/start", map[string]string{"project_id": "p-1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p-1", timer.started)

	var status session.Status
	decode(t, resp, &status)
	assert.Equal(t, session.StateActive, status.State)
}

func TestStartTimer_Validation(t *testing.T) {
	s := testServer(&fakeTimer{}, &fakeTotals{}, &fakeQuitter{})
	resp := doJSON(t, s, http.MethodPost, "/api/v1/timer/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartTimer_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"permission denied", agenterr.ErrPermissionDenied, http.StatusForbidden},
		{"already running", agenterr.ErrTimerRunning, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testServer(&fakeTimer{startErr: tc.err}, &fakeTotals{}, &fakeQuitter{})
			resp := doJSON(t, s, http.MethodPost, "/api/v1/timer/start", map[string]string{"project_id": "p"})
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestStopTimer(t *testing.T) {
	timer := &fakeTimer{status: session.Status{State: session.StateIdle}}
	s := testServer(timer, &fakeTotals{}, &fakeQuitter{})

	resp := doJSON(t, s, http.MethodPost, "/api/v1/timer/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, timer.stopped)
}

func TestResolveIdle(t *testing.T) {
	timer := &fakeTimer{resolution: session.ResolutionKept}
	s := testServer(timer, &fakeTotals{}, &fakeQuitter{})

	resp := doJSON(t, s, http.MethodPost, "/api/v1/idle/resolve", map[string]bool{"keep": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Resolution session.Resolution `json:"resolution"`
	}
	decode(t, resp, &body)
	assert.Equal(t, session.ResolutionKept, body.Resolution)
}

func TestResolveIdle_NoPending(t *testing.T) {
	s := testServer(&fakeTimer{resolveErr: agenterr.ErrNoPendingIdle}, &fakeTotals{}, &fakeQuitter{})
	resp := doJSON(t, s, http.MethodPost, "/api/v1/idle/resolve", map[string]bool{"keep": false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetPermissions(t *testing.T) {
	s := testServer(&fakeTimer{}, &fakeTotals{}, &fakeQuitter{})
	resp := doJSON(t, s, http.MethodGet, "/api/v1/permissions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Accessibility   bool `json:"accessibility"`
		ScreenRecording bool `json:"screen_recording"`
		Granted         bool `json:"granted"`
	}
	decode(t, resp, &body)
	assert.True(t, body.Granted)
}

func TestProjectToday(t *testing.T) {
	s := testServer(&fakeTimer{}, &fakeTotals{total: 9000}, &fakeQuitter{})
	resp := doJSON(t, s, http.MethodGet, "/api/v1/projects/p-1/today", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ProjectID    string `json:"project_id"`
		TotalSeconds int64  `json:"total_seconds"`
		Formatted    string `json:"formatted"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "p-1", body.ProjectID)
	assert.Equal(t, int64(9000), body.TotalSeconds)
	assert.Equal(t, "02:30:00", body.Formatted)
}

func TestToday(t *testing.T) {
	totals := &fakeTotals{snapshot: map[string]int64{"p-1": 3600, "p-2": 65}}
	s := testServer(&fakeTimer{}, totals, &fakeQuitter{})

	resp := doJSON(t, s, http.MethodGet, "/api/v1/today", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Projects map[string]struct {
			TotalSeconds int64  `json:"total_seconds"`
			Formatted    string `json:"formatted"`
		} `json:"projects"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Projects, 2)
	assert.Equal(t, int64(3600), body.Projects["p-1"].TotalSeconds)
	assert.Equal(t, "01:00:00", body.Projects["p-1"].Formatted)
	assert.Equal(t, "00:01:05", body.Projects["p-2"].Formatted)
}

func TestQuitFlow(t *testing.T) {
	q := &fakeQuitter{status: quit.Status{Pending: 2, CanExit: false, Stopped: true}}
	s := testServer(&fakeTimer{}, &fakeTotals{}, q)

	resp := doJSON(t, s, http.MethodPost, "/api/v1/quit", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status quit.Status
	decode(t, resp, &status)
	assert.False(t, status.CanExit)
	assert.Equal(t, 2, status.Pending)

	resp = doJSON(t, s, http.MethodPost, "/api/v1/quit/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetStatus(t *testing.T) {
	timer := &fakeTimer{status: session.Status{State: session.StateAwaySuspended, PendingIdleSeconds: 310}}
	s := testServer(timer, &fakeTotals{}, &fakeQuitter{})

	resp := doJSON(t, s, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status session.Status
	decode(t, resp, &status)
	assert.Equal(t, session.StateAwaySuspended, status.State)
	assert.Equal(t, int64(310), status.PendingIdleSeconds)
}
