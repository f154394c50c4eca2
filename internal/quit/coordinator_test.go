package quit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staffwatch/agent/internal/upload"
)

type fakeStopper struct {
	stopped bool
	err     error
}

func (f *fakeStopper) Stop() error {
	if f.err != nil {
		return f.err
	}
	f.stopped = true
	return nil
}

type fakeFlusher struct {
	pending    int
	drainLeft  int
	drained    int
	drainErr   error
	drainCalls int
}

func (f *fakeFlusher) Pending() (int, error) { return f.pending, nil }

func (f *fakeFlusher) Drain(ctx context.Context) (upload.Result, error) {
	f.drainCalls++
	if f.drainErr != nil {
		return upload.Result{Pending: f.pending}, f.drainErr
	}
	f.pending = f.drainLeft
	return upload.Result{Uploaded: f.drained, Pending: f.drainLeft}, nil
}

func newCoordinator(st *fakeStopper, fl *fakeFlusher) *Coordinator {
	return New(st, fl, time.Second, zerolog.Nop())
}

func TestCoordinator_RequestWithEmptyQueue(t *testing.T) {
	st := &fakeStopper{}
	fl := &fakeFlusher{pending: 0}
	c := newCoordinator(st, fl)

	status, err := c.Request(context.Background())
	require.NoError(t, err)
	assert.True(t, status.CanExit)
	assert.Zero(t, status.Pending)
	assert.False(t, st.stopped, "request only reports, it does not stop the session")
}

func TestCoordinator_RequestWithPendingItems(t *testing.T) {
	st := &fakeStopper{}
	fl := &fakeFlusher{pending: 3}
	c := newCoordinator(st, fl)

	status, err := c.Request(context.Background())
	require.NoError(t, err)
	assert.False(t, status.CanExit, "exit blocked while items pend")
	assert.Equal(t, 3, status.Pending)
}

func TestCoordinator_CancelAfterRequestKeepsSessionRunning(t *testing.T) {
	st := &fakeStopper{}
	fl := &fakeFlusher{pending: 2}
	c := newCoordinator(st, fl)

	_, err := c.Request(context.Background())
	require.NoError(t, err)
	c.Cancel()

	// The full request/cancel round trip touched neither the session nor
	// the queue.
	assert.False(t, st.stopped)
	assert.Zero(t, fl.drainCalls)
}

func TestCoordinator_ConfirmStopsThenDrains(t *testing.T) {
	st := &fakeStopper{}
	fl := &fakeFlusher{pending: 3, drained: 3, drainLeft: 0}
	c := newCoordinator(st, fl)

	_, err := c.Request(context.Background())
	require.NoError(t, err)

	status, err := c.Confirm(context.Background())
	require.NoError(t, err)
	assert.True(t, st.stopped, "session stopped before the drain")
	assert.True(t, status.Stopped)
	assert.True(t, status.CanExit)
	assert.Equal(t, 3, status.Drained)
	assert.Equal(t, 1, fl.drainCalls)
}

func TestCoordinator_ConfirmReportsRetainedItems(t *testing.T) {
	st := &fakeStopper{}
	fl := &fakeFlusher{pending: 3, drained: 2, drainLeft: 1}
	c := newCoordinator(st, fl)

	status, err := c.Confirm(context.Background())
	require.NoError(t, err)
	assert.False(t, status.CanExit, "undrained items block a silent exit")
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 2, status.Drained)
}

func TestCoordinator_ConfirmDrainError(t *testing.T) {
	st := &fakeStopper{}
	fl := &fakeFlusher{pending: 2, drainErr: errors.New("store unavailable")}
	c := newCoordinator(st, fl)

	status, err := c.Confirm(context.Background())
	require.Error(t, err)
	assert.False(t, status.CanExit)
}

func TestCoordinator_ConfirmStopError(t *testing.T) {
	st := &fakeStopper{err: errors.New("close failed")}
	fl := &fakeFlusher{}
	c := newCoordinator(st, fl)

	_, err := c.Confirm(context.Background())
	require.Error(t, err)
	assert.Zero(t, fl.drainCalls, "no drain when the stop fails")
}
