// Package quit coordinates agent termination so no evidence is lost: the
// session is stopped first, pending uploads are flushed, and exit is held
// back while items remain undrained.
package quit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/upload"
)

// Stopper closes the live session.
type Stopper interface {
	Stop() error
}

// Flusher drains pending uploads and reports the count left behind.
type Flusher interface {
	Drain(ctx context.Context) (upload.Result, error)
	Pending() (int, error)
}

// Status is the coordinator's answer to a quit request.
type Status struct {
	Pending int  `json:"pending_uploads"`
	CanExit bool `json:"can_exit"`
	Drained int  `json:"drained,omitempty"`
	Stopped bool `json:"session_stopped"`
}

// Coordinator serializes the shutdown sequence.
type Coordinator struct {
	stopper      Stopper
	flusher      Flusher
	drainTimeout time.Duration
	logger       zerolog.Logger
}

// New creates a quit coordinator.
func New(stopper Stopper, flusher Flusher, drainTimeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		stopper:      stopper,
		flusher:      flusher,
		drainTimeout: drainTimeout,
		logger:       logger.With().Str("component", "quit_coordinator").Logger(),
	}
}

// Request reports what a quit would involve: the count of undrained
// evidence items. It changes nothing — the session keeps accruing — so a
// subsequent Cancel is a true no-op. CanExit is true only when nothing is
// pending; the caller then confirms or cancels.
func (c *Coordinator) Request(ctx context.Context) (Status, error) {
	pending, err := c.flusher.Pending()
	if err != nil {
		return Status{}, err
	}

	c.logger.Info().Int("pending", pending).Msg("quit requested")
	return Status{Pending: pending, CanExit: pending == 0}, nil
}

// Confirm executes the quit: the session is stopped first, finalizing its
// time record into the queue, then the queue is flushed within the drain
// timeout. Items that could not be transmitted stay durable; CanExit is
// false while any remain so the caller can surface the loss risk instead
// of exiting silently.
func (c *Coordinator) Confirm(ctx context.Context) (Status, error) {
	if err := c.stopper.Stop(); err != nil {
		return Status{}, err
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	defer cancel()

	res, err := c.flusher.Drain(drainCtx)
	if err != nil {
		c.logger.Error().Err(err).Msg("quit drain failed")
		return Status{Pending: res.Pending, Drained: res.Uploaded, Stopped: true}, err
	}

	st := Status{
		Pending: res.Pending,
		Drained: res.Uploaded,
		CanExit: res.Pending == 0,
		Stopped: true,
	}
	if st.CanExit {
		c.logger.Info().Int("drained", res.Uploaded).Msg("quit confirmed, queue empty")
	} else {
		c.logger.Warn().
			Int("pending", res.Pending).
			Int("drained", res.Uploaded).
			Msg("quit drain incomplete, items retained")
	}
	return st, nil
}

// Cancel abandons a quit request. Request changed no state, so there is
// nothing to undo and the session keeps running.
func (c *Coordinator) Cancel() {
	c.logger.Info().Msg("quit cancelled")
}
