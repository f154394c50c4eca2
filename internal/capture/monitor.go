// Package capture schedules screen evidence at randomized intervals while a
// session is actively accruing time.
package capture

import (
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/metrics"
)

// Capturer produces one screen capture.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// CommandCapturer shells out to a helper that writes the image to stdout
// (e.g. `scrot -` or `screencapture -x -t png -`). The helper carries the
// display-server specifics so the agent binary stays portable.
type CommandCapturer struct {
	Bin  string
	Args []string
}

// Capture implements Capturer.
func (c CommandCapturer) Capture(ctx context.Context) ([]byte, error) {
	out, err := exec.CommandContext(ctx, c.Bin, c.Args...).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run capture helper %s: %w", c.Bin, err)
	}
	return out, nil
}

// ActiveSource reports whether a session is accruing right now. Suspended
// and idle states return ok=false so nothing is captured off the clock.
type ActiveSource interface {
	ActiveSession() (projectID, sessionUUID string, ok bool)
}

// Sink receives captured evidence.
type Sink interface {
	EnqueueScreenshot(projectID, sessionUUID string, image []byte, capturedAt time.Time) error
}

// Monitor drives the capture schedule. Each capture is followed by a fresh
// uniformly random delay in [minInterval, maxInterval] so capture times are
// not predictable.
type Monitor struct {
	capturer Capturer
	source   ActiveSource
	sink     Sink
	min, max time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	clock   func() time.Time
	randDur func(min, max time.Duration) time.Duration
	nextAt  time.Time
}

// NewMonitor creates a capture monitor.
func NewMonitor(capturer Capturer, source ActiveSource, sink Sink, minInterval, maxInterval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	return &Monitor{
		capturer: capturer,
		source:   source,
		sink:     sink,
		min:      minInterval,
		max:      maxInterval,
		metrics:  m,
		logger:   logger.With().Str("component", "capture_monitor").Logger(),
		clock:    time.Now,
		randDur:  randomBetween,
	}
}

// Run checks the schedule every 10 seconds until ctx is cancelled. The
// coarse cadence keeps the loop cheap; capture timing does not need
// sub-second precision.
func (m *Monitor) Run(ctx context.Context) {
	m.nextAt = m.clock().Add(m.randDur(m.min, m.max))
	m.logger.Info().
		Dur("min_interval", m.min).
		Dur("max_interval", m.max).
		Msg("capture monitor running")

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.step(ctx)
		}
	}
}

// step captures when the schedule is due and a session is active. A due
// capture during suspension is deferred, not skipped: it fires on the first
// check after accrual resumes.
func (m *Monitor) step(ctx context.Context) {
	now := m.clock()
	if now.Before(m.nextAt) {
		return
	}

	projectID, sessionUUID, ok := m.source.ActiveSession()
	if !ok {
		return
	}

	image, err := m.capturer.Capture(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("screen capture failed")
		m.metrics.RecordError("capture_monitor", "capture")
		m.nextAt = now.Add(m.randDur(m.min, m.max))
		return
	}

	if err := m.sink.EnqueueScreenshot(projectID, sessionUUID, image, now); err != nil {
		m.logger.Error().Err(err).Msg("failed to enqueue screenshot")
		m.metrics.RecordError("capture_monitor", "enqueue")
		// Leave the schedule due so the next check retries.
		return
	}

	m.logger.Debug().Str("project_id", projectID).Int("bytes", len(image)).Msg("screenshot captured")
	m.nextAt = now.Add(m.randDur(m.min, m.max))
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
