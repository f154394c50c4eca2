// Package idle classifies user inactivity against a fixed threshold.
//
// The detector polls an ActivitySensor that reports how long the user has
// been inactive. Detection necessarily lags the true idle onset by the
// threshold window, so the emitted event carries the sensor-reported total
// duration: consumers back-date the onset as DetectedAt minus Duration.
// Exactly one candidate is produced per inactivity episode; if the user
// resumes before the threshold no event is emitted at all.
package idle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/metrics"
)

// ActivitySensor reports elapsed inactivity. It is a black-box OS probe;
// an error degrades detection to "always active" until the sensor recovers.
type ActivitySensor interface {
	IdleFor(ctx context.Context) (time.Duration, error)
}

// Event is one detected inactivity episode crossing the threshold.
type Event struct {
	// Duration is total inactivity measured from its true onset.
	Duration time.Duration
	// DetectedAt is when the threshold crossing was observed.
	DetectedAt time.Time
}

// Detector polls the sensor and emits at most one Event per episode.
type Detector struct {
	sensor    ActivitySensor
	threshold time.Duration
	interval  time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	out       chan Event
	inEpisode bool

	// sensorDown is read by the health checker from other goroutines.
	sensorDown atomic.Bool
}

// New creates a Detector.
func New(sensor ActivitySensor, threshold, pollInterval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Detector {
	return &Detector{
		sensor:    sensor,
		threshold: threshold,
		interval:  pollInterval,
		logger:    logger.With().Str("component", "idle_detector").Logger(),
		metrics:   m,
		out:       make(chan Event, 4),
	}
}

// Events returns the stream of detected episodes.
func (d *Detector) Events() <-chan Event {
	return d.out
}

// Healthy reports whether the sensor responded on the last poll.
func (d *Detector) Healthy() bool {
	return !d.sensorDown.Load()
}

// Run polls until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Detector) poll(ctx context.Context) {
	dur, err := d.sensor.IdleFor(ctx)
	if err != nil {
		if !d.sensorDown.Swap(true) {
			// Log the outage once, then stay quiet until recovery.
			d.logger.Warn().Err(err).Msg("activity sensor unavailable, treating user as active")
			d.metrics.RecordError("idle_detector", "sensor")
		}
		d.inEpisode = false
		return
	}
	if d.sensorDown.Swap(false) {
		d.logger.Info().Msg("activity sensor recovered")
	}

	if dur < d.threshold {
		d.inEpisode = false
		return
	}
	if d.inEpisode {
		return
	}
	d.inEpisode = true

	ev := Event{Duration: dur, DetectedAt: time.Now()}
	d.logger.Info().Dur("inactive_for", dur).Msg("idle threshold crossed")
	select {
	case d.out <- ev:
	case <-ctx.Done():
	}
}
