package idle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSensor struct {
	mu  sync.Mutex
	dur time.Duration
	err error
}

func (s *fakeSensor) set(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dur, s.err = dur, err
}

func (s *fakeSensor) IdleFor(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dur, s.err
}

func newTestDetector(sensor ActivitySensor) *Detector {
	return New(sensor, 100*time.Millisecond, time.Minute, nil, zerolog.Nop())
}

func TestDetector_OneEventPerEpisode(t *testing.T) {
	sensor := &fakeSensor{}
	d := newTestDetector(sensor)
	ctx := context.Background()

	// Below threshold: nothing.
	sensor.set(50*time.Millisecond, nil)
	d.poll(ctx)
	assert.Empty(t, d.out)

	// Crossing the threshold emits once with the full duration.
	sensor.set(150*time.Millisecond, nil)
	d.poll(ctx)
	require.Len(t, d.out, 1)
	ev := <-d.out
	assert.Equal(t, 150*time.Millisecond, ev.Duration)
	assert.False(t, ev.DetectedAt.IsZero())

	// Still idle: same episode, no second event.
	sensor.set(300*time.Millisecond, nil)
	d.poll(ctx)
	assert.Empty(t, d.out)

	// Activity resumes, then a fresh episode fires again.
	sensor.set(0, nil)
	d.poll(ctx)
	sensor.set(200*time.Millisecond, nil)
	d.poll(ctx)
	require.Len(t, d.out, 1)
	ev = <-d.out
	assert.Equal(t, 200*time.Millisecond, ev.Duration)
}

func TestDetector_ResumeBeforeThreshold(t *testing.T) {
	sensor := &fakeSensor{}
	d := newTestDetector(sensor)
	ctx := context.Background()

	for _, dur := range []time.Duration{20, 60, 99, 0} {
		sensor.set(dur*time.Millisecond, nil)
		d.poll(ctx)
	}
	assert.Empty(t, d.out)
}

func TestDetector_SensorErrorDegradesToActive(t *testing.T) {
	sensor := &fakeSensor{}
	d := newTestDetector(sensor)
	ctx := context.Background()

	sensor.set(0, errors.New("no display"))
	d.poll(ctx)
	d.poll(ctx)
	assert.Empty(t, d.out)
	assert.False(t, d.Healthy())

	// Recovery with inactivity already past the threshold starts a new episode.
	sensor.set(500*time.Millisecond, nil)
	d.poll(ctx)
	assert.True(t, d.Healthy())
	require.Len(t, d.out, 1)
}
