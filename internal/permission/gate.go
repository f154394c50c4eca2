// Package permission polls the OS capability grants the tracker needs
// (accessibility for input monitoring, screen recording for capture) and
// notifies subscribers when either flag flips.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/metrics"
)

// Probe reads the two capability grants. Implementations are platform
// specific and treated as black boxes; a probe error is mapped to the safer
// state (both grants missing).
type Probe interface {
	Check(ctx context.Context) (accessibility, screenRecording bool, err error)
}

// State is an immutable snapshot of the capability grants.
type State struct {
	Accessibility   bool      `json:"accessibility"`
	ScreenRecording bool      `json:"screenRecording"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Granted reports whether both capabilities are available.
func (s State) Granted() bool {
	return s.Accessibility && s.ScreenRecording
}

// Gate polls a Probe at a fixed interval and fans out flag transitions.
// Subscribers are notified only when a flag changes, never on every poll.
type Gate struct {
	probe    Probe
	interval time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	state   State
	primed  bool
	subs    map[int]chan State
	nextSub int
}

// New creates a Gate. The initial state is ungranted until the first poll.
func New(probe Probe, interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Gate {
	return &Gate{
		probe:    probe,
		interval: interval,
		logger:   logger.With().Str("component", "permission_gate").Logger(),
		metrics:  m,
		subs:     make(map[int]chan State),
	}
}

// State returns the latest snapshot.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Subscribe registers for flag-transition notifications. The returned cancel
// function must be called on teardown; it closes the channel.
func (g *Gate) Subscribe(buf int) (<-chan State, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextSub
	g.nextSub++
	ch := make(chan State, buf)
	g.subs[id] = ch

	return ch, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if sub, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(sub)
		}
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately so
// dependents never act on the zero state for a full interval.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.poll(ctx)
		}
	}
}

func (g *Gate) poll(ctx context.Context) {
	acc, scr, err := g.probe.Check(ctx)
	if err != nil {
		// Safer state: treat an unreadable probe as revoked.
		g.logger.Warn().Err(err).Msg("capability probe failed, treating grants as missing")
		g.metrics.RecordError("permission_gate", "probe")
		acc, scr = false, false
	}

	next := State{Accessibility: acc, ScreenRecording: scr, CheckedAt: time.Now()}
	g.metrics.SetPermission("accessibility", acc)
	g.metrics.SetPermission("screen_recording", scr)

	g.mu.Lock()
	changed := !g.primed ||
		g.state.Accessibility != next.Accessibility ||
		g.state.ScreenRecording != next.ScreenRecording
	g.state = next
	g.primed = true

	if !changed {
		g.mu.Unlock()
		return
	}

	// Notify under the lock so a concurrent unsubscribe cannot close a
	// channel mid-send. The sends never block.
	for _, ch := range g.subs {
		select {
		case ch <- next:
		default:
			g.logger.Warn().Msg("permission subscriber buffer full, dropping notification")
		}
	}
	g.mu.Unlock()

	g.logger.Info().
		Bool("accessibility", next.Accessibility).
		Bool("screen_recording", next.ScreenRecording).
		Msg("capability grants changed")
}
