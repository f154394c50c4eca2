package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/permission"
)

// EventType identifies a push notification toward the display layer.
type EventType string

const (
	// EventTimeUpdate fires once per second while the timer is active.
	EventTimeUpdate EventType = "time-update"
	// EventTimerActive fires on every state transition touching accrual.
	EventTimerActive EventType = "timer-active"
	// EventIdleDetected fires when an inactivity episode suspends accrual,
	// prompting the display layer for a keep/discard decision.
	EventIdleDetected EventType = "idle-detected"
	// EventIdleEnded fires once per resolved inactivity episode.
	EventIdleEnded EventType = "idle-ended"
	// EventPermissionChanged fires on capability flag transitions only.
	EventPermissionChanged EventType = "permission-state-changed"
)

// Event is a single notification. Only the fields relevant to its type are
// populated.
type Event struct {
	Type           EventType         `json:"type"`
	At             time.Time         `json:"at"`
	ProjectID      string            `json:"project_id,omitempty"`
	ElapsedSeconds int64             `json:"elapsed_seconds,omitempty"`
	Active         bool              `json:"active"`
	IdleSeconds    int64             `json:"idle_seconds,omitempty"`
	Resolution     Resolution        `json:"resolution,omitempty"`
	Permissions    *permission.State `json:"permissions,omitempty"`
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// that cannot keep up loses notifications rather than stalling the engine.
type Hub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// NewHub creates an event hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "event_hub").Logger(),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a listener. The cancel function must be called on
// teardown; it removes the subscription and closes the channel.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, buf)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Publish delivers ev to all subscribers without blocking. Sends happen
// under the lock so a concurrent unsubscribe cannot close a channel
// mid-send; the sends never block, so the hold is brief.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug().Str("type", string(ev.Type)).Msg("subscriber behind, event dropped")
		}
	}
}

// Close tears down all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
