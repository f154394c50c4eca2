package session

import (
	"time"
)

// State is the controller's position in the timer state machine.
type State string

const (
	// StateIdle: no session exists; a start request is accepted.
	StateIdle State = "idle"
	// StateActive: a session is accruing time.
	StateActive State = "active"
	// StateAwaySuspended: inactivity crossed the threshold; accrual is
	// frozen until the pending idle period is resolved.
	StateAwaySuspended State = "away_suspended"
	// StateStopped is the terminal state of a session instance. The
	// controller passes through it and resets to StateIdle immediately.
	StateStopped State = "stopped"
)

// Resolution is the outcome of an idle period.
type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionKept      Resolution = "kept"
	ResolutionDiscarded Resolution = "discarded"
)

// IdlePeriod is a candidate span of inactivity detected while a session was
// active. At most one is pending at any time, and it always carries the UUID
// of the session that owned it so a resolution can never land on a later
// session.
type IdlePeriod struct {
	ID          string
	SessionUUID string
	StartedAt   time.Time
	Duration    time.Duration
	Resolution  Resolution
	ResolvedAt  time.Time
	Forced      bool
}

// IdleAdjustment is an immutable, resolved idle span recorded against its
// owning session.
type IdleAdjustment struct {
	PeriodID string
	Duration time.Duration
	Kept     bool
}

// Session is one continuous work interval for a project.
type Session struct {
	UUID        string
	ProjectID   string
	StartedAt   time.Time
	Adjustments []IdleAdjustment
}

// Status is an immutable snapshot of the controller handed to the display
// layer. ElapsedSeconds includes the live accrual of the current segment.
type Status struct {
	State              State     `json:"state"`
	ProjectID          string    `json:"project_id,omitempty"`
	SessionUUID        string    `json:"session_uuid,omitempty"`
	StartedAt          time.Time `json:"started_at,omitempty"`
	ElapsedSeconds     int64     `json:"elapsed_seconds"`
	PendingIdleSeconds int64     `json:"pending_idle_seconds,omitempty"`
}
