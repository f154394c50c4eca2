// Package session implements the timer state machine at the heart of the
// agent: session start/stop, idle suspension and reconciliation, permission
// gating, and the once-per-second accrual tick.
//
// The controller is the single owner of the live Session and the pending
// IdlePeriod. Every other component sees immutable snapshots only.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/agenterr"
	"github.com/staffwatch/agent/internal/idle"
	"github.com/staffwatch/agent/internal/metrics"
	"github.com/staffwatch/agent/internal/permission"
	"github.com/staffwatch/agent/internal/store"
)

// RecordStore persists session records.
type RecordStore interface {
	OpenSession(rec store.SessionRecord) error
	Heartbeat(uuid string, end time.Time, activeSeconds int64) error
	CloseSession(rec store.SessionRecord) error
}

// Evidence receives finalized time records for upload.
type Evidence interface {
	EnqueueTimeRecord(rec store.SessionRecord) error
}

// Refresher is poked once per minute while the controller runs.
type Refresher interface {
	Refresh(ctx context.Context)
}

// Gate exposes the permission gate surface the controller needs.
type Gate interface {
	State() permission.State
	Subscribe(buf int) (<-chan permission.State, func())
}

// Config holds the controller's timer intervals.
type Config struct {
	// TickInterval is the accrual notification period. Default 1s.
	TickInterval time.Duration
	// AggregateInterval is how often the Refresher is poked. Default 60s.
	AggregateInterval time.Duration
	// SegmentRotation closes and reopens long-running sessions so evidence
	// is finalized incrementally. 0 disables rotation.
	SegmentRotation time.Duration
}

// Controller owns the timer state machine.
type Controller struct {
	cfg        Config
	gate       Gate
	idleEvents <-chan idle.Event
	records    RecordStore
	evidence   Evidence
	refresher  Refresher
	hub        *Hub
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	// clock is replaceable in tests. Real time.Time values carry a
	// monotonic reading, so interval math is immune to wall-clock jumps.
	clock func() time.Time

	mu            sync.Mutex
	state         State
	sess          *Session
	pending       *IdlePeriod
	lastResolved  *IdlePeriod
	accrued       time.Duration
	segmentStart  time.Time
	idleKept      time.Duration
	idleDiscarded time.Duration
}

// NewController creates the controller. The refresher is wired afterwards
// via SetRefresher because the aggregator needs the controller for live
// elapsed reads.
func NewController(
	cfg Config,
	gate Gate,
	idleEvents <-chan idle.Event,
	records RecordStore,
	evidence Evidence,
	hub *Hub,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.AggregateInterval <= 0 {
		cfg.AggregateInterval = time.Minute
	}
	return &Controller{
		cfg:        cfg,
		gate:       gate,
		idleEvents: idleEvents,
		records:    records,
		evidence:   evidence,
		hub:        hub,
		metrics:    m,
		logger:     logger.With().Str("component", "session_controller").Logger(),
		clock:      time.Now,
		state:      StateIdle,
	}
}

// SetRefresher wires the aggregator poked on the minute tick.
func (c *Controller) SetRefresher(r Refresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresher = r
}

// Start begins a new session for projectID.
//
// Fails with agenterr.ErrPermissionDenied unless both capability grants are
// present, and with agenterr.ErrTimerRunning if a session is already active.
// A start while an idle prompt is stale (AwaySuspended) supersedes it: the
// pending period is force-resolved to Discarded and the old session closed.
func (c *Controller) Start(projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateActive:
		return agenterr.ErrTimerRunning
	case StateAwaySuspended:
		c.logger.Warn().Str("project_id", projectID).Msg("start supersedes stale idle prompt")
		c.stopLocked("superseded by new start")
	}

	if !c.gate.State().Granted() {
		c.metrics.RecordError("session_controller", "permission_denied")
		return agenterr.ErrPermissionDenied
	}

	now := c.clock()
	c.sess = &Session{
		UUID:      uuid.NewString(),
		ProjectID: projectID,
		StartedAt: now,
	}
	c.accrued = 0
	c.idleKept = 0
	c.idleDiscarded = 0
	c.segmentStart = now

	if err := c.records.OpenSession(store.SessionRecord{
		UUID:      c.sess.UUID,
		ProjectID: projectID,
		Start:     now,
	}); err != nil {
		c.sess = nil
		c.metrics.RecordError("session_controller", "persistence")
		return err
	}

	c.state = StateActive
	c.metrics.RecordSession("started")
	c.logger.Info().Str("project_id", projectID).Str("session", c.sess.UUID).Msg("timer started")
	c.hub.Publish(Event{Type: EventTimerActive, Active: true, ProjectID: projectID})
	return nil
}

// Stop closes the current session. Stopping an already-idle controller is a
// no-op so the display layer can issue it unconditionally.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked("requested")
	return nil
}

// Resolve applies the user's keep/discard decision to the pending idle
// period. Resolving when only an already-resolved period exists returns the
// prior resolution with no error; resolving with no period at all returns
// agenterr.ErrNoPendingIdle.
func (c *Controller) Resolve(keep bool) (Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		if c.lastResolved != nil {
			return c.lastResolved.Resolution, nil
		}
		return "", agenterr.ErrNoPendingIdle
	}

	period := c.resolveLocked(keep, false, "")

	// Either outcome resumes accrual from resolution time.
	c.segmentStart = c.clock()
	c.state = StateActive
	c.hub.Publish(Event{Type: EventTimerActive, Active: true, ProjectID: c.sess.ProjectID})
	return period.Resolution, nil
}

// Status returns a snapshot for the display layer.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, ElapsedSeconds: int64(c.elapsedLocked().Seconds())}
	if c.sess != nil {
		st.ProjectID = c.sess.ProjectID
		st.SessionUUID = c.sess.UUID
		st.StartedAt = c.sess.StartedAt
	}
	if c.pending != nil {
		st.PendingIdleSeconds = int64(c.pending.Duration.Seconds())
	}
	return st
}

// Elapsed returns the live accrued duration of the current session.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedLocked()
}

// CurrentProject returns the live session's project, or "" when idle.
func (c *Controller) CurrentProject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.ProjectID
}

// SessionStart reports when the live session (or segment, after a rotation)
// opened. ok is false when no session is running.
func (c *Controller) SessionStart() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return time.Time{}, false
	}
	return c.sess.StartedAt, true
}

// ActiveSession reports the accruing session for the capture loop. ok is
// false while suspended or idle so no evidence is captured off the clock.
func (c *Controller) ActiveSession() (projectID, sessionUUID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.sess == nil {
		return "", "", false
	}
	return c.sess.ProjectID, c.sess.UUID, true
}

// Run drives the periodic timers and input channels until ctx is cancelled.
// All state transitions funnel through this single goroutine plus the
// synchronous command methods, so tick notifications are emitted in strictly
// increasing timestamp order.
func (c *Controller) Run(ctx context.Context) {
	tick := time.NewTicker(c.cfg.TickInterval)
	defer tick.Stop()
	agg := time.NewTicker(c.cfg.AggregateInterval)
	defer agg.Stop()

	permCh, unsubscribe := c.gate.Subscribe(8)
	defer unsubscribe()

	c.logger.Info().
		Dur("tick", c.cfg.TickInterval).
		Dur("aggregate", c.cfg.AggregateInterval).
		Msg("session controller running")

	for {
		select {
		case <-ctx.Done():
			// The quit coordinator stops the session before cancelling us;
			// this is a belt-and-braces close for abnormal teardown.
			c.mu.Lock()
			c.stopLocked("engine shutdown")
			c.mu.Unlock()
			return
		case <-tick.C:
			c.tick()
		case <-agg.C:
			c.mu.Lock()
			r := c.refresher
			c.mu.Unlock()
			if r != nil {
				r.Refresh(ctx)
			}
		case ev, ok := <-c.idleEvents:
			if !ok {
				c.idleEvents = nil
				continue
			}
			c.onIdle(ev)
		case st, ok := <-permCh:
			if !ok {
				permCh = nil
				continue
			}
			c.onPermission(st)
		}
	}
}

// tick emits the per-second elapsed notification and persists a heartbeat.
func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return
	}

	now := c.clock()
	elapsed := c.elapsedLocked()
	c.metrics.RecordTick()
	c.hub.Publish(Event{
		Type:           EventTimeUpdate,
		Active:         true,
		ProjectID:      c.sess.ProjectID,
		ElapsedSeconds: int64(elapsed.Seconds()),
	})

	if err := c.records.Heartbeat(c.sess.UUID, now, int64(elapsed.Seconds())); err != nil {
		c.logger.Error().Err(err).Msg("session heartbeat failed")
		c.metrics.RecordError("session_controller", "persistence")
	}

	if c.cfg.SegmentRotation > 0 && now.Sub(c.sess.StartedAt) >= c.cfg.SegmentRotation {
		c.rotateLocked(now)
	}
}

// onIdle moves Active → AwaySuspended, freezing accrual at the instant
// inactivity began rather than at detection time.
func (c *Controller) onIdle(ev idle.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		// Stale episode from before a stop or permission revocation.
		c.logger.Debug().Dur("duration", ev.Duration).Msg("ignoring idle event outside active state")
		return
	}

	onset := ev.DetectedAt.Add(-ev.Duration)
	frozen := onset.Sub(c.segmentStart)
	if frozen < 0 {
		// The episode began before this accrual window; nothing to add.
		frozen = 0
	}
	c.accrued += frozen

	c.pending = &IdlePeriod{
		ID:          uuid.NewString(),
		SessionUUID: c.sess.UUID,
		StartedAt:   onset,
		Duration:    ev.Duration,
		Resolution:  ResolutionPending,
	}
	c.state = StateAwaySuspended

	c.logger.Info().
		Str("session", c.sess.UUID).
		Time("onset", onset).
		Dur("duration", ev.Duration).
		Msg("accrual suspended pending idle resolution")

	c.hub.Publish(Event{Type: EventTimerActive, Active: false, ProjectID: c.sess.ProjectID})
	c.hub.Publish(Event{
		Type:        EventIdleDetected,
		ProjectID:   c.sess.ProjectID,
		IdleSeconds: int64(ev.Duration.Seconds()),
	})
}

// onPermission stops the session the moment either grant disappears. The
// gate polls every interval, so revocation is observed within one interval
// and no unauthorized tick can follow.
func (c *Controller) onPermission(st permission.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hub.Publish(Event{Type: EventPermissionChanged, Permissions: &st, Active: c.state == StateActive})

	if st.Granted() {
		return
	}
	if c.state == StateActive || c.state == StateAwaySuspended {
		c.logger.Warn().Msg("capability grant revoked, stopping session")
		c.stopLocked("permission revoked")
	}
}

// resolveLocked finalizes the pending idle period. It records the
// adjustment and emits idle-ended but leaves state and segmentStart to the
// caller: user resolutions resume accrual, stop paths do not.
func (c *Controller) resolveLocked(keep, forced bool, reason string) *IdlePeriod {
	period := c.pending
	period.ResolvedAt = c.clock()
	period.Forced = forced
	if keep {
		period.Resolution = ResolutionKept
		c.accrued += period.Duration
		c.idleKept += period.Duration
		c.metrics.RecordIdleResolution("kept")
	} else {
		period.Resolution = ResolutionDiscarded
		c.idleDiscarded += period.Duration
		if forced {
			c.metrics.RecordIdleResolution("forced_discard")
		} else {
			c.metrics.RecordIdleResolution("discarded")
		}
	}

	c.sess.Adjustments = append(c.sess.Adjustments, IdleAdjustment{
		PeriodID: period.ID,
		Duration: period.Duration,
		Kept:     keep,
	})

	c.lastResolved = period
	c.pending = nil

	evt := c.logger.Info().
		Str("session", period.SessionUUID).
		Dur("duration", period.Duration).
		Str("resolution", string(period.Resolution))
	if forced {
		evt = evt.Bool("forced", true).Str("reason", reason)
	}
	evt.Msg("idle period resolved")

	c.hub.Publish(Event{
		Type:        EventIdleEnded,
		ProjectID:   c.sess.ProjectID,
		IdleSeconds: int64(period.Duration.Seconds()),
		Resolution:  period.Resolution,
	})
	return period
}

// stopLocked closes the current session, force-discarding any pending idle
// period first. Safe to call in any state.
func (c *Controller) stopLocked(reason string) {
	if c.sess == nil {
		return
	}

	now := c.clock()
	switch c.state {
	case StateActive:
		c.accrued += now.Sub(c.segmentStart)
	case StateAwaySuspended:
		// Cancellation policy: an unresolved prompt defaults to Discarded.
		c.resolveLocked(false, true, reason)
	}

	rec := c.closedRecordLocked(now)
	c.state = StateStopped

	if err := c.records.CloseSession(rec); err != nil {
		c.logger.Error().Err(err).Str("session", rec.UUID).Msg("failed to persist closed session")
		c.metrics.RecordError("session_controller", "persistence")
	} else if c.evidence != nil {
		if err := c.evidence.EnqueueTimeRecord(rec); err != nil {
			c.logger.Error().Err(err).Str("session", rec.UUID).Msg("failed to enqueue time record")
			c.metrics.RecordError("session_controller", "enqueue")
		}
	}

	c.metrics.RecordSession("stopped")
	c.logger.Info().
		Str("session", rec.UUID).
		Str("reason", reason).
		Int64("active_seconds", rec.ActiveSeconds).
		Msg("timer stopped")

	c.hub.Publish(Event{
		Type:           EventTimerActive,
		Active:         false,
		ProjectID:      rec.ProjectID,
		ElapsedSeconds: rec.ActiveSeconds,
	})

	c.sess = nil
	c.accrued = 0
	c.state = StateIdle
}

// rotateLocked finalizes the current segment and opens a fresh one for the
// same project. Invisible to subscribers and to aggregation.
func (c *Controller) rotateLocked(now time.Time) {
	projectID := c.sess.ProjectID

	c.accrued += now.Sub(c.segmentStart)
	rec := c.closedRecordLocked(now)

	if err := c.records.CloseSession(rec); err != nil {
		c.logger.Error().Err(err).Str("session", rec.UUID).Msg("failed to rotate session")
		c.metrics.RecordError("session_controller", "persistence")
		// Keep accruing on the old segment; rotation retries next tick.
		c.accrued -= now.Sub(c.segmentStart)
		return
	}
	if c.evidence != nil {
		if err := c.evidence.EnqueueTimeRecord(rec); err != nil {
			c.logger.Error().Err(err).Str("session", rec.UUID).Msg("failed to enqueue rotated time record")
			c.metrics.RecordError("session_controller", "enqueue")
		}
	}

	c.sess = &Session{UUID: uuid.NewString(), ProjectID: projectID, StartedAt: now}
	c.accrued = 0
	c.idleKept = 0
	c.idleDiscarded = 0
	c.segmentStart = now

	if err := c.records.OpenSession(store.SessionRecord{UUID: c.sess.UUID, ProjectID: projectID, Start: now}); err != nil {
		c.logger.Error().Err(err).Msg("failed to open rotated session")
		c.metrics.RecordError("session_controller", "persistence")
	}

	c.metrics.RecordSession("rotated")
	c.logger.Debug().Str("session", c.sess.UUID).Msg("session segment rotated")
}

func (c *Controller) closedRecordLocked(end time.Time) store.SessionRecord {
	return store.SessionRecord{
		UUID:                 c.sess.UUID,
		ProjectID:            c.sess.ProjectID,
		Start:                c.sess.StartedAt,
		End:                  end,
		ActiveSeconds:        int64(c.accrued.Seconds()),
		IdleKeptSeconds:      int64(c.idleKept.Seconds()),
		IdleDiscardedSeconds: int64(c.idleDiscarded.Seconds()),
		Closed:               true,
	}
}

func (c *Controller) elapsedLocked() time.Duration {
	if c.sess == nil {
		return 0
	}
	if c.state == StateActive {
		return c.accrued + c.clock().Sub(c.segmentStart)
	}
	return c.accrued
}
