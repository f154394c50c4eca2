// Package aggregate computes per-project daily totals from closed session
// records plus the live accrual of the current session.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/store"
)

// History supplies the closed session records overlapping a window.
type History interface {
	ClosedSessionsOverlapping(from, to time.Time) ([]store.SessionRecord, error)
}

// Live supplies the in-flight session so today's total includes time that has
// not been finalized yet.
type Live interface {
	CurrentProject() string
	Elapsed() time.Duration
	// SessionStart reports when the live session opened; ok is false when
	// no session is running.
	SessionStart() (start time.Time, ok bool)
}

// Aggregator computes daily totals. Sessions that span midnight are split
// proportionally: each day receives active seconds in proportion to the share
// of the session's wall-clock span that falls inside it.
type Aggregator struct {
	history History
	live    Live
	logger  zerolog.Logger
	clock   func() time.Time

	mu    sync.Mutex
	cache map[string]int64 // today's closed totals per project, updated by Refresh
	day   time.Time        // start of the cached day
}

// New creates an Aggregator. live may be nil when there is no session source.
func New(history History, live Live, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		history: history,
		live:    live,
		logger:  logger.With().Str("component", "aggregator").Logger(),
		clock:   time.Now,
		cache:   make(map[string]int64),
	}
}

// DayTotals returns finalized active seconds per project for the local day
// containing at. The live session is not included.
func (a *Aggregator) DayTotals(at time.Time) (map[string]int64, error) {
	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	recs, err := a.history.ClosedSessionsOverlapping(dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions for day: %w", err)
	}

	totals := make(map[string]int64)
	for _, rec := range recs {
		totals[rec.ProjectID] += apportion(rec, dayStart, dayEnd)
	}
	return totals, nil
}

// TodayTotal returns today's active seconds for projectID, including the
// live session if it belongs to that project.
func (a *Aggregator) TodayTotal(projectID string) (int64, error) {
	now := a.clock()
	totals, err := a.DayTotals(now)
	if err != nil {
		return 0, err
	}
	total := totals[projectID]
	if a.live != nil && a.live.CurrentProject() == projectID {
		total += a.liveToday(now)
	}
	return total, nil
}

// liveToday returns the live session's active seconds attributable to the
// current day. A session opened before midnight is apportioned by wall
// share, same as closed records.
func (a *Aggregator) liveToday(now time.Time) int64 {
	elapsed := a.live.Elapsed().Seconds()
	start, ok := a.live.SessionStart()
	if !ok {
		return int64(elapsed)
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !start.Before(dayStart) {
		return int64(elapsed)
	}
	span := now.Sub(start).Seconds()
	if span <= 0 {
		return int64(elapsed)
	}
	return int64(elapsed * now.Sub(dayStart).Seconds() / span)
}

// Refresh recomputes today's cached totals. The session controller pokes
// this once per minute; the display layer reads via Snapshot between pokes.
func (a *Aggregator) Refresh(ctx context.Context) {
	now := a.clock()
	totals, err := a.DayTotals(now)
	if err != nil {
		a.logger.Error().Err(err).Msg("aggregation refresh failed")
		return
	}

	a.mu.Lock()
	a.cache = totals
	a.day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	a.mu.Unlock()

	a.logger.Debug().Int("projects", len(totals)).Msg("daily totals refreshed")
}

// Snapshot returns the last refreshed totals. Stale by up to one refresh
// interval; callers needing exactness use TodayTotal. Once midnight passes
// the cache belongs to yesterday and an empty map is returned until the
// next refresh.
func (a *Aggregator) Snapshot() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	if a.day.IsZero() || now.Sub(a.day) >= 24*time.Hour || now.Before(a.day) {
		return map[string]int64{}
	}

	out := make(map[string]int64, len(a.cache))
	for k, v := range a.cache {
		out[k] = v
	}
	return out
}

// apportion returns the active seconds of rec attributable to [dayStart,
// dayEnd). A zero-length wall span is attributed entirely to its start day.
func apportion(rec store.SessionRecord, dayStart, dayEnd time.Time) int64 {
	span := rec.End.Sub(rec.Start)
	if span <= 0 {
		if !rec.Start.Before(dayStart) && rec.Start.Before(dayEnd) {
			return rec.ActiveSeconds
		}
		return 0
	}

	from := rec.Start
	if from.Before(dayStart) {
		from = dayStart
	}
	to := rec.End
	if to.After(dayEnd) {
		to = dayEnd
	}
	overlap := to.Sub(from)
	if overlap <= 0 {
		return 0
	}

	return int64(float64(rec.ActiveSeconds) * overlap.Seconds() / span.Seconds())
}

// FormatDuration renders seconds as HH:MM:SS for the display layer.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
