package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord is one continuous timed work interval for a project.
// Closed records are append-only: once closed they are never mutated again.
type SessionRecord struct {
	UUID                 string
	ProjectID            string
	Start                time.Time
	End                  time.Time // zero while the session is open and unheartbeaten
	ActiveSeconds        int64
	IdleKeptSeconds      int64
	IdleDiscardedSeconds int64
	Closed               bool
}

// OpenSession inserts a new open session row.
func (s *Store) OpenSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT INTO sessions (uuid, project_id, start_time, active_seconds, idle_kept_seconds, idle_discarded_seconds, closed)
	VALUES (?, ?, ?, 0, 0, 0, 0)
	`, rec.UUID, rec.ProjectID, rec.Start.Unix())
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	return nil
}

// Heartbeat advances the open session's end-time high-water mark so a crash
// loses at most one tick of accrual.
func (s *Store) Heartbeat(uuid string, end time.Time, activeSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	UPDATE sessions SET end_time = ?, active_seconds = ? WHERE uuid = ? AND closed = 0
	`, end.Unix(), activeSeconds, uuid)
	if err != nil {
		return fmt.Errorf("failed to heartbeat session: %w", err)
	}
	return nil
}

// CloseSession finalizes a session. The record becomes immutable after this.
func (s *Store) CloseSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE sessions
	SET end_time = ?, active_seconds = ?, idle_kept_seconds = ?, idle_discarded_seconds = ?, closed = 1
	WHERE uuid = ? AND closed = 0
	`, rec.End.Unix(), rec.ActiveSeconds, rec.IdleKeptSeconds, rec.IdleDiscardedSeconds, rec.UUID)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not open: %s", rec.UUID)
	}
	return nil
}

// RecoverOpenSessions closes any session left open by a crash, using its
// last heartbeat as the end time. Returns the number of recovered sessions.
func (s *Store) RecoverOpenSessions() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE sessions
	SET closed = 1, end_time = COALESCE(end_time, start_time)
	WHERE closed = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover open sessions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// ClosedSessionsOverlapping returns closed sessions whose wall-clock span
// intersects [from, to), ordered by start time.
func (s *Store) ClosedSessionsOverlapping(from, to time.Time) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT uuid, project_id, start_time, end_time, active_seconds, idle_kept_seconds, idle_discarded_seconds
	FROM sessions
	WHERE closed = 1 AND start_time < ? AND end_time > ?
	ORDER BY start_time ASC
	`, to.Unix(), from.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var start, end int64
		var endNull sql.NullInt64
		if err := rows.Scan(&rec.UUID, &rec.ProjectID, &start, &endNull,
			&rec.ActiveSeconds, &rec.IdleKeptSeconds, &rec.IdleDiscardedSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if endNull.Valid {
			end = endNull.Int64
		}
		rec.Start = time.Unix(start, 0)
		rec.End = time.Unix(end, 0)
		rec.Closed = true
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return recs, nil
}
