package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Upload item kinds.
const (
	KindScreenshot = "screenshot"
	KindTimeRecord = "time_record"
)

// UploadItem is one unit of evidence awaiting transmission.
type UploadItem struct {
	ID          string
	Kind        string
	ProjectID   string
	SessionUUID string
	Payload     string
	CreatedAt   time.Time
	RetryCount  int
	LastError   string
	UploadedAt  *time.Time
}

// InsertUploadItem persists a new queue item. The caller must not consider
// the enqueue complete until this returns nil.
func (s *Store) InsertUploadItem(item UploadItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
	INSERT INTO upload_items (id, kind, project_id, session_uuid, payload, created_at, retry_count)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	`, item.ID, item.Kind, item.ProjectID, item.SessionUUID, item.Payload, item.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert upload item: %w", err)
	}
	return nil
}

// PendingUploadItems returns untransmitted items in enqueue order.
// A limit of 0 means no limit.
func (s *Store) PendingUploadItems(limit int) ([]UploadItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, kind, project_id, session_uuid, payload, created_at, retry_count, last_error
	FROM upload_items
	WHERE uploaded_at IS NULL
	ORDER BY created_at ASC, id ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending upload items: %w", err)
	}
	defer rows.Close()

	var items []UploadItem
	for rows.Next() {
		var item UploadItem
		var createdAt int64
		var lastErr sql.NullString
		if err := rows.Scan(&item.ID, &item.Kind, &item.ProjectID, &item.SessionUUID,
			&item.Payload, &createdAt, &item.RetryCount, &lastErr); err != nil {
			return nil, fmt.Errorf("failed to scan upload item: %w", err)
		}
		item.CreatedAt = time.UnixMilli(createdAt)
		if lastErr.Valid {
			item.LastError = lastErr.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating upload items: %w", err)
	}
	return items, nil
}

// MarkUploaded records a confirmed remote acceptance. This is the only path
// by which an item leaves the pending set.
func (s *Store) MarkUploaded(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE upload_items SET uploaded_at = ? WHERE id = ? AND uploaded_at IS NULL`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark upload item: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("upload item not pending: %s", id)
	}
	return nil
}

// RecordUploadFailure increments the retry count and stores the last error.
// The item stays in the queue.
func (s *Store) RecordUploadFailure(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE upload_items SET retry_count = retry_count + 1, last_error = ? WHERE id = ? AND uploaded_at IS NULL
	`, message, id)
	if err != nil {
		return fmt.Errorf("failed to record upload failure: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("upload item not pending: %s", id)
	}
	return nil
}

// CountPendingUploads returns how many items await transmission.
func (s *Store) CountPendingUploads() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM upload_items WHERE uploaded_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending upload items: %w", err)
	}
	return n, nil
}
