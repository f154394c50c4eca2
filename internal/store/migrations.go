package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		uuid TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		active_seconds INTEGER NOT NULL DEFAULT 0,
		idle_kept_seconds INTEGER NOT NULL DEFAULT 0,
		idle_discarded_seconds INTEGER NOT NULL DEFAULT 0,
		closed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project_start ON sessions(project_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(closed) WHERE closed = 0;

	CREATE TABLE IF NOT EXISTS upload_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		project_id TEXT NOT NULL,
		session_uuid TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		uploaded_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_upload_pending ON upload_items(created_at) WHERE uploaded_at IS NULL;

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}
