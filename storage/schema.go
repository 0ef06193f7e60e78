package storage

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// schemaStatements creates the board tables. Each statement is idempotent so
// startup with --init-schema can run against an existing database.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS boards (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		color       TEXT NOT NULL DEFAULT 'bg-blue-500',
		user_id     TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS columns (
		id         TEXT PRIMARY KEY,
		board_id   TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
		title      TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0,
		user_id    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		column_id      TEXT NOT NULL REFERENCES columns(id) ON DELETE CASCADE,
		title          TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		due_date       TIMESTAMPTZ,
		priority       TEXT NOT NULL DEFAULT 'medium',
		assignee       TEXT NOT NULL DEFAULT '',
		attachment_url TEXT NOT NULL DEFAULT '',
		sort_order     INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS board_members (
		id               TEXT PRIMARY KEY,
		board_id         TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
		user_id          TEXT,
		external_user_id TEXT,
		user_email       TEXT,
		role             TEXT NOT NULL DEFAULT 'member',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (board_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS labels (
		id         TEXT PRIMARY KEY,
		board_id   TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		color      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (board_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS task_labels (
		task_id  TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		label_id TEXT NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
		PRIMARY KEY (task_id, label_id)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_columns_board ON columns (board_id, sort_order)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_column ON tasks (column_id, sort_order)`,
	`CREATE INDEX IF NOT EXISTS idx_members_board ON board_members (board_id)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_task ON comments (task_id, created_at)`,
}

// EnsureSchema creates all tables and indexes the adapter reads and writes.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return mapError("ensure schema", err)
		}
	}
	log.Info("schema ensured")
	return nil
}
