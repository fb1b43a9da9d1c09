package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schema creates the append-only event tables. Unique indexes back the
// writers' ON CONFLICT targets.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_progress (
		task_id        BIGINT NOT NULL,
		event_ts       BIGINT NOT NULL,
		received_at    BIGINT NOT NULL,
		progress       INTEGER NOT NULL,
		uploaded_count INTEGER NOT NULL,
		total_count    INTEGER NOT NULL,
		uploaded_size  BIGINT NOT NULL,
		total_size     BIGINT NOT NULL,
		current_file   TEXT NOT NULL DEFAULT '',
		destination    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS task_progress_natural_key
		ON task_progress (task_id, event_ts, uploaded_count)`,

	`CREATE TABLE IF NOT EXISTS task_status_events (
		task_id     BIGINT NOT NULL,
		event_ts    BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		status      SMALLINT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS task_status_events_natural_key
		ON task_status_events (task_id, event_ts, status)`,

	`CREATE TABLE IF NOT EXISTS file_status_events (
		task_id     BIGINT NOT NULL,
		file_id     BIGINT NOT NULL,
		event_ts    BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		file_name   TEXT NOT NULL DEFAULT '',
		status      SMALLINT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS file_status_events_natural_key
		ON file_status_events (file_id, event_ts, status)`,
	`CREATE INDEX IF NOT EXISTS file_status_events_task
		ON file_status_events (task_id, event_ts)`,
}

// EnsureSchema creates the event tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
