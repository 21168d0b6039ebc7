package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS leave_requests (
		id         UUID PRIMARY KEY,
		requester  UUID NOT NULL,
		course_ref UUID NOT NULL,
		reason     TEXT NOT NULL,
		start_date TIMESTAMPTZ NOT NULL,
		end_date   TIMESTAMPTZ NOT NULL,
		status     TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		decided_at TIMESTAMPTZ,
		decided_by UUID
	)`,
	`CREATE INDEX IF NOT EXISTS idx_leave_requests_requester ON leave_requests (requester, applied_at DESC)`,
	`CREATE TABLE IF NOT EXISTS routine_days (
		routine_id     UUID NOT NULL,
		day_index      INT NOT NULL,
		faculty_ids    TEXT[] NOT NULL DEFAULT '{}',
		scheduled_time TEXT NOT NULL,
		online_link    TEXT NOT NULL DEFAULT '',
		audience_role  TEXT NOT NULL,
		status         TEXT NOT NULL,
		note           TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (routine_id, day_index)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		seq            BIGSERIAL,
		id             UUID PRIMARY KEY,
		kind           TEXT NOT NULL,
		audience_kind  TEXT NOT NULL,
		audience_value TEXT NOT NULL DEFAULT '',
		data           JSONB NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_audience ON notifications (audience_kind, audience_value, created_at DESC)`,
}

// Migrate creates the schema when missing. Statements are idempotent so the
// server can run it unconditionally at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
