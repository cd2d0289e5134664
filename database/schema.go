package database

import (
	"context"
	"database/sql"
	"fmt"

	"mabletask/telemetry/logging"
)

// schema is applied in order at startup. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id      TEXT PRIMARY KEY,
		platform       TEXT,
		os_version     TEXT,
		screen_size    TEXT,
		browser        TEXT,
		metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
		first_seen     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		total_sessions INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS behavior_events (
		event_id    UUID PRIMARY KEY,
		device_id   TEXT NOT NULL,
		user_id     TEXT,
		event_type  TEXT NOT NULL,
		screen_name TEXT,
		event_data  JSONB NOT NULL DEFAULT '{}'::jsonb,
		session_id  TEXT,
		ip_address  TEXT,
		user_agent  TEXT,
		ts          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_behavior_events_device_ts ON behavior_events (device_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_behavior_events_user_ts ON behavior_events (user_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_behavior_events_type ON behavior_events (event_type)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id   TEXT PRIMARY KEY,
		device_id    TEXT NOT NULL,
		user_id      TEXT,
		start_time   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		end_time     TIMESTAMPTZ,
		duration     BIGINT NOT NULL DEFAULT 0,
		page_count   INTEGER NOT NULL DEFAULT 0,
		scroll_depth DOUBLE PRECISION NOT NULL DEFAULT 0,
		metadata     JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions (device_id)`,
	`CREATE TABLE IF NOT EXISTS daily_aggregates (
		device_id            TEXT NOT NULL,
		user_id              TEXT,
		day                  DATE NOT NULL,
		screen_views         JSONB NOT NULL DEFAULT '[]'::jsonb,
		scroll_depth         JSONB NOT NULL DEFAULT '[]'::jsonb,
		navigation_paths     JSONB NOT NULL DEFAULT '[]'::jsonb,
		product_interactions JSONB NOT NULL DEFAULT '[]'::jsonb,
		sessions             JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_updated         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (device_id, day)
	)`,
}

// Migrate creates the tables the pipeline writes to.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	logging.Info().Int("statements", len(schema)).Msg("schema applied")
	return nil
}
