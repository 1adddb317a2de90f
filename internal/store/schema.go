package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Bootstrap creates the tables the engine needs if they do not exist yet.
// thread_refs intentionally has no unique constraint on (repo, ref_kind,
// number); duplicates from racing deliveries are deduplicated at lookup.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id          BIGSERIAL PRIMARY KEY,
			channel     TEXT NOT NULL DEFAULT '',
			topic       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'paused',
			tags        TEXT[] NOT NULL DEFAULT '{}',
			repo        TEXT NOT NULL DEFAULT '',
			session_id  TEXT NOT NULL DEFAULT '',
			archived    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id                  BIGSERIAL PRIMARY KEY,
			conversation_id     BIGINT REFERENCES conversations(id),
			status              TEXT NOT NULL DEFAULT 'active',
			parent_thread_id    BIGINT,
			fork_point_event_id BIGINT,
			topic               TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS thread_refs (
			id        BIGSERIAL PRIMARY KEY,
			thread_id BIGINT NOT NULL REFERENCES threads(id),
			ref_kind  TEXT NOT NULL,
			repo      TEXT NOT NULL,
			number    INTEGER NOT NULL,
			url       TEXT NOT NULL DEFAULT '',
			status    TEXT NOT NULL DEFAULT 'open'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_refs_lookup
			ON thread_refs (repo, ref_kind, number)`,
		`CREATE TABLE IF NOT EXISTS thread_events (
			id           BIGSERIAL PRIMARY KEY,
			thread_id    BIGINT NOT NULL REFERENCES threads(id),
			channel      TEXT NOT NULL DEFAULT '',
			direction    TEXT NOT NULL,
			actor        TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL DEFAULT '',
			message_kind TEXT NOT NULL DEFAULT '',
			metadata     JSONB,
			usage        JSONB,
			compacted    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_events_thread
			ON thread_events (thread_id, id)`,
		`CREATE TABLE IF NOT EXISTS action_log (
			id          BIGSERIAL PRIMARY KEY,
			action_kind TEXT NOT NULL,
			repo        TEXT NOT NULL,
			ref_id      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_key
			ON action_log (action_kind, repo, ref_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS task_contexts (
			id              BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			repo            TEXT NOT NULL DEFAULT '',
			issue_number    INTEGER NOT NULL DEFAULT 0,
			branch          TEXT NOT NULL DEFAULT '',
			progress_state  TEXT NOT NULL DEFAULT 'not_started',
			base_commit     TEXT NOT NULL DEFAULT '',
			base_dirty      INTEGER NOT NULL DEFAULT 0,
			workdir         TEXT NOT NULL DEFAULT '',
			started_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at    TIMESTAMPTZ
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return nil
}
