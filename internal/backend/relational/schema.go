// Copyright 2025 James Ross
package relational

import "context"

// migrate creates the job_queue/job_events/cron_schedules/waitpoints
// tables and their indexes (spec.md section 6) if they do not already
// exist. Both dialects are expressed with portable types (TEXT/INTEGER/
// TIMESTAMP) since SQLite has no native JSON/array/boolean types and
// this backend must behave identically against either; the real
// Postgres deployment gains the GIN tag index and native booleans as a
// documented follow-up (see DESIGN.md).
func (b *Backend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			tags TEXT,
			idempotency_key TEXT,
			group_id TEXT,
			group_tier TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			run_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			attempts INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER,
			force_kill_on_timeout INTEGER NOT NULL DEFAULT 0,
			retry_delay INTEGER,
			retry_backoff INTEGER,
			retry_delay_max INTEGER,
			locked_at TIMESTAMP,
			locked_by TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error_history TEXT,
			failure_reason TEXT,
			next_attempt_at TIMESTAMP,
			dead_letter_job_type TEXT,
			dead_letter_job_id INTEGER,
			dead_lettered_at TIMESTAMP,
			wait_until TIMESTAMP,
			wait_token_id TEXT,
			step_data TEXT,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			last_retried_at TIMESTAMP,
			last_failed_at TIMESTAMP,
			last_cancelled_at TIMESTAMP,
			progress INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_queue_idempotency ON job_queue (idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_job_queue_claim ON job_queue (status, run_at, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_queue_cleanup ON job_queue (status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_queue_retry ON job_queue (status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_queue_waiting ON job_queue (status, wait_until, wait_token_id)`,

		`CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events (job_id, id)`,

		`CREATE TABLE IF NOT EXISTS cron_schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_name TEXT NOT NULL UNIQUE,
			cron_expression TEXT NOT NULL,
			job_type TEXT NOT NULL,
			payload TEXT,
			timezone TEXT NOT NULL,
			allow_overlap INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			last_enqueued_at TIMESTAMP,
			last_job_id INTEGER,
			next_run_at TIMESTAMP NOT NULL,
			tags TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			timeout_ms INTEGER,
			retry_delay INTEGER,
			retry_backoff INTEGER,
			retry_delay_max INTEGER,
			dead_letter_job_type TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cron_due ON cron_schedules (status, next_run_at)`,

		`CREATE TABLE IF NOT EXISTS waitpoints (
			id TEXT PRIMARY KEY,
			job_id INTEGER,
			status TEXT NOT NULL,
			output TEXT,
			timeout_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			tags TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waitpoints_timeout ON waitpoints (status, timeout_at)`,

		`CREATE TABLE IF NOT EXISTS job_group_inflight (
			group_id TEXT PRIMARY KEY,
			in_flight INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
