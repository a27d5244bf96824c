// Copyright 2025 James Ross
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/queue"
)

// GetNextBatch implements the claim protocol of spec.md section 4.2. The
// relational dialect uses a single serialised transaction per call:
// Postgres relies on SELECT ... FOR UPDATE SKIP LOCKED, SQLite (no row
// locking) relies on the single-connection pool enforced in
// relational.New to serialise writers (beginClaimTx's BEGIN IMMEDIATE is
// rejected inside the already-open transaction and ignored).
func (b *Backend) GetNextBatch(ctx context.Context, opts dqbackend.BatchOptions) ([]*queue.Job, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	tx, err := b.beginClaimTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("dataqueue: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := b.now()

	if err := b.promoteRetries(ctx, tx, now); err != nil {
		return nil, err
	}
	if err := b.promoteTimedOutWaiters(ctx, tx, now); err != nil {
		return nil, err
	}

	candidates, err := b.selectCandidates(ctx, tx, now, opts)
	if err != nil {
		return nil, err
	}

	claimed := make([]*queue.Job, 0, len(candidates))
	for _, id := range candidates {
		job, ok, err := b.claimOne(ctx, tx, id, now, opts.WorkerID)
		if err != nil {
			return nil, err
		}
		if ok {
			claimed = append(claimed, job)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dataqueue: commit claim: %w", err)
	}

	for _, j := range claimed {
		b.recordEvent(ctx, b.db, j.ID, queue.EventProcessing, nil)
	}
	return claimed, nil
}

func (b *Backend) beginClaimTx(ctx context.Context) (*sql.Tx, error) {
	if b.driver == "sqlite3" {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			// Already inside the driver's own BEGIN; ignore syntax it
			// does not accept and fall back to the plain transaction,
			// which is still serialised by the forced single connection.
			_ = err
		}
		return tx, nil
	}
	return b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// promoteRetries handles claim-protocol step 2 (spec.md section 4.2);
// step 1 (promoting ready delayed work) needs no separate transition
// since a pending job with runAt<=now is already a candidate in
// selectCandidates's WHERE clause.
func (b *Backend) promoteRetries(ctx context.Context, tx *sql.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx, b.rebind(`UPDATE job_queue SET status=?, next_attempt_at=NULL
		WHERE status=? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ? AND attempts < max_attempts`),
		string(queue.StatusPending), string(queue.StatusFailed), now)
	if err != nil {
		return fmt.Errorf("dataqueue: promote retries: %w", err)
	}
	return nil
}

func (b *Backend) promoteTimedOutWaiters(ctx context.Context, tx *sql.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx, b.rebind(`UPDATE job_queue SET status=?, wait_until=NULL
		WHERE status=? AND wait_until IS NOT NULL AND wait_until <= ? AND wait_token_id IS NULL`),
		string(queue.StatusPending), string(queue.StatusWaiting), now)
	if err != nil {
		return fmt.Errorf("dataqueue: promote timed-out waiters: %w", err)
	}
	return nil
}

func (b *Backend) selectCandidates(ctx context.Context, tx *sql.Tx, now time.Time, opts dqbackend.BatchOptions) ([]int64, error) {
	query := `SELECT id, group_id FROM job_queue WHERE status=? AND run_at <= ?`
	args := []any{string(queue.StatusPending), now}

	if len(opts.JobTypeFilter) > 0 {
		ph := make([]string, len(opts.JobTypeFilter))
		for i, t := range opts.JobTypeFilter {
			ph[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND job_type IN (%s)", strings.Join(ph, ","))
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	if b.driver != "postgres" {
		query += fmt.Sprintf(" LIMIT %d", opts.BatchSize*4+20) // overselect; group cap may reject some
	} else {
		query += fmt.Sprintf(" LIMIT %d FOR UPDATE SKIP LOCKED", opts.BatchSize*4+20)
	}

	rows, err := tx.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("dataqueue: select candidates: %w", err)
	}
	defer rows.Close()

	groupInFlight := map[string]int{}
	if opts.GroupConcurrency > 0 {
		grows, err := tx.QueryContext(ctx, `SELECT group_id, in_flight FROM job_group_inflight`)
		if err == nil {
			for grows.Next() {
				var gid string
				var n int
				if grows.Scan(&gid, &n) == nil {
					groupInFlight[gid] = n
				}
			}
			grows.Close()
		}
	}

	var ids []int64
	for rows.Next() {
		var id int64
		var groupID sql.NullString
		if err := rows.Scan(&id, &groupID); err != nil {
			return nil, err
		}
		if opts.GroupConcurrency > 0 && groupID.Valid {
			if groupInFlight[groupID.String] >= opts.GroupConcurrency {
				continue
			}
			groupInFlight[groupID.String]++
		}
		ids = append(ids, id)
		if len(ids) >= opts.BatchSize {
			break
		}
	}
	return ids, rows.Err()
}

func (b *Backend) claimOne(ctx context.Context, tx *sql.Tx, id int64, now time.Time, workerID string) (*queue.Job, bool, error) {
	row := tx.QueryRowContext(ctx, b.rebind(`SELECT `+jobColumns+` FROM job_queue WHERE id=? AND status=?`), id, string(queue.StatusPending))
	jr, err := scanJobRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil // raced with another worker/claim path
		}
		return nil, false, err
	}

	newAttempts := jr.Attempts + 1
	isRetry := newAttempts > 1

	set := []string{"status=?", "locked_at=?", "locked_by=?", "attempts=?"}
	args := []any{string(queue.StatusProcessing), now, workerID, newAttempts}
	if !jr.StartedAt.Valid {
		set = append(set, "started_at=?")
		args = append(args, now)
	}
	if isRetry {
		set = append(set, "last_retried_at=?")
		args = append(args, now)
	}
	args = append(args, id, string(queue.StatusPending))

	query := fmt.Sprintf(`UPDATE job_queue SET %s WHERE id=? AND status=?`, strings.Join(set, ", "))
	res, err := tx.ExecContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, false, fmt.Errorf("dataqueue: claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}

	if jr.GroupID.Valid {
		_, err = tx.ExecContext(ctx, b.rebind(`INSERT INTO job_group_inflight (group_id, in_flight) VALUES (?, 1)
			ON CONFLICT(group_id) DO UPDATE SET in_flight = in_flight + 1`), jr.GroupID.String)
		if err != nil {
			// Portable fallback for dialects without ON CONFLICT upsert support.
			_, _ = tx.ExecContext(ctx, b.rebind(`UPDATE job_group_inflight SET in_flight = in_flight + 1 WHERE group_id=?`), jr.GroupID.String)
		}
	}

	jr.Status = string(queue.StatusProcessing)
	jr.Attempts = newAttempts
	jr.LockedAt = sql.NullTime{Time: now, Valid: true}
	jr.LockedBy = sql.NullString{String: workerID, Valid: true}
	if !jr.StartedAt.Valid {
		jr.StartedAt = sql.NullTime{Time: now, Valid: true}
	}
	job, err := jr.toJob()
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// ReclaimStuckJobs implements backend.Backend.ReclaimStuckJobs.
func (b *Backend) ReclaimStuckJobs(ctx context.Context, maxProcessingMinutes int) (int, error) {
	now := b.now()
	threshold := time.Duration(maxProcessingMinutes) * time.Minute

	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT id, locked_at, timeout_ms, group_id FROM job_queue WHERE status=?`), string(queue.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("dataqueue: reclaim scan: %w", err)
	}
	type candidate struct {
		id      int64
		groupID sql.NullString
	}
	var stuck []candidate
	for rows.Next() {
		var id int64
		var lockedAt sql.NullTime
		var timeoutMs sql.NullInt64
		var groupID sql.NullString
		if err := rows.Scan(&id, &lockedAt, &timeoutMs, &groupID); err != nil {
			rows.Close()
			return 0, err
		}
		if !lockedAt.Valid {
			continue
		}
		lease := threshold
		if timeoutMs.Valid {
			jobTimeout := time.Duration(timeoutMs.Int64) * time.Millisecond
			if jobTimeout > lease {
				lease = jobTimeout
			}
		}
		if now.Sub(lockedAt.Time) >= lease {
			stuck = append(stuck, candidate{id: id, groupID: groupID})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, c := range stuck {
		n, err := b.execUpdate(ctx, `UPDATE job_queue SET status=?, locked_at=NULL, locked_by=NULL WHERE id=? AND status=?`,
			string(queue.StatusPending), c.id, string(queue.StatusProcessing))
		if err != nil {
			return count, err
		}
		if n > 0 {
			count++
			if c.groupID.Valid {
				b.db.ExecContext(ctx, b.rebind(`UPDATE job_group_inflight SET in_flight = in_flight - 1 WHERE group_id=? AND in_flight > 0`), c.groupID.String)
			}
		}
	}
	return count, nil
}
