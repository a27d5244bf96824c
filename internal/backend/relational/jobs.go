// Copyright 2025 James Ross
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"go.uber.org/zap"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) execer(cfg dqbackend.AddJobConfig) (execer, error) {
	if cfg.Tx == nil {
		return b.db, nil
	}
	tx, ok := cfg.Tx.(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("dataqueue: relational backend expects a *sql.Tx, got %T", cfg.Tx)
	}
	return tx, nil
}

// AddJob implements backend.Backend.AddJob (spec.md section 4.1).
func (b *Backend) AddJob(ctx context.Context, opts queue.AddJobOptions, options ...dqbackend.AddJobOption) (int64, error) {
	var cfg dqbackend.AddJobConfig
	for _, opt := range options {
		opt(&cfg)
	}
	ex, err := b.execer(cfg)
	if err != nil {
		return 0, err
	}

	if opts.IdempotencyKey != nil {
		var existing int64
		err := ex.QueryRowContext(ctx, b.rebind(`SELECT id FROM job_queue WHERE idempotency_key = ?`), *opts.IdempotencyKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("dataqueue: check idempotency key: %w", err)
		}
	}

	now := b.now()
	runAt := now
	if opts.RunAt != nil {
		runAt = *opts.RunAt
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	tagsJSON, err := marshalTags(opts.Tags)
	if err != nil {
		return 0, err
	}

	var groupID, groupTier sql.NullString
	if opts.Group != nil {
		groupID = sql.NullString{String: opts.Group.ID, Valid: true}
		groupTier = sql.NullString{String: opts.Group.Tier, Valid: opts.Group.Tier != ""}
	}

	query := b.rebind(`INSERT INTO job_queue
		(job_type, payload, tags, idempotency_key, group_id, group_tier, priority, run_at,
		 created_at, max_attempts, attempts, timeout_ms, force_kill_on_timeout,
		 retry_delay, retry_backoff, retry_delay_max, dead_letter_job_type, status, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,0,?,?,?,?,?,?,?,?)`)

	res, err := ex.ExecContext(ctx, query,
		opts.JobType, jsonOrEmpty(opts.Payload), nullStringOrEmpty(tagsJSON), nullString(opts.IdempotencyKey),
		groupID, groupTier, opts.Priority, runAt, now, maxAttempts, nullInt64(opts.TimeoutMs),
		opts.ForceKillOnTimeout, nullIntPtr(opts.RetryPolicy.RetryDelay), nullBool(opts.RetryPolicy.RetryBackoff),
		nullIntPtr(opts.RetryPolicy.RetryDelayMax), nullStringOrEmpty(opts.DeadLetterJobType), string(queue.StatusPending), now,
	)
	if err != nil {
		return 0, fmt.Errorf("dataqueue: insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("dataqueue: last insert id: %w", err)
	}

	b.recordEvent(ctx, ex, id, queue.EventAdded, nil)
	return id, nil
}

func nullStringOrEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// AddJobs implements backend.Backend.AddJobs. Items are inserted in one
// transaction when the backend's own *sql.DB is used (no caller tx).
func (b *Backend) AddJobs(ctx context.Context, batch []queue.AddJobOptions, options ...dqbackend.AddJobOption) ([]int64, error) {
	var cfg dqbackend.AddJobConfig
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.Tx != nil {
		ids := make([]int64, len(batch))
		for i, item := range batch {
			id, err := b.AddJob(ctx, item, options...)
			if err != nil {
				return nil, err
			}
			ids[i] = id
		}
		return ids, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dataqueue: begin batch tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(batch))
	for i, item := range batch {
		id, err := b.AddJob(ctx, item, dqbackend.WithTx(tx))
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dataqueue: commit batch: %w", err)
	}
	return ids, nil
}

func (b *Backend) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+jobColumns+` FROM job_queue WHERE id = ?`), id)
	jr, err := scanJobRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("dataqueue: get job: %w", err)
	}
	return jr.toJob()
}

func (b *Backend) queryJobs(ctx context.Context, where string, args []any, limit, offset int) ([]*queue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
		if offset > 0 {
			query += fmt.Sprintf(` OFFSET %d`, offset)
		}
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("dataqueue: query jobs: %w", err)
	}
	defer rows.Close()

	var out []*queue.Job
	for rows.Next() {
		jr, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		j, err := jr.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (b *Backend) GetJobs(ctx context.Context, filter queue.JobFilter) ([]*queue.Job, error) {
	var where []string
	var args []any

	if len(filter.Status) > 0 {
		ph := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			ph[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(ph, ",")))
	}
	if len(filter.JobType) > 0 {
		ph := make([]string, len(filter.JobType))
		for i, t := range filter.JobType {
			ph[i] = "?"
			args = append(args, t)
		}
		where = append(where, fmt.Sprintf("job_type IN (%s)", strings.Join(ph, ",")))
	}
	if filter.GroupID != nil {
		where = append(where, "group_id = ?")
		args = append(args, *filter.GroupID)
	}
	if filter.RunAt != nil {
		op := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<=", "eq": "="}[filter.RunAt.Op]
		if op == "" {
			op = "="
		}
		where = append(where, fmt.Sprintf("run_at %s ?", op))
		args = append(args, filter.RunAt.At)
	}

	jobs, err := b.queryJobs(ctx, strings.Join(where, " AND "), args, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	if len(filter.Tags) > 0 {
		jobs = filterByTags(jobs, filter.Tags, filter.TagMode)
	}
	return jobs, nil
}

func filterByTags(jobs []*queue.Job, tags []string, mode queue.TagMode) []*queue.Job {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	var out []*queue.Job
	for _, j := range jobs {
		have := make(map[string]bool, len(j.Tags))
		for _, t := range j.Tags {
			have[t] = true
		}
		if tagsMatch(have, want, mode) {
			out = append(out, j)
		}
	}
	return out
}

func tagsMatch(have, want map[string]bool, mode queue.TagMode) bool {
	switch mode {
	case queue.TagModeAny:
		for t := range want {
			if have[t] {
				return true
			}
		}
		return false
	case queue.TagModeExact:
		if len(have) != len(want) {
			return false
		}
		for t := range want {
			if !have[t] {
				return false
			}
		}
		return true
	case queue.TagModeNone:
		for t := range want {
			if have[t] {
				return false
			}
		}
		return true
	default: // TagModeAll / unset: superset
		for t := range want {
			if !have[t] {
				return false
			}
		}
		return true
	}
}

func (b *Backend) GetJobsByStatus(ctx context.Context, status queue.Status, limit, offset int) ([]*queue.Job, error) {
	return b.queryJobs(ctx, "status = ?", []any{string(status)}, limit, offset)
}

func (b *Backend) GetJobsByTags(ctx context.Context, tags []string, mode queue.TagMode, limit, offset int) ([]*queue.Job, error) {
	jobs, err := b.queryJobs(ctx, "", nil, 0, 0)
	if err != nil {
		return nil, err
	}
	jobs = filterByTags(jobs, tags, mode)
	if offset > 0 {
		if offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (b *Backend) GetAllJobs(ctx context.Context) ([]*queue.Job, error) {
	return b.queryJobs(ctx, "", nil, 0, 0)
}

// CompleteJob implements backend.Backend.CompleteJob.
func (b *Backend) CompleteJob(ctx context.Context, id int64, output []byte, hasOutput bool) error {
	now := b.now()
	var query string
	var args []any
	if hasOutput {
		query = `UPDATE job_queue SET status=?, completed_at=?, updated_at=?, step_data=NULL,
			wait_until=NULL, wait_token_id=NULL, output=? WHERE id=? AND status=?`
		args = []any{string(queue.StatusCompleted), now, now, jsonOrEmpty(output), id, string(queue.StatusProcessing)}
	} else {
		query = `UPDATE job_queue SET status=?, completed_at=?, updated_at=?, step_data=NULL,
			wait_until=NULL, wait_token_id=NULL WHERE id=? AND status=?`
		args = []any{string(queue.StatusCompleted), now, now, id, string(queue.StatusProcessing)}
	}
	n, err := b.execUpdate(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotProcessing
	}
	b.decrementGroupInFlight(ctx, id)
	b.recordEvent(ctx, b.db, id, queue.EventCompleted, nil)
	return nil
}

// FailJob implements backend.Backend.FailJob and the retry/dead-letter
// policy of spec.md section 4.3.
func (b *Backend) FailJob(ctx context.Context, id int64, message string, reason queue.FailureReason) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusProcessing {
		return queue.ErrNotProcessing
	}

	now := b.now()
	entry := queue.ErrorEntry{Message: message, Timestamp: now}
	job.ErrorHistory = append(job.ErrorHistory, entry)
	historyJSON, err := json.Marshal(job.ErrorHistory)
	if err != nil {
		return err
	}

	attempts := job.Attempts
	if attempts < job.MaxAttempts {
		delay := queue.NextAttemptDelay(job.RetryPolicy, attempts)
		nextAt := now.Add(delay)
		_, err := b.execUpdate(ctx,
			`UPDATE job_queue SET status=?, error_history=?, failure_reason=?, next_attempt_at=?,
			 last_failed_at=?, updated_at=?, locked_at=NULL, locked_by=? WHERE id=? AND status=?`,
			string(queue.StatusFailed), string(historyJSON), string(reason), nextAt, now, now, nil, id, string(queue.StatusProcessing),
		)
		if err != nil {
			return err
		}
	} else {
		_, err := b.execUpdate(ctx,
			`UPDATE job_queue SET status=?, error_history=?, failure_reason=?, next_attempt_at=NULL,
			 last_failed_at=?, updated_at=?, locked_at=NULL, locked_by=? WHERE id=? AND status=?`,
			string(queue.StatusFailed), string(historyJSON), string(reason), now, now, nil, id, string(queue.StatusProcessing),
		)
		if err != nil {
			return err
		}
		// dead_letter_job_type is set at enqueue time (AddJob) and carries
		// the *configured* envelope type until this failure overwrites it
		// with the dead-lettered result below.
		if dlType := job.DeadLetter.JobType; dlType != "" {
			dlID, dlErr := b.createDeadLetterEnvelope(ctx, job, dlType, message, reason)
			if dlErr == nil {
				b.execUpdate(ctx, `UPDATE job_queue SET dead_letter_job_type=?, dead_letter_job_id=?, dead_lettered_at=? WHERE id=?`,
					dlType, dlID, b.now(), id)
			}
		}
	}
	b.decrementGroupInFlight(ctx, id)
	b.recordEvent(ctx, b.db, id, queue.EventFailed, nil)
	return nil
}

func (b *Backend) createDeadLetterEnvelope(ctx context.Context, source *queue.Job, dlType, message string, reason queue.FailureReason) (int64, error) {
	envelope := struct {
		OriginalJob struct {
			ID      int64  `json:"id"`
			JobType string `json:"jobType"`
		} `json:"originalJob"`
		OriginalPayload json.RawMessage `json:"originalPayload"`
		Failure         struct {
			Message string `json:"message"`
			Reason  string `json:"reason"`
		} `json:"failure"`
	}{}
	envelope.OriginalJob.ID = source.ID
	envelope.OriginalJob.JobType = source.JobType
	envelope.OriginalPayload = source.Payload
	envelope.Failure.Message = message
	envelope.Failure.Reason = string(reason)

	payload, err := json.Marshal(envelope)
	if err != nil {
		return 0, err
	}
	return b.AddJob(ctx, queue.AddJobOptions{JobType: dlType, Payload: payload, MaxAttempts: 1})
}

func (b *Backend) RetryJob(ctx context.Context, id int64) error {
	now := b.now()
	n, err := b.execUpdate(ctx,
		`UPDATE job_queue SET status=?, next_attempt_at=?, last_retried_at=?, updated_at=?,
		 locked_at=NULL, locked_by=? WHERE id=? AND status IN (?, ?)`,
		string(queue.StatusPending), now, now, now, nil, id, string(queue.StatusFailed), string(queue.StatusProcessing),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil // no-op per spec.md 4.1
	}
	b.recordEvent(ctx, b.db, id, queue.EventRetried, nil)
	return nil
}

func (b *Backend) CancelJob(ctx context.Context, id int64) error {
	now := b.now()
	n, err := b.execUpdate(ctx,
		`UPDATE job_queue SET status=?, locked_at=NULL, locked_by=?, wait_until=NULL, wait_token_id=NULL,
		 last_cancelled_at=?, updated_at=? WHERE id=? AND status IN (?, ?)`,
		string(queue.StatusCancelled), nil, now, now, id, string(queue.StatusPending), string(queue.StatusWaiting),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil // no-op per spec.md 4.1
	}
	b.recordEvent(ctx, b.db, id, queue.EventCancelled, nil)
	return nil
}

func (b *Backend) EditJob(ctx context.Context, id int64, updates queue.EditJobOptions) error {
	set := []string{}
	var args []any
	diff := map[string]any{}

	if updates.Payload != nil {
		set = append(set, "payload=?")
		args = append(args, string(updates.Payload))
		diff["payload"] = json.RawMessage(updates.Payload)
	}
	if updates.Priority != nil {
		set = append(set, "priority=?")
		args = append(args, *updates.Priority)
		diff["priority"] = *updates.Priority
	}
	if updates.MaxAttempts != nil {
		set = append(set, "max_attempts=?")
		args = append(args, *updates.MaxAttempts)
		diff["maxAttempts"] = *updates.MaxAttempts
	}
	if updates.RunAt != nil {
		set = append(set, "run_at=?")
		args = append(args, *updates.RunAt)
		diff["runAt"] = *updates.RunAt
	}
	if updates.ClearTimeoutMs {
		set = append(set, "timeout_ms=NULL")
		diff["timeoutMs"] = nil
	} else if updates.TimeoutMs != nil {
		set = append(set, "timeout_ms=?")
		args = append(args, *updates.TimeoutMs)
		diff["timeoutMs"] = *updates.TimeoutMs
	}
	if updates.ClearTags {
		set = append(set, "tags=NULL")
		diff["tags"] = nil
	} else if updates.Tags != nil {
		tagsJSON, err := marshalTags(updates.Tags)
		if err != nil {
			return err
		}
		set = append(set, "tags=?")
		args = append(args, nullStringOrEmpty(tagsJSON))
		diff["tags"] = updates.Tags
	}
	if updates.RetryPolicy != nil {
		set = append(set, "retry_delay=?", "retry_backoff=?", "retry_delay_max=?")
		args = append(args, nullIntPtr(updates.RetryPolicy.RetryDelay), nullBool(updates.RetryPolicy.RetryBackoff), nullIntPtr(updates.RetryPolicy.RetryDelayMax))
		diff["retryPolicy"] = updates.RetryPolicy
	}
	if len(set) == 0 {
		return nil
	}
	now := b.now()
	set = append(set, "updated_at=?")
	args = append(args, now)
	args = append(args, id, string(queue.StatusPending))

	query := fmt.Sprintf(`UPDATE job_queue SET %s WHERE id=? AND status=?`, strings.Join(set, ", "))
	n, err := b.execUpdate(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil // silently skips non-pending jobs per spec.md 4.1
	}
	diffJSON, _ := json.Marshal(diff)
	b.recordEvent(ctx, b.db, id, queue.EventEdited, diffJSON)
	return nil
}

func (b *Backend) EditAllPendingJobs(ctx context.Context, filter queue.JobFilter, updates queue.EditJobOptions) (int, error) {
	pendingFilter := filter
	pendingFilter.Status = []queue.Status{queue.StatusPending}
	jobs, err := b.GetJobs(ctx, pendingFilter)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, j := range jobs {
		if err := b.EditJob(ctx, j.ID, updates); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (b *Backend) ProlongJob(ctx context.Context, id int64) error {
	now := b.now()
	_, err := b.execUpdate(ctx, `UPDATE job_queue SET locked_at=? WHERE id=? AND status=?`, now, id, string(queue.StatusProcessing))
	if err != nil {
		b.log.Warn("prolong job failed", zap.Error(err))
	}
	b.recordEvent(ctx, b.db, id, queue.EventProlonged, nil)
	return nil
}

func (b *Backend) UpdateProgress(ctx context.Context, id int64, pct int) error {
	_, err := b.execUpdate(ctx, `UPDATE job_queue SET progress=?, updated_at=? WHERE id=? AND status=?`, pct, b.now(), id, string(queue.StatusProcessing))
	if err != nil {
		b.log.Warn("update progress failed", zap.Error(err))
	}
	return nil
}

func (b *Backend) UpdateOutput(ctx context.Context, id int64, value []byte) error {
	_, err := b.execUpdate(ctx, `UPDATE job_queue SET output=?, updated_at=? WHERE id=? AND status=?`, jsonOrEmpty(value), b.now(), id, string(queue.StatusProcessing))
	if err != nil {
		b.log.Warn("update output failed", zap.Error(err))
	}
	return nil
}

func (b *Backend) execUpdate(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("dataqueue: exec: %w", err)
	}
	return res.RowsAffected()
}

func (b *Backend) decrementGroupInFlight(ctx context.Context, id int64) {
	var groupID sql.NullString
	b.db.QueryRowContext(ctx, b.rebind(`SELECT group_id FROM job_queue WHERE id=?`), id).Scan(&groupID)
	if !groupID.Valid {
		return
	}
	b.db.ExecContext(ctx, b.rebind(`UPDATE job_group_inflight SET in_flight = in_flight - 1 WHERE group_id=? AND in_flight > 0`), groupID.String)
}

