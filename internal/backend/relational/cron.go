// Copyright 2025 James Ross
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	dqcron "github.com/flyingrobots/dataqueue/internal/cron"
	"github.com/flyingrobots/dataqueue/internal/queue"
)

const cronColumns = `id, schedule_name, cron_expression, job_type, payload, timezone, allow_overlap,
	status, last_enqueued_at, last_job_id, next_run_at, tags, priority, max_attempts, timeout_ms,
	retry_delay, retry_backoff, retry_delay_max, dead_letter_job_type, created_at, updated_at`

func scanCronSchedule(s scanner) (*queue.CronSchedule, error) {
	var (
		id                                                int64
		scheduleName, cronExpr, jobType, timezone, status string
		payload                                           sql.NullString
		allowOverlap                                      bool
		nextRunAt, createdAt, updatedAt                   time.Time
		lastJobID                                         sql.NullInt64
		lastEnqueuedAtNull                                sql.NullTime
		tags                                              sql.NullString
		priority, maxAttempts                             int
		timeoutMs, retryDelay, retryDelayMax              sql.NullInt64
		retryBackoff                                       sql.NullBool
		deadLetterJobType                                  sql.NullString
	)
	err := s.Scan(&id, &scheduleName, &cronExpr, &jobType, &payload, &timezone, &allowOverlap,
		&status, &lastEnqueuedAtNull, &lastJobID, &nextRunAt, &tags, &priority, &maxAttempts, &timeoutMs,
		&retryDelay, &retryBackoff, &retryDelayMax, &deadLetterJobType, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	cs := &queue.CronSchedule{
		ID:                id,
		ScheduleName:      scheduleName,
		CronExpression:    cronExpr,
		JobType:           jobType,
		Timezone:          timezone,
		AllowOverlap:      allowOverlap,
		Status:            queue.CronScheduleStatus(status),
		NextRunAt:         nextRunAt,
		Priority:          priority,
		MaxAttempts:       maxAttempts,
		DeadLetterJobType: deadLetterJobType.String,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}
	if payload.Valid {
		cs.Payload = json.RawMessage(payload.String)
	}
	if lastEnqueuedAtNull.Valid {
		v := lastEnqueuedAtNull.Time
		cs.LastEnqueuedAt = &v
	}
	if lastJobID.Valid {
		v := lastJobID.Int64
		cs.LastJobID = &v
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &cs.Tags); err != nil {
			return nil, err
		}
	}
	if timeoutMs.Valid {
		v := timeoutMs.Int64
		cs.TimeoutMs = &v
	}
	if retryDelay.Valid {
		v := int(retryDelay.Int64)
		cs.RetryPolicy.RetryDelay = &v
	}
	if retryBackoff.Valid {
		v := retryBackoff.Bool
		cs.RetryPolicy.RetryBackoff = &v
	}
	if retryDelayMax.Valid {
		v := int(retryDelayMax.Int64)
		cs.RetryPolicy.RetryDelayMax = &v
	}
	return cs, nil
}

// AddCronSchedule implements backend.Backend.AddCronSchedule.
func (b *Backend) AddCronSchedule(ctx context.Context, opts queue.CronScheduleOptions) (*queue.CronSchedule, error) {
	nextRun, err := b.nextFire(opts.CronExpression, opts.Timezone, b.now())
	if err != nil {
		return nil, err
	}
	timezone := opts.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	tagsJSON, err := marshalTags(opts.Tags)
	if err != nil {
		return nil, err
	}
	now := b.now()

	res, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO cron_schedules
		(schedule_name, cron_expression, job_type, payload, timezone, allow_overlap, status,
		 next_run_at, tags, priority, max_attempts, timeout_ms, retry_delay, retry_backoff,
		 retry_delay_max, dead_letter_job_type, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		opts.ScheduleName, opts.CronExpression, opts.JobType, jsonOrEmpty(opts.Payload), timezone, opts.AllowOverlap,
		string(queue.CronActive), nextRun, nullStringOrEmpty(tagsJSON), opts.Priority, maxAttemptsOrDefault(opts.MaxAttempts),
		nullInt64(opts.TimeoutMs), nullIntPtr(opts.RetryPolicy.RetryDelay), nullBool(opts.RetryPolicy.RetryBackoff),
		nullIntPtr(opts.RetryPolicy.RetryDelayMax), nullStringOrEmpty(opts.DeadLetterJobType), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, queue.ErrDuplicateScheduleName
		}
		return nil, fmt.Errorf("dataqueue: add cron schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return b.GetCronSchedule(ctx, id)
}

func maxAttemptsOrDefault(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (b *Backend) nextFire(expr, timezone string, after time.Time) (time.Time, error) {
	next, err := dqcron.NextFire(expr, timezone, after)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", queue.ErrInvalidCronExpression, err)
	}
	return next, nil
}

func (b *Backend) GetCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+cronColumns+` FROM cron_schedules WHERE id=?`), id)
	cs, err := scanCronSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrCronScheduleNotFound
		}
		return nil, err
	}
	return cs, nil
}

func (b *Backend) GetCronScheduleByName(ctx context.Context, name string) (*queue.CronSchedule, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+cronColumns+` FROM cron_schedules WHERE schedule_name=?`), name)
	cs, err := scanCronSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrCronScheduleNotFound
		}
		return nil, err
	}
	return cs, nil
}

func (b *Backend) ListCronSchedules(ctx context.Context, status *queue.CronScheduleStatus) ([]*queue.CronSchedule, error) {
	query := `SELECT ` + cronColumns + ` FROM cron_schedules`
	var args []any
	if status != nil {
		query += ` WHERE status=?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY id ASC`
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*queue.CronSchedule
	for rows.Next() {
		cs, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (b *Backend) PauseCronSchedule(ctx context.Context, id int64) error {
	_, err := b.execUpdate(ctx, `UPDATE cron_schedules SET status=?, updated_at=? WHERE id=?`, string(queue.CronPaused), b.now(), id)
	return err
}

func (b *Backend) ResumeCronSchedule(ctx context.Context, id int64) error {
	_, err := b.execUpdate(ctx, `UPDATE cron_schedules SET status=?, updated_at=? WHERE id=?`, string(queue.CronActive), b.now(), id)
	return err
}

func (b *Backend) EditCronSchedule(ctx context.Context, id int64, updates queue.CronScheduleEditOptions) error {
	existing, err := b.GetCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	set := []string{}
	var args []any

	expr := existing.CronExpression
	tz := existing.Timezone
	if updates.CronExpression != nil {
		expr = *updates.CronExpression
		set = append(set, "cron_expression=?")
		args = append(args, expr)
	}
	if updates.Timezone != nil {
		tz = *updates.Timezone
		set = append(set, "timezone=?")
		args = append(args, tz)
	}
	if updates.CronExpression != nil || updates.Timezone != nil {
		nextRun, err := b.nextFire(expr, tz, b.now())
		if err != nil {
			return err
		}
		set = append(set, "next_run_at=?")
		args = append(args, nextRun)
	}
	if updates.Payload != nil {
		set = append(set, "payload=?")
		args = append(args, string(updates.Payload))
	}
	if updates.AllowOverlap != nil {
		set = append(set, "allow_overlap=?")
		args = append(args, *updates.AllowOverlap)
	}
	if updates.Tags != nil {
		tagsJSON, err := marshalTags(updates.Tags)
		if err != nil {
			return err
		}
		set = append(set, "tags=?")
		args = append(args, nullStringOrEmpty(tagsJSON))
	}
	if updates.Priority != nil {
		set = append(set, "priority=?")
		args = append(args, *updates.Priority)
	}
	if updates.MaxAttempts != nil {
		set = append(set, "max_attempts=?")
		args = append(args, *updates.MaxAttempts)
	}
	if updates.TimeoutMs != nil {
		set = append(set, "timeout_ms=?")
		args = append(args, *updates.TimeoutMs)
	}
	if updates.RetryPolicy != nil {
		set = append(set, "retry_delay=?", "retry_backoff=?", "retry_delay_max=?")
		args = append(args, nullIntPtr(updates.RetryPolicy.RetryDelay), nullBool(updates.RetryPolicy.RetryBackoff), nullIntPtr(updates.RetryPolicy.RetryDelayMax))
	}
	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_at=?")
	args = append(args, b.now())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE cron_schedules SET %s WHERE id=?`, strings.Join(set, ", "))
	_, err = b.execUpdate(ctx, query, args...)
	return err
}

func (b *Backend) RemoveCronSchedule(ctx context.Context, id int64) error {
	_, err := b.execUpdate(ctx, `DELETE FROM cron_schedules WHERE id=?`, id)
	return err
}

func (b *Backend) GetDueCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT `+cronColumns+` FROM cron_schedules WHERE status=? AND next_run_at <= ? ORDER BY id ASC`),
		string(queue.CronActive), b.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*queue.CronSchedule
	for rows.Next() {
		cs, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (b *Backend) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, lastEnqueuedAt time.Time, lastJobID int64, nextRunAt time.Time) error {
	_, err := b.execUpdate(ctx, `UPDATE cron_schedules SET last_enqueued_at=?, last_job_id=?, next_run_at=?, updated_at=? WHERE id=?`,
		lastEnqueuedAt, lastJobID, nextRunAt, b.now(), id)
	return err
}
