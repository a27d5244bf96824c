// Copyright 2025 James Ross
package relational

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/flyingrobots/dataqueue/internal/queue"
)

// jobRow is the flattened, nullable-aware shape of one job_queue row,
// scanned via database/sql and then lifted into a queue.Job.
type jobRow struct {
	ID                 int64
	JobType            string
	Payload            string
	Tags               sql.NullString
	IdempotencyKey     sql.NullString
	GroupID            sql.NullString
	GroupTier          sql.NullString
	Priority           int
	RunAt              time.Time
	CreatedAt          time.Time
	MaxAttempts        int
	Attempts           int
	TimeoutMs          sql.NullInt64
	ForceKillOnTimeout bool
	RetryDelay         sql.NullInt64
	RetryBackoff       sql.NullBool
	RetryDelayMax      sql.NullInt64
	LockedAt           sql.NullTime
	LockedBy           sql.NullString
	Status             string
	Output             sql.NullString
	ErrorHistory       sql.NullString
	FailureReason      sql.NullString
	NextAttemptAt      sql.NullTime
	DeadLetterJobType  sql.NullString
	DeadLetterJobID    sql.NullInt64
	DeadLetteredAt     sql.NullTime
	WaitUntil          sql.NullTime
	WaitTokenID        sql.NullString
	StepData           sql.NullString
	UpdatedAt          time.Time
	StartedAt          sql.NullTime
	CompletedAt        sql.NullTime
	LastRetriedAt      sql.NullTime
	LastFailedAt       sql.NullTime
	LastCancelledAt    sql.NullTime
	Progress           sql.NullInt64
}

const jobColumns = `id, job_type, payload, tags, idempotency_key, group_id, group_tier,
	priority, run_at, created_at, max_attempts, attempts, timeout_ms, force_kill_on_timeout,
	retry_delay, retry_backoff, retry_delay_max, locked_at, locked_by, status, output,
	error_history, failure_reason, next_attempt_at, dead_letter_job_type, dead_letter_job_id,
	dead_lettered_at, wait_until, wait_token_id, step_data, updated_at, started_at,
	completed_at, last_retried_at, last_failed_at, last_cancelled_at, progress`

type scanner interface {
	Scan(dest ...any) error
}

func scanJobRow(s scanner) (*jobRow, error) {
	var r jobRow
	err := s.Scan(
		&r.ID, &r.JobType, &r.Payload, &r.Tags, &r.IdempotencyKey, &r.GroupID, &r.GroupTier,
		&r.Priority, &r.RunAt, &r.CreatedAt, &r.MaxAttempts, &r.Attempts, &r.TimeoutMs, &r.ForceKillOnTimeout,
		&r.RetryDelay, &r.RetryBackoff, &r.RetryDelayMax, &r.LockedAt, &r.LockedBy, &r.Status, &r.Output,
		&r.ErrorHistory, &r.FailureReason, &r.NextAttemptAt, &r.DeadLetterJobType, &r.DeadLetterJobID,
		&r.DeadLetteredAt, &r.WaitUntil, &r.WaitTokenID, &r.StepData, &r.UpdatedAt, &r.StartedAt,
		&r.CompletedAt, &r.LastRetriedAt, &r.LastFailedAt, &r.LastCancelledAt, &r.Progress,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *jobRow) toJob() (*queue.Job, error) {
	j := &queue.Job{
		ID:                 r.ID,
		JobType:            r.JobType,
		Payload:            json.RawMessage(r.Payload),
		Priority:           r.Priority,
		RunAt:              r.RunAt,
		CreatedAt:          r.CreatedAt,
		MaxAttempts:        r.MaxAttempts,
		Attempts:           r.Attempts,
		ForceKillOnTimeout: r.ForceKillOnTimeout,
		Status:             queue.Status(r.Status),
		UpdatedAt:          r.UpdatedAt,
	}
	if r.Tags.Valid && r.Tags.String != "" {
		if err := json.Unmarshal([]byte(r.Tags.String), &j.Tags); err != nil {
			return nil, err
		}
	}
	if r.IdempotencyKey.Valid {
		v := r.IdempotencyKey.String
		j.IdempotencyKey = &v
	}
	if r.GroupID.Valid {
		j.Group = &queue.Group{ID: r.GroupID.String}
		if r.GroupTier.Valid {
			j.Group.Tier = r.GroupTier.String
		}
	}
	if r.TimeoutMs.Valid {
		v := r.TimeoutMs.Int64
		j.TimeoutMs = &v
	}
	if r.RetryDelay.Valid {
		v := int(r.RetryDelay.Int64)
		j.RetryPolicy.RetryDelay = &v
	}
	if r.RetryBackoff.Valid {
		v := r.RetryBackoff.Bool
		j.RetryPolicy.RetryBackoff = &v
	}
	if r.RetryDelayMax.Valid {
		v := int(r.RetryDelayMax.Int64)
		j.RetryPolicy.RetryDelayMax = &v
	}
	if r.LockedAt.Valid {
		v := r.LockedAt.Time
		j.LockedAt = &v
	}
	if r.LockedBy.Valid {
		v := r.LockedBy.String
		j.LockedBy = &v
	}
	if r.Output.Valid && r.Output.String != "" {
		j.Output = json.RawMessage(r.Output.String)
	}
	if r.ErrorHistory.Valid && r.ErrorHistory.String != "" {
		if err := json.Unmarshal([]byte(r.ErrorHistory.String), &j.ErrorHistory); err != nil {
			return nil, err
		}
	}
	if r.FailureReason.Valid {
		v := queue.FailureReason(r.FailureReason.String)
		j.FailureReason = &v
	}
	if r.NextAttemptAt.Valid {
		v := r.NextAttemptAt.Time
		j.NextAttemptAt = &v
	}
	j.DeadLetter.JobType = r.DeadLetterJobType.String
	if r.DeadLetterJobID.Valid {
		v := r.DeadLetterJobID.Int64
		j.DeadLetter.JobID = &v
	}
	if r.DeadLetteredAt.Valid {
		v := r.DeadLetteredAt.Time
		j.DeadLetter.DeadLetteredAt = &v
	}
	if r.WaitUntil.Valid {
		v := r.WaitUntil.Time
		j.WaitUntil = &v
	}
	if r.WaitTokenID.Valid {
		v := r.WaitTokenID.String
		j.WaitTokenID = &v
	}
	if r.StepData.Valid && r.StepData.String != "" {
		if err := json.Unmarshal([]byte(r.StepData.String), &j.StepData); err != nil {
			return nil, err
		}
	}
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		j.StartedAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		j.CompletedAt = &v
	}
	if r.LastRetriedAt.Valid {
		v := r.LastRetriedAt.Time
		j.LastRetriedAt = &v
	}
	if r.LastFailedAt.Valid {
		v := r.LastFailedAt.Time
		j.LastFailedAt = &v
	}
	if r.LastCancelledAt.Valid {
		v := r.LastCancelledAt.Time
		j.LastCancelledAt = &v
	}
	if r.Progress.Valid {
		v := int(r.Progress.Int64)
		j.Progress = &v
	}
	return j, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func jsonOrEmpty(v []byte) string {
	if len(v) == 0 {
		return ""
	}
	return string(v)
}

func marshalTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "", nil
	}
	b, err := json.Marshal(tags)
	return string(b), err
}
