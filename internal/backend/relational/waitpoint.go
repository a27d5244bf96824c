// Copyright 2025 James Ross
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/google/uuid"
)

// WaitJob implements backend.Backend.WaitJob: transitions a processing
// job to waiting, persisting its step cache and wait target (spec.md
// section 4.1, waitpoint ops).
func (b *Backend) WaitJob(ctx context.Context, jobID int64, waitUntil *time.Time, tokenID *string, stepData map[string]queue.Step) error {
	stepJSON, err := json.Marshal(stepData)
	if err != nil {
		return err
	}
	now := b.now()
	n, err := b.execUpdate(ctx,
		`UPDATE job_queue SET status=?, wait_until=?, wait_token_id=?, step_data=?, updated_at=?,
		 locked_at=NULL, locked_by=NULL WHERE id=? AND status=?`,
		string(queue.StatusWaiting), nullTime(waitUntil), nullString(tokenID), string(stepJSON), now, jobID, string(queue.StatusProcessing),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrNotProcessing
	}
	b.decrementGroupInFlight(ctx, jobID)
	b.recordEvent(ctx, b.db, jobID, queue.EventWaiting, nil)
	return nil
}

// CreateToken implements backend.Backend.CreateToken.
func (b *Backend) CreateToken(ctx context.Context, opts queue.TokenOptions) (*queue.Token, error) {
	id := "wp_" + uuid.NewString()
	now := b.now()
	var timeoutAt *time.Time
	if opts.Timeout != nil {
		t := now.Add(*opts.Timeout)
		timeoutAt = &t
	}
	tagsJSON, err := marshalTags(opts.Tags)
	if err != nil {
		return nil, err
	}
	_, err = b.db.ExecContext(ctx, b.rebind(`INSERT INTO waitpoints (id, job_id, status, timeout_at, created_at, tags)
		VALUES (?,?,?,?,?,?)`), id, nullInt64(opts.JobID), string(queue.TokenWaiting), nullTime(timeoutAt), now, nullStringOrEmpty(tagsJSON))
	if err != nil {
		return nil, fmt.Errorf("dataqueue: create token: %w", err)
	}
	return b.GetToken(ctx, id)
}

func scanToken(s scanner) (*queue.Token, error) {
	var (
		id, status  string
		jobID       sql.NullInt64
		output      sql.NullString
		timeoutAt   sql.NullTime
		createdAt   time.Time
		completedAt sql.NullTime
		tags        sql.NullString
	)
	if err := s.Scan(&id, &jobID, &status, &output, &timeoutAt, &createdAt, &completedAt, &tags); err != nil {
		return nil, err
	}
	t := &queue.Token{ID: id, Status: queue.TokenStatus(status), CreatedAt: createdAt}
	if jobID.Valid {
		v := jobID.Int64
		t.JobID = &v
	}
	if output.Valid {
		t.Output = json.RawMessage(output.String)
	}
	if timeoutAt.Valid {
		v := timeoutAt.Time
		t.TimeoutAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &t.Tags); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (b *Backend) GetToken(ctx context.Context, id string) (*queue.Token, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT id, job_id, status, output, timeout_at, created_at, completed_at, tags
		FROM waitpoints WHERE id=?`), id)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrTokenNotFound
		}
		return nil, err
	}
	return t, nil
}

// CompleteToken implements backend.Backend.CompleteToken: completes the
// token and, if bound to a waiting job, resumes that job to pending.
func (b *Backend) CompleteToken(ctx context.Context, id string, output []byte) error {
	tok, err := b.GetToken(ctx, id)
	if err != nil {
		return err
	}
	now := b.now()
	n, err := b.execUpdate(ctx, `UPDATE waitpoints SET status=?, output=?, completed_at=? WHERE id=? AND status=?`,
		string(queue.TokenCompleted), jsonOrEmpty(output), now, id, string(queue.TokenWaiting))
	if err != nil {
		return err
	}
	if n == 0 {
		return nil // already completed/timed out: no-op
	}
	if tok.JobID != nil {
		_, err := b.execUpdate(ctx, `UPDATE job_queue SET status=?, wait_token_id=NULL, updated_at=? WHERE id=? AND status=? AND wait_token_id=?`,
			string(queue.StatusPending), now, *tok.JobID, string(queue.StatusWaiting), id)
		if err != nil {
			return err
		}
	}
	return nil
}

// ExpireTimedOutTokens implements backend.Backend.ExpireTimedOutTokens.
func (b *Backend) ExpireTimedOutTokens(ctx context.Context) (int, error) {
	now := b.now()
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT id, job_id FROM waitpoints WHERE status=? AND timeout_at IS NOT NULL AND timeout_at <= ?`),
		string(queue.TokenWaiting), now)
	if err != nil {
		return 0, err
	}
	type expiry struct {
		id    string
		jobID sql.NullInt64
	}
	var expired []expiry
	for rows.Next() {
		var e expiry
		if err := rows.Scan(&e.id, &e.jobID); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, e := range expired {
		n, err := b.execUpdate(ctx, `UPDATE waitpoints SET status=?, completed_at=? WHERE id=? AND status=?`,
			string(queue.TokenTimedOut), now, e.id, string(queue.TokenWaiting))
		if err != nil {
			return count, err
		}
		if n == 0 {
			continue
		}
		count++
		if e.jobID.Valid {
			b.execUpdate(ctx, `UPDATE job_queue SET status=?, wait_token_id=NULL, updated_at=? WHERE id=? AND status=? AND wait_token_id=?`,
				string(queue.StatusPending), now, e.jobID.Int64, string(queue.StatusWaiting), e.id)
		}
	}
	return count, nil
}
