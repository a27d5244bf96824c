// Copyright 2025 James Ross
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WaitJob implements backend.Backend.WaitJob, mirroring
// relational/waitpoint.go's WaitJob: transitions a processing job to
// waiting, persisting its step cache and wait target.
func (b *Backend) WaitJob(ctx context.Context, jobID int64, waitUntil *time.Time, tokenID *string, stepData map[string]queue.Step) error {
	job, err := b.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusProcessing {
		return queue.ErrNotProcessing
	}
	now := b.now()
	job.Status = queue.StatusWaiting
	job.WaitUntil = waitUntil
	job.WaitTokenID = tokenID
	job.StepData = stepData
	job.LockedAt = nil
	job.LockedBy = nil
	job.UpdatedAt = now

	groupDelta := 0
	if job.Group != nil {
		groupDelta = -1
	}
	placement := zsetPlacement{}
	if waitUntil != nil {
		placement.waiting = fmt.Sprintf("%d", waitUntil.Unix())
	}
	if err := b.runMutation(ctx, jobID, job, queue.StatusProcessing, groupDelta, placement); err != nil {
		return err
	}
	b.appendEvent(ctx, jobID, queue.EventWaiting, nil)
	return nil
}

// CreateToken implements backend.Backend.CreateToken.
func (b *Backend) CreateToken(ctx context.Context, opts queue.TokenOptions) (*queue.Token, error) {
	id := "wp_" + uuid.NewString()
	now := b.now()
	tok := &queue.Token{ID: id, JobID: opts.JobID, Status: queue.TokenWaiting, CreatedAt: now, Tags: opts.Tags}
	if opts.Timeout != nil {
		t := now.Add(*opts.Timeout)
		tok.TimeoutAt = &t
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, b.k("waitpoint", id), "data", payload)
	if tok.TimeoutAt != nil {
		pipe.ZAdd(ctx, b.k("waitpoint_timeout"), redis.Z{Score: float64(tok.TimeoutAt.Unix()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dataqueue: create token: %w", err)
	}
	return tok, nil
}

func (b *Backend) GetToken(ctx context.Context, id string) (*queue.Token, error) {
	raw, err := b.rdb.HGet(ctx, b.k("waitpoint", id), "data").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, queue.ErrTokenNotFound
		}
		return nil, fmt.Errorf("dataqueue: get token: %w", err)
	}
	var tok queue.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// CompleteToken implements backend.Backend.CompleteToken.
func (b *Backend) CompleteToken(ctx context.Context, id string, output []byte) error {
	jobIDArg := ""
	jobKey := b.k("job", "0")
	if tok, err := b.GetToken(ctx, id); err == nil && tok.JobID != nil {
		jobIDArg = fmt.Sprint(*tok.JobID)
		jobKey = b.k("job", jobIDArg)
	} else if err != nil {
		return err
	}

	outJSON := output
	if len(outJSON) == 0 {
		outJSON = []byte("null")
	}
	return completeTokenScript.Run(ctx, b.rdb, []string{
		b.k("waitpoint", id), b.k("waitpoint_timeout"), jobKey, b.k("queue"), b.k("waiting"),
	}, string(outJSON), b.now().Format(time.RFC3339Nano), id, b.prefix, jobIDArg).Err()
}

// ExpireTimedOutTokens implements backend.Backend.ExpireTimedOutTokens.
func (b *Backend) ExpireTimedOutTokens(ctx context.Context) (int, error) {
	now := b.now()
	ids, err := b.rdb.ZRangeByScore(ctx, b.k("waitpoint_timeout"), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprint(now.Unix())}).Result()
	if err != nil {
		return 0, fmt.Errorf("dataqueue: list timed-out tokens: %w", err)
	}
	count := 0
	for _, id := range ids {
		b.rdb.ZRem(ctx, b.k("waitpoint_timeout"), id)

		jobIDArg := ""
		jobKey := b.k("job", "0")
		if tok, err := b.GetToken(ctx, id); err == nil && tok.JobID != nil {
			jobIDArg = fmt.Sprint(*tok.JobID)
			jobKey = b.k("job", jobIDArg)
		}
		res, err := expireTokenScript.Run(ctx, b.rdb, []string{b.k("waitpoint", id), jobKey, b.k("queue"), b.k("waiting")},
			now.Format(time.RFC3339Nano), id, b.prefix, jobIDArg).Result()
		if err != nil {
			return count, fmt.Errorf("dataqueue: expire token %s: %w", id, err)
		}
		if n, ok := res.(int64); ok && n == 1 {
			count++
		}
	}
	return count, nil
}
