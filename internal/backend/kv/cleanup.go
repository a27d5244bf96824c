// Copyright 2025 James Ross
package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/dataqueue/internal/queue"
)

// CleanupOldJobs implements backend.Backend.CleanupOldJobs, mirroring
// relational/cleanup.go: walks completed jobs older than the retention
// window in batchSize-sized chunks (via SSCAN) and deletes each one's
// hash, event log and every index it's a member of.
func (b *Backend) CleanupOldJobs(ctx context.Context, daysToKeep int, batchSize int) (int, error) {
	cutoff := b.now().AddDate(0, 0, -daysToKeep)
	total := 0
	var cursor uint64
	for {
		ids, next, err := b.rdb.SScan(ctx, b.k("status", string(queue.StatusCompleted)), cursor, "", int64(batchSize)).Result()
		if err != nil {
			return total, fmt.Errorf("dataqueue: scan completed jobs: %w", err)
		}
		for _, idStr := range ids {
			raw, err := b.rdb.HGet(ctx, b.k("job", idStr), "data").Result()
			if err != nil {
				continue
			}
			job, err := decodeJob([]byte(raw))
			if err != nil {
				return total, err
			}
			if job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
				continue
			}
			if err := b.deleteJobCompletely(ctx, job); err != nil {
				return total, err
			}
			total++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

func (b *Backend) deleteJobCompletely(ctx context.Context, job *queue.Job) error {
	idStr := fmt.Sprint(job.ID)
	pipe := b.rdb.Pipeline()
	pipe.Del(ctx, b.k("job", idStr))
	pipe.Del(ctx, b.k("events", idStr))
	pipe.ZRem(ctx, b.k("all"), idStr)
	pipe.SRem(ctx, b.k("status", string(job.Status)), idStr)
	pipe.SRem(ctx, b.k("type", job.JobType), idStr)
	for _, t := range job.Tags {
		pipe.SRem(ctx, b.k("tag", t), idStr)
	}
	pipe.Del(ctx, b.k("job", idStr, "tags"))
	if job.IdempotencyKey != nil {
		pipe.Del(ctx, b.k("idempotency", *job.IdempotencyKey))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// CleanupOldJobEvents implements backend.Backend.CleanupOldJobEvents:
// trims each job's event list from the head (oldest first, since events
// are appended in order) while the oldest remaining entry predates the
// retention window, up to batchSize removals total.
func (b *Backend) CleanupOldJobEvents(ctx context.Context, daysToKeep int, batchSize int) (int, error) {
	cutoff := b.now().AddDate(0, 0, -daysToKeep)
	ids, err := b.rdb.ZRange(ctx, b.k("all"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("dataqueue: list jobs for event cleanup: %w", err)
	}
	total := 0
	for _, idStr := range ids {
		if total >= batchSize {
			break
		}
		key := b.k("events", idStr)
		for total < batchSize {
			head, err := b.rdb.LIndex(ctx, key, 0).Result()
			if err != nil {
				break // empty list
			}
			var ev queue.JobEvent
			if err := json.Unmarshal([]byte(head), &ev); err != nil {
				break
			}
			if !ev.CreatedAt.Before(cutoff) {
				break
			}
			if err := b.rdb.LPop(ctx, key).Err(); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}
