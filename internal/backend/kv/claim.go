// Copyright 2025 James Ross
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/queue"
)

// GetNextBatch implements backend.Backend.GetNextBatch (spec.md section
// 4.2): promoteScript brings ready delayed/retry/wall-clock-wait jobs
// into the `queue` zset, then claimScript pops and locks up to
// opts.BatchSize of them, honoring the job-type filter and the
// group-concurrency cap in the same script so the cap is enforced
// atomically with claim.
func (b *Backend) GetNextBatch(ctx context.Context, opts dqbackend.BatchOptions) ([]*queue.Job, error) {
	now := b.now()
	if err := promoteScript.Run(ctx, b.rdb,
		[]string{b.k("delayed"), b.k("retry"), b.k("waiting"), b.k("queue")},
		now.Unix(), b.prefix).Err(); err != nil {
		return nil, fmt.Errorf("dataqueue: promote: %w", err)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	typeFilterJSON, err := json.Marshal(opts.JobTypeFilter)
	if err != nil {
		return nil, err
	}

	res, err := claimScript.Run(ctx, b.rdb, []string{b.k("queue"), b.k("group_inflight")},
		batchSize, opts.WorkerID, now.Format(time.RFC3339Nano), opts.GroupConcurrency, string(typeFilterJSON), b.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("dataqueue: claim: %w", err)
	}

	raws, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("dataqueue: unexpected claimScript result %#v", res)
	}
	jobs := make([]*queue.Job, 0, len(raws))
	for _, r := range raws {
		s, ok := r.(string)
		if !ok {
			continue
		}
		j, err := decodeJob([]byte(s))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	for _, j := range jobs {
		b.appendEvent(ctx, j.ID, queue.EventProcessing, nil)
	}
	return jobs, nil
}

// ReclaimStuckJobs implements backend.Backend.ReclaimStuckJobs: scans
// processing jobs and resets any whose lease (the greater of
// maxProcessingMinutes and the job's own timeoutMs) has expired back to
// pending, mirroring relational/claim.go's ReclaimStuckJobs.
func (b *Backend) ReclaimStuckJobs(ctx context.Context, maxProcessingMinutes int) (int, error) {
	ids, err := b.rdb.SMembers(ctx, b.k("status", "processing")).Result()
	if err != nil {
		return 0, fmt.Errorf("dataqueue: list processing: %w", err)
	}
	threshold := time.Duration(maxProcessingMinutes) * time.Minute
	now := b.now()
	count := 0
	for _, idStr := range ids {
		raw, err := b.rdb.HGet(ctx, b.k("job", idStr), "data").Result()
		if err != nil {
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return count, err
		}
		if job.LockedAt == nil {
			continue
		}
		lease := threshold
		if job.TimeoutMs != nil {
			if ms := time.Duration(*job.TimeoutMs) * time.Millisecond; ms > lease {
				lease = ms
			}
		}
		if now.Sub(*job.LockedAt) < lease {
			continue
		}

		old := job.Status
		job.Status = queue.StatusPending
		job.LockedAt = nil
		job.LockedBy = nil
		groupDelta := 0
		if job.Group != nil {
			groupDelta = -1
		}
		placement := zsetPlacement{queue: fmt.Sprintf("%f", queueScore(job.Priority, job.CreatedAt.Unix()))}
		if err := b.runMutation(ctx, job.ID, job, old, groupDelta, placement); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
