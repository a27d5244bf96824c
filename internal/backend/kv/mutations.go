// Copyright 2025 James Ross
package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/dataqueue/internal/queue"
	"go.uber.org/zap"
)

// zsetPlacement says which of the four scheduling zsets (queue, delayed,
// retry, waiting) a mutated job belongs in afterward. An empty score
// means "not in this zset"; mutateJobScript always removes the id from
// all four before re-adding it to whichever ones are non-empty.
type zsetPlacement struct {
	queue, delayed, retry, waiting string
}

// runMutation applies a precomputed job (already carrying its new status
// and fields) through mutateJobScript: one EVAL rewrites the job hash,
// both status sets, all four scheduling zsets and the group-inflight
// counter together (spec.md section 6).
func (b *Backend) runMutation(ctx context.Context, id int64, job *queue.Job, oldStatus queue.Status, groupDelta int, p zsetPlacement) error {
	jobJSON, err := encodeJob(job)
	if err != nil {
		return err
	}
	groupID := ""
	if job.Group != nil {
		groupID = job.Group.ID
	}
	idStr := fmt.Sprint(id)
	_, err = mutateJobScript.Run(ctx, b.rdb, []string{
		b.k("job", idStr), b.k("queue"), b.k("delayed"), b.k("retry"), b.k("waiting"),
	}, string(jobJSON), string(oldStatus), string(job.Status), idStr, b.prefix,
		groupID, groupDelta, p.queue, p.delayed, p.retry, p.waiting).Err()
	if err != nil {
		return fmt.Errorf("dataqueue: mutate job %d: %w", id, err)
	}
	return nil
}

func (b *Backend) appendEvent(ctx context.Context, jobID int64, eventType queue.EventType, metadata []byte) {
	ev := queue.JobEvent{JobID: jobID, EventType: eventType, CreatedAt: b.now(), Metadata: json.RawMessage(metadata)}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("encode job event", zap.Int64("jobID", jobID), zap.Error(err))
		return
	}
	eventID, err := b.rdb.Incr(ctx, b.k("event_id_seq")).Result()
	if err != nil {
		b.log.Warn("reserve event id", zap.Int64("jobID", jobID), zap.Error(err))
		return
	}
	ev.ID = eventID
	payload, _ = json.Marshal(ev)
	if err := b.rdb.RPush(ctx, b.k("events", fmt.Sprint(jobID)), payload).Err(); err != nil {
		b.log.Warn("record job event", zap.Int64("jobID", jobID), zap.Error(err))
	}
}

// CompleteJob implements backend.Backend.CompleteJob.
func (b *Backend) CompleteJob(ctx context.Context, id int64, output []byte, hasOutput bool) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusProcessing {
		return queue.ErrNotProcessing
	}
	now := b.now()
	job.Status = queue.StatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.StepData = nil
	job.WaitUntil = nil
	job.WaitTokenID = nil
	if hasOutput {
		job.Output = output
	}

	groupDelta := 0
	if job.Group != nil {
		groupDelta = -1
	}
	if err := b.runMutation(ctx, id, job, queue.StatusProcessing, groupDelta, zsetPlacement{}); err != nil {
		return err
	}
	b.appendEvent(ctx, id, queue.EventCompleted, nil)
	return nil
}

// FailJob implements backend.Backend.FailJob and the retry/dead-letter
// policy of spec.md section 4.3, mirroring relational/jobs.go's FailJob.
func (b *Backend) FailJob(ctx context.Context, id int64, message string, reason queue.FailureReason) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusProcessing {
		return queue.ErrNotProcessing
	}

	now := b.now()
	job.ErrorHistory = append(job.ErrorHistory, queue.ErrorEntry{Message: message, Timestamp: now})
	job.FailureReason = &reason
	job.LastFailedAt = &now
	job.UpdatedAt = now
	job.LockedAt = nil
	job.LockedBy = nil
	job.Status = queue.StatusFailed

	groupDelta := 0
	if job.Group != nil {
		groupDelta = -1
	}

	var placement zsetPlacement
	if job.Attempts < job.MaxAttempts {
		delay := queue.NextAttemptDelay(job.RetryPolicy, job.Attempts)
		nextAt := now.Add(delay)
		job.NextAttemptAt = &nextAt
		placement.retry = fmt.Sprintf("%d", nextAt.Unix())
	} else {
		job.NextAttemptAt = nil
	}

	if err := b.runMutation(ctx, id, job, queue.StatusProcessing, groupDelta, placement); err != nil {
		return err
	}
	b.appendEvent(ctx, id, queue.EventFailed, nil)

	if job.NextAttemptAt == nil {
		if dlType := job.DeadLetter.JobType; dlType != "" {
			if dlID, dlErr := b.createDeadLetterEnvelope(ctx, job, dlType, message, reason); dlErr == nil {
				job.DeadLetter.JobID = &dlID
				dlAt := b.now()
				job.DeadLetter.DeadLetteredAt = &dlAt
				b.runMutation(ctx, id, job, queue.StatusFailed, 0, zsetPlacement{})
			}
		}
	}
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
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusFailed && job.Status != queue.StatusProcessing {
		return nil // no-op per spec.md 4.1
	}
	old := job.Status
	now := b.now()
	job.Status = queue.StatusPending
	job.LastRetriedAt = &now
	job.UpdatedAt = now
	job.LockedAt = nil
	job.LockedBy = nil
	job.NextAttemptAt = nil

	if err := b.runMutation(ctx, id, job, old, 0, zsetPlacement{queue: fmt.Sprintf("%f", queueScore(job.Priority, job.CreatedAt.Unix()))}); err != nil {
		return err
	}
	b.appendEvent(ctx, id, queue.EventRetried, nil)
	return nil
}

func (b *Backend) CancelJob(ctx context.Context, id int64) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusPending && job.Status != queue.StatusWaiting {
		return nil // no-op per spec.md 4.1
	}
	old := job.Status
	now := b.now()
	job.Status = queue.StatusCancelled
	job.LockedAt = nil
	job.LockedBy = nil
	job.WaitUntil = nil
	job.WaitTokenID = nil
	job.LastCancelledAt = &now
	job.UpdatedAt = now

	if err := b.runMutation(ctx, id, job, old, 0, zsetPlacement{}); err != nil {
		return err
	}
	b.appendEvent(ctx, id, queue.EventCancelled, nil)
	return nil
}

func (b *Backend) EditJob(ctx context.Context, id int64, updates queue.EditJobOptions) error {
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusPending {
		return nil // silently skips non-pending jobs per spec.md 4.1
	}

	diff := map[string]any{}
	changed := false
	if updates.Payload != nil {
		job.Payload = updates.Payload
		diff["payload"] = updates.Payload
		changed = true
	}
	if updates.Priority != nil {
		job.Priority = *updates.Priority
		diff["priority"] = *updates.Priority
		changed = true
	}
	if updates.MaxAttempts != nil {
		job.MaxAttempts = *updates.MaxAttempts
		diff["maxAttempts"] = *updates.MaxAttempts
		changed = true
	}
	if updates.RunAt != nil {
		job.RunAt = *updates.RunAt
		diff["runAt"] = *updates.RunAt
		changed = true
	}
	if updates.ClearTimeoutMs {
		job.TimeoutMs = nil
		diff["timeoutMs"] = nil
		changed = true
	} else if updates.TimeoutMs != nil {
		job.TimeoutMs = updates.TimeoutMs
		diff["timeoutMs"] = *updates.TimeoutMs
		changed = true
	}
	if updates.ClearTags {
		job.Tags = nil
		diff["tags"] = nil
		changed = true
	} else if updates.Tags != nil {
		job.Tags = updates.Tags
		diff["tags"] = updates.Tags
		changed = true
	}
	if updates.RetryPolicy != nil {
		job.RetryPolicy = *updates.RetryPolicy
		diff["retryPolicy"] = updates.RetryPolicy
		changed = true
	}
	if !changed {
		return nil
	}
	now := b.now()
	job.UpdatedAt = now

	placement := zsetPlacement{}
	if job.RunAt.After(now) {
		placement.delayed = fmt.Sprintf("%d", job.RunAt.Unix())
	} else {
		placement.queue = fmt.Sprintf("%f", queueScore(job.Priority, job.CreatedAt.Unix()))
	}
	if err := b.runMutation(ctx, id, job, queue.StatusPending, 0, placement); err != nil {
		return err
	}
	if err := b.reindexTags(ctx, id, job.Tags); err != nil {
		return err
	}
	diffJSON, _ := json.Marshal(diff)
	b.appendEvent(ctx, id, queue.EventEdited, diffJSON)
	return nil
}

// reindexTags rewrites job:{id}:tags and the reverse tag:{tag} sets after
// an edit changes a job's tags.
func (b *Backend) reindexTags(ctx context.Context, id int64, tags []string) error {
	key := b.k("job", fmt.Sprint(id), "tags")
	old, err := b.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("dataqueue: read old tags: %w", err)
	}
	pipe := b.rdb.Pipeline()
	for _, t := range old {
		pipe.SRem(ctx, b.k("tag", t), id)
	}
	pipe.Del(ctx, key)
	for _, t := range tags {
		pipe.SAdd(ctx, b.k("tag", t), id)
		pipe.SAdd(ctx, key, t)
	}
	_, err = pipe.Exec(ctx)
	return err
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
	job, err := b.GetJob(ctx, id)
	if err != nil {
		b.log.Warn("prolong job failed", zap.Int64("jobID", id), zap.Error(err))
		b.appendEvent(ctx, id, queue.EventProlonged, nil)
		return nil
	}
	if job.Status != queue.StatusProcessing {
		b.appendEvent(ctx, id, queue.EventProlonged, nil)
		return nil
	}
	now := b.now()
	job.LockedAt = &now
	if err := b.runMutation(ctx, id, job, queue.StatusProcessing, 0, zsetPlacement{}); err != nil {
		b.log.Warn("prolong job failed", zap.Int64("jobID", id), zap.Error(err))
	}
	b.appendEvent(ctx, id, queue.EventProlonged, nil)
	return nil
}

func (b *Backend) UpdateProgress(ctx context.Context, id int64, pct int) error {
	job, err := b.GetJob(ctx, id)
	if err != nil || job.Status != queue.StatusProcessing {
		if err != nil {
			b.log.Warn("update progress failed", zap.Int64("jobID", id), zap.Error(err))
		}
		return nil
	}
	job.Progress = &pct
	job.UpdatedAt = b.now()
	if err := b.runMutation(ctx, id, job, queue.StatusProcessing, 0, zsetPlacement{}); err != nil {
		b.log.Warn("update progress failed", zap.Int64("jobID", id), zap.Error(err))
	}
	return nil
}

func (b *Backend) UpdateOutput(ctx context.Context, id int64, value []byte) error {
	job, err := b.GetJob(ctx, id)
	if err != nil || job.Status != queue.StatusProcessing {
		if err != nil {
			b.log.Warn("update output failed", zap.Int64("jobID", id), zap.Error(err))
		}
		return nil
	}
	job.Output = value
	job.UpdatedAt = b.now()
	if err := b.runMutation(ctx, id, job, queue.StatusProcessing, 0, zsetPlacement{}); err != nil {
		b.log.Warn("update output failed", zap.Int64("jobID", id), zap.Error(err))
	}
	return nil
}
