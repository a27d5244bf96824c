// Copyright 2025 James Ross
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/dataqueue/internal/cron"
	"github.com/flyingrobots/dataqueue/internal/queue"
)

// enqueueDueCronSchedules implements spec.md section 4.4's
// enqueueDueCronJobs: fetch active schedules whose nextRunAt has arrived,
// skip ones still running when overlap isn't allowed, enqueue the rest
// and advance their nextRunAt. Called once at the start of every Start
// pass (spec.md section 4.5).
func (p *Processor) enqueueDueCronSchedules(ctx context.Context) (int, error) {
	due, err := p.be.GetDueCronSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("dataqueue: get due cron schedules: %w", err)
	}

	now := time.Now().UTC()
	count := 0
	for _, cs := range due {
		if !cs.AllowOverlap && cs.LastJobID != nil {
			last, err := p.be.GetJob(ctx, *cs.LastJobID)
			if err == nil && isInFlight(last.Status) {
				continue // do not advance nextRunAt
			}
		}

		id, err := p.be.AddJob(ctx, queue.AddJobOptions{
			JobType:           cs.JobType,
			Payload:           cs.Payload,
			Tags:              cs.Tags,
			Priority:          cs.Priority,
			MaxAttempts:       cs.MaxAttempts,
			TimeoutMs:         cs.TimeoutMs,
			RetryPolicy:       cs.RetryPolicy,
			DeadLetterJobType: cs.DeadLetterJobType,
		})
		if err != nil {
			p.reportError(fmt.Errorf("dataqueue: enqueue cron schedule %d: %w", cs.ID, err))
			continue
		}

		next, err := cron.NextFire(cs.CronExpression, cs.Timezone, now)
		if err != nil {
			p.reportError(fmt.Errorf("dataqueue: compute next fire for cron schedule %d: %w", cs.ID, err))
			continue
		}
		if err := p.be.UpdateCronScheduleAfterEnqueue(ctx, cs.ID, now, id, next); err != nil {
			p.reportError(fmt.Errorf("dataqueue: advance cron schedule %d: %w", cs.ID, err))
			continue
		}
		count++
	}
	return count, nil
}

func isInFlight(s queue.Status) bool {
	return s == queue.StatusPending || s == queue.StatusProcessing || s == queue.StatusWaiting
}
