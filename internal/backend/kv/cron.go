// Copyright 2025 James Ross
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	dqcron "github.com/flyingrobots/dataqueue/internal/cron"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/redis/go-redis/v9"
)

func (b *Backend) nextFire(expr, timezone string, after time.Time) (time.Time, error) {
	t, err := dqcron.NextFire(expr, timezone, after)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", queue.ErrInvalidCronExpression, err)
	}
	return t, nil
}

// AddCronSchedule implements backend.Backend.AddCronSchedule, mirroring
// relational/cron.go's AddCronSchedule.
func (b *Backend) AddCronSchedule(ctx context.Context, opts queue.CronScheduleOptions) (*queue.CronSchedule, error) {
	nameKey := b.k("cron_name", opts.ScheduleName)
	exists, err := b.rdb.Exists(ctx, nameKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dataqueue: check cron name: %w", err)
	}
	if exists > 0 {
		return nil, queue.ErrDuplicateScheduleName
	}

	timezone := opts.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	now := b.now()
	nextRun, err := b.nextFire(opts.CronExpression, timezone, now)
	if err != nil {
		return nil, err
	}

	id, err := b.rdb.Incr(ctx, b.k("cron_id_seq")).Result()
	if err != nil {
		return nil, fmt.Errorf("dataqueue: reserve cron id: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	cs := &queue.CronSchedule{
		ID: id, ScheduleName: opts.ScheduleName, CronExpression: opts.CronExpression, JobType: opts.JobType,
		Payload: opts.Payload, Timezone: timezone, AllowOverlap: opts.AllowOverlap, Status: queue.CronActive,
		NextRunAt: nextRun, Tags: opts.Tags, Priority: opts.Priority, MaxAttempts: maxAttempts,
		TimeoutMs: opts.TimeoutMs, RetryPolicy: opts.RetryPolicy, DeadLetterJobType: opts.DeadLetterJobType,
		CreatedAt: now, UpdatedAt: now,
	}
	payload, err := json.Marshal(cs)
	if err != nil {
		return nil, err
	}

	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, b.k("cron", fmt.Sprint(id)), "data", payload)
	pipe.Set(ctx, nameKey, id, 0)
	pipe.SAdd(ctx, b.k("crons"), id)
	pipe.SAdd(ctx, b.k("cron_status", string(queue.CronActive)), id)
	pipe.ZAdd(ctx, b.k("cron_due"), redis.Z{Score: float64(nextRun.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dataqueue: insert cron schedule: %w", err)
	}
	return cs, nil
}

func (b *Backend) getCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error) {
	raw, err := b.rdb.HGet(ctx, b.k("cron", fmt.Sprint(id)), "data").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, queue.ErrCronScheduleNotFound
		}
		return nil, fmt.Errorf("dataqueue: get cron schedule: %w", err)
	}
	var cs queue.CronSchedule
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (b *Backend) GetCronSchedule(ctx context.Context, id int64) (*queue.CronSchedule, error) {
	return b.getCronSchedule(ctx, id)
}

func (b *Backend) GetCronScheduleByName(ctx context.Context, name string) (*queue.CronSchedule, error) {
	idStr, err := b.rdb.Get(ctx, b.k("cron_name", name)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, queue.ErrCronScheduleNotFound
		}
		return nil, fmt.Errorf("dataqueue: lookup cron name: %w", err)
	}
	var id int64
	fmt.Sscanf(idStr, "%d", &id)
	return b.getCronSchedule(ctx, id)
}

func (b *Backend) ListCronSchedules(ctx context.Context, status *queue.CronScheduleStatus) ([]*queue.CronSchedule, error) {
	var ids []string
	var err error
	if status != nil {
		ids, err = b.rdb.SMembers(ctx, b.k("cron_status", string(*status))).Result()
	} else {
		ids, err = b.rdb.SMembers(ctx, b.k("crons")).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("dataqueue: list cron schedules: %w", err)
	}
	out := make([]*queue.CronSchedule, 0, len(ids))
	for _, idStr := range ids {
		var id int64
		fmt.Sscanf(idStr, "%d", &id)
		cs, err := b.getCronSchedule(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, cs)
	}
	return out, nil
}

func (b *Backend) setCronStatus(ctx context.Context, id int64, status queue.CronScheduleStatus) error {
	cs, err := b.getCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	old := cs.Status
	cs.Status = status
	cs.UpdatedAt = b.now()
	payload, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, b.k("cron", fmt.Sprint(id)), "data", payload)
	pipe.SRem(ctx, b.k("cron_status", string(old)), id)
	pipe.SAdd(ctx, b.k("cron_status", string(status)), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Backend) PauseCronSchedule(ctx context.Context, id int64) error {
	return b.setCronStatus(ctx, id, queue.CronPaused)
}

func (b *Backend) ResumeCronSchedule(ctx context.Context, id int64) error {
	return b.setCronStatus(ctx, id, queue.CronActive)
}

func (b *Backend) EditCronSchedule(ctx context.Context, id int64, updates queue.CronScheduleEditOptions) error {
	cs, err := b.getCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	recompute := false
	if updates.CronExpression != nil {
		cs.CronExpression = *updates.CronExpression
		recompute = true
	}
	if updates.Timezone != nil {
		cs.Timezone = *updates.Timezone
		recompute = true
	}
	if updates.Payload != nil {
		cs.Payload = updates.Payload
	}
	if updates.AllowOverlap != nil {
		cs.AllowOverlap = *updates.AllowOverlap
	}
	if updates.Tags != nil {
		cs.Tags = updates.Tags
	}
	if updates.Priority != nil {
		cs.Priority = *updates.Priority
	}
	if updates.MaxAttempts != nil {
		cs.MaxAttempts = *updates.MaxAttempts
	}
	if updates.TimeoutMs != nil {
		cs.TimeoutMs = updates.TimeoutMs
	}
	if updates.RetryPolicy != nil {
		cs.RetryPolicy = *updates.RetryPolicy
	}
	if recompute {
		next, err := b.nextFire(cs.CronExpression, cs.Timezone, b.now())
		if err != nil {
			return err
		}
		cs.NextRunAt = next
	}
	cs.UpdatedAt = b.now()
	payload, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, b.k("cron", fmt.Sprint(id)), "data", payload)
	if recompute {
		pipe.ZAdd(ctx, b.k("cron_due"), redis.Z{Score: float64(cs.NextRunAt.Unix()), Member: id})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Backend) RemoveCronSchedule(ctx context.Context, id int64) error {
	cs, err := b.getCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	pipe := b.rdb.Pipeline()
	pipe.Del(ctx, b.k("cron", fmt.Sprint(id)))
	pipe.Del(ctx, b.k("cron_name", cs.ScheduleName))
	pipe.SRem(ctx, b.k("crons"), id)
	pipe.SRem(ctx, b.k("cron_status", string(cs.Status)), id)
	pipe.ZRem(ctx, b.k("cron_due"), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Backend) GetDueCronSchedules(ctx context.Context) ([]*queue.CronSchedule, error) {
	now := b.now()
	ids, err := b.rdb.ZRangeByScore(ctx, b.k("cron_due"), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprint(now.Unix())}).Result()
	if err != nil {
		return nil, fmt.Errorf("dataqueue: get due cron schedules: %w", err)
	}
	out := make([]*queue.CronSchedule, 0, len(ids))
	for _, idStr := range ids {
		var id int64
		fmt.Sscanf(idStr, "%d", &id)
		cs, err := b.getCronSchedule(ctx, id)
		if err != nil || cs.Status != queue.CronActive {
			continue
		}
		out = append(out, cs)
	}
	return out, nil
}

func (b *Backend) UpdateCronScheduleAfterEnqueue(ctx context.Context, id int64, lastEnqueuedAt time.Time, lastJobID int64, nextRunAt time.Time) error {
	cs, err := b.getCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	cs.LastEnqueuedAt = &lastEnqueuedAt
	cs.LastJobID = &lastJobID
	cs.NextRunAt = nextRunAt
	cs.UpdatedAt = b.now()
	payload, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, b.k("cron", fmt.Sprint(id)), "data", payload)
	pipe.ZAdd(ctx, b.k("cron_due"), redis.Z{Score: float64(nextRunAt.Unix()), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}
