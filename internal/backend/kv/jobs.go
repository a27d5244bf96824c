// Copyright 2025 James Ross
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/redis/go-redis/v9"
)

// AddJob implements backend.Backend.AddJob. The kv backend has no notion
// of a caller-owned transaction, so a non-nil AddJobOption Tx is rejected
// (spec.md section 5: "backends that cannot honor a transaction return
// ErrTransactionsUnsupported").
func (b *Backend) AddJob(ctx context.Context, opts queue.AddJobOptions, options ...dqbackend.AddJobOption) (int64, error) {
	var cfg dqbackend.AddJobConfig
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.Tx != nil {
		return 0, queue.ErrTransactionsUnsupported
	}

	id, err := b.rdb.Incr(ctx, b.k("id_seq")).Result()
	if err != nil {
		return 0, fmt.Errorf("dataqueue: reserve job id: %w", err)
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

	job := &queue.Job{
		ID: id, JobType: opts.JobType, Payload: opts.Payload, Tags: opts.Tags,
		IdempotencyKey: opts.IdempotencyKey, Group: opts.Group, Priority: opts.Priority,
		RunAt: runAt, CreatedAt: now, MaxAttempts: maxAttempts, TimeoutMs: opts.TimeoutMs,
		ForceKillOnTimeout: opts.ForceKillOnTimeout, RetryPolicy: opts.RetryPolicy,
		Status: queue.StatusPending, UpdatedAt: now,
	}
	if opts.DeadLetterJobType != "" {
		job.DeadLetter.JobType = opts.DeadLetterJobType
	}

	jobJSON, err := encodeJob(job)
	if err != nil {
		return 0, err
	}
	tagsJSON, err := json.Marshal(opts.Tags)
	if err != nil {
		return 0, err
	}

	idemValue := ""
	idemKey := b.k("idempotency", "none")
	if opts.IdempotencyKey != nil {
		idemValue = *opts.IdempotencyKey
		idemKey = b.k("idempotency", idemValue)
	}

	queueSc := ""
	delayedSc := ""
	if runAt.After(now) {
		delayedSc = fmt.Sprintf("%d", runAt.Unix())
	} else {
		queueSc = fmt.Sprintf("%f", queueScore(opts.Priority, now.Unix()))
	}

	res, err := addJobScript.Run(ctx, b.rdb, []string{
		b.k("job", fmt.Sprint(id)), b.k("all"), b.k("queue"), b.k("delayed"), idemKey,
	}, string(jobJSON), id, opts.JobType, string(tagsJSON), now.Unix(), queueSc, delayedSc, b.prefix, idemValue).Result()
	if err != nil {
		return 0, fmt.Errorf("dataqueue: add job: %w", err)
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return 0, fmt.Errorf("dataqueue: unexpected addJobScript result %#v", res)
	}
	returnedID := toInt64(pair[0])
	isNew := fmt.Sprint(pair[1]) == "1"
	if isNew {
		b.appendEvent(ctx, returnedID, queue.EventAdded, nil)
	}
	return returnedID, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

// AddJobs inserts each item independently; the kv backend has no
// multi-row transaction to batch them under (mirrors AddJob's
// ErrTransactionsUnsupported stance for Tx, spec.md section 5).
func (b *Backend) AddJobs(ctx context.Context, batch []queue.AddJobOptions, options ...dqbackend.AddJobOption) ([]int64, error) {
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

func (b *Backend) GetJob(ctx context.Context, id int64) (*queue.Job, error) {
	raw, err := b.rdb.HGet(ctx, b.k("job", fmt.Sprint(id)), "data").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("dataqueue: get job: %w", err)
	}
	return decodeJob([]byte(raw))
}

// fetchJobs loads each id's job, skipping ids whose key has since been
// deleted by a cleanup pass.
func (b *Backend) fetchJobs(ctx context.Context, ids []string) ([]*queue.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, b.k("job", id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("dataqueue: fetch jobs: %w", err)
	}
	var out []*queue.Job
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		j, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func applyLimitOffset(jobs []*queue.Job, limit, offset int) []*queue.Job {
	if offset > 0 {
		if offset >= len(jobs) {
			return nil
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

func (b *Backend) GetJobsByStatus(ctx context.Context, status queue.Status, limit, offset int) ([]*queue.Job, error) {
	ids, err := b.rdb.SMembers(ctx, b.k("status", string(status))).Result()
	if err != nil {
		return nil, fmt.Errorf("dataqueue: list by status: %w", err)
	}
	jobs, err := b.fetchJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return applyLimitOffset(jobs, limit, offset), nil
}

func (b *Backend) GetJobsByTags(ctx context.Context, tags []string, mode queue.TagMode, limit, offset int) ([]*queue.Job, error) {
	jobs, err := b.GetAllJobs(ctx)
	if err != nil {
		return nil, err
	}
	jobs = filterByTags(jobs, tags, mode)
	return applyLimitOffset(jobs, limit, offset), nil
}

func (b *Backend) GetAllJobs(ctx context.Context) ([]*queue.Job, error) {
	ids, err := b.rdb.ZRevRange(ctx, b.k("all"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dataqueue: list all: %w", err)
	}
	return b.fetchJobs(ctx, ids)
}

// filterByTags mirrors the relational backend's in-memory tag matcher
// (relational/jobs.go) so both backends apply identical tag semantics.
func filterByTags(jobs []*queue.Job, tags []string, mode queue.TagMode) []*queue.Job {
	if len(tags) == 0 {
		return jobs
	}
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

func (b *Backend) GetJobs(ctx context.Context, filter queue.JobFilter) ([]*queue.Job, error) {
	var jobs []*queue.Job
	var err error

	switch {
	case len(filter.Status) == 1:
		jobs, err = b.GetJobsByStatus(ctx, filter.Status[0], 0, 0)
	default:
		jobs, err = b.GetAllJobs(ctx)
	}
	if err != nil {
		return nil, err
	}

	if len(filter.Status) > 1 {
		want := make(map[queue.Status]bool, len(filter.Status))
		for _, s := range filter.Status {
			want[s] = true
		}
		jobs = filterJobs(jobs, func(j *queue.Job) bool { return want[j.Status] })
	}
	if len(filter.JobType) > 0 {
		want := make(map[string]bool, len(filter.JobType))
		for _, t := range filter.JobType {
			want[t] = true
		}
		jobs = filterJobs(jobs, func(j *queue.Job) bool { return want[j.JobType] })
	}
	if filter.GroupID != nil {
		jobs = filterJobs(jobs, func(j *queue.Job) bool { return j.Group != nil && j.Group.ID == *filter.GroupID })
	}
	if filter.RunAt != nil {
		jobs = filterJobs(jobs, func(j *queue.Job) bool { return matchRunAt(j.RunAt, *filter.RunAt) })
	}
	if len(filter.Tags) > 0 {
		jobs = filterByTags(jobs, filter.Tags, filter.TagMode)
	}
	return applyLimitOffset(jobs, filter.Limit, filter.Offset), nil
}

func filterJobs(jobs []*queue.Job, keep func(*queue.Job) bool) []*queue.Job {
	var out []*queue.Job
	for _, j := range jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

func matchRunAt(runAt interface{ Unix() int64 }, cmp queue.RunAtComparator) bool {
	r := runAt.Unix()
	c := cmp.At.Unix()
	switch cmp.Op {
	case "gt":
		return r > c
	case "gte":
		return r >= c
	case "lt":
		return r < c
	case "lte":
		return r <= c
	default:
		return r == c
	}
}
