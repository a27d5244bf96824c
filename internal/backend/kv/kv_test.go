// Copyright 2025 James Ross
package kv

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestBackend starts an in-process miniredis server, the same
// substitute-a-real-Redis convention the teacher's redis_test.go files
// use for exercising Lua-script-bearing code without a live dependency.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client, "dqtest:", nil)
}

func TestBasicLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "email", Payload: json.RawMessage(`{"to":"a@x"}`), MaxAttempts: 1})
	require.NoError(t, err)

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, job.Status)

	batch, err := b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, queue.StatusProcessing, batch[0].Status)
	require.NotNil(t, batch[0].StartedAt)

	require.NoError(t, b.CompleteJob(ctx, id, []byte(`{"ok":true}`), true))

	job, err = b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.JSONEq(t, `{"ok":true}`, string(job.Output))
}

func TestRetryWithFixedDelay(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	delay := 10
	backoff := false
	id, err := b.AddJob(ctx, queue.AddJobOptions{
		JobType: "e", MaxAttempts: 3,
		RetryPolicy: queue.RetryPolicy{RetryDelay: &delay, RetryBackoff: &backoff},
	})
	require.NoError(t, err)

	batch, err := b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10})
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, b.FailJob(ctx, id, "boom", queue.FailureHandlerError))

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.Len(t, job.ErrorHistory, 1)
	require.NotNil(t, job.NextAttemptAt)
	require.NotNil(t, job.LastFailedAt)

	gap := job.NextAttemptAt.Sub(*job.LastFailedAt)
	require.InDelta(t, 10*time.Second, gap, float64(time.Second))
}

func TestPriorityOrder(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 1, MaxAttempts: 1})
	require.NoError(t, err)
	highID, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 10, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 5, MaxAttempts: 1})
	require.NoError(t, err)

	batch, err := b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, highID, batch[0].ID)
}

func TestIdempotency(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	key := "K"
	id1, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", IdempotencyKey: &key, MaxAttempts: 1})
	require.NoError(t, err)
	id2, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", IdempotencyKey: &key, MaxAttempts: 1})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	events, err := b.GetJobEvents(ctx, id1)
	require.NoError(t, err)
	added := 0
	for _, e := range events {
		if e.EventType == queue.EventAdded {
			added++
		}
	}
	require.Equal(t, 1, added)
}

func TestCancelJobNoOpRules(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", MaxAttempts: 1})
	require.NoError(t, err)
	batch, err := b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10})
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, b.CancelJob(ctx, id))
	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusProcessing, job.Status)

	require.NoError(t, b.CompleteJob(ctx, id, nil, false))
	require.NoError(t, b.CancelJob(ctx, id))
	job, err = b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
}

func TestWaitpointTokenCompletionResumesJob(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10})
	require.NoError(t, err)

	tok, err := b.CreateToken(ctx, queue.TokenOptions{JobID: &id})
	require.NoError(t, err)

	require.NoError(t, b.WaitJob(ctx, id, nil, &tok.ID, map[string]queue.Step{}))

	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, job.Status)
	require.True(t, job.IsWaiting())

	require.NoError(t, b.CompleteToken(ctx, tok.ID, []byte(`{"x":1}`)))

	job, err = b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, job.Status)

	tok2, err := b.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, queue.TokenCompleted, tok2.Status)
}

func TestGroupConcurrencyCap(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	group := &queue.Group{ID: "g1"}
	_, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Group: group, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Group: group, MaxAttempts: 1})
	require.NoError(t, err)

	batch, err := b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10, GroupConcurrency: 1})
	require.NoError(t, err)
	require.Len(t, batch, 1, "group concurrency cap of 1 must admit only one in-flight job for the group")

	batch2, err := b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10, GroupConcurrency: 1})
	require.NoError(t, err)
	require.Len(t, batch2, 0, "the second job must stay queued while the group is at capacity")

	require.NoError(t, b.CompleteJob(ctx, batch[0].ID, nil, false))

	batch3, err := b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10, GroupConcurrency: 1})
	require.NoError(t, err)
	require.Len(t, batch3, 1, "completing the in-flight job must free the group slot")
}

func TestCronScheduleRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	cs, err := b.AddCronSchedule(ctx, queue.CronScheduleOptions{
		ScheduleName: "hourly", CronExpression: "0 * * * *", JobType: "t", MaxAttempts: 1,
	})
	require.NoError(t, err)
	require.Equal(t, queue.CronActive, cs.Status)

	_, err = b.AddCronSchedule(ctx, queue.CronScheduleOptions{ScheduleName: "hourly", CronExpression: "0 * * * *", JobType: "t", MaxAttempts: 1})
	require.ErrorIs(t, err, queue.ErrDuplicateScheduleName)

	require.NoError(t, b.PauseCronSchedule(ctx, cs.ID))
	paused, err := b.GetCronSchedule(ctx, cs.ID)
	require.NoError(t, err)
	require.Equal(t, queue.CronPaused, paused.Status)

	due, err := b.GetDueCronSchedules(ctx)
	require.NoError(t, err)
	require.Empty(t, due, "a paused schedule must never be returned as due")
}
