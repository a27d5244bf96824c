// Copyright 2025 James Ross
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/queue"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// newTestBackend opens an in-memory SQLite database. A plain ":memory:"
// DSN gives each connection its own database, which breaks once the pool
// opens a second connection, so the pool is pinned to one connection
// exactly as relational.New does for the sqlite3 driver.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	b, err := NewFromDB(db, "sqlite3", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
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

	lowID, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 1, MaxAttempts: 1})
	require.NoError(t, err)
	highID, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 10, MaxAttempts: 1})
	require.NoError(t, err)
	midID, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", Priority: 5, MaxAttempts: 1})
	require.NoError(t, err)

	batch, err := b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, highID, batch[0].ID)

	_ = lowID
	_ = midID
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

	// processing: cancel must be a no-op
	require.NoError(t, b.CancelJob(ctx, id))
	job, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusProcessing, job.Status)

	require.NoError(t, b.CompleteJob(ctx, id, nil, false))
	// terminal: cancel must be a no-op
	require.NoError(t, b.CancelJob(ctx, id))
	job, err = b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
}

func TestReclaimStuckJobsRespectsLease(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = b.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10})
	require.NoError(t, err)

	n, err := b.ReclaimStuckJobs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n, "a freshly-claimed job must not be reclaimed before its lease expires")

	_, err = b.execUpdate(ctx, `UPDATE job_queue SET locked_at=? WHERE id=?`, b.now().Add(-11*time.Minute), id)
	require.NoError(t, err)

	n, err = b.ReclaimStuckJobs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCronOverlapGuard(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	cs, err := b.AddCronSchedule(ctx, queue.CronScheduleOptions{
		ScheduleName: "hourly", CronExpression: "* * * * *", JobType: "t", AllowOverlap: false, MaxAttempts: 1,
	})
	require.NoError(t, err)

	past := b.now().Add(-time.Minute)
	_, err = b.execUpdate(ctx, `UPDATE cron_schedules SET next_run_at=? WHERE id=?`, past, cs.ID)
	require.NoError(t, err)

	due, err := b.GetDueCronSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	jobID, err := b.AddJob(ctx, queue.AddJobOptions{JobType: "t", MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, b.UpdateCronScheduleAfterEnqueue(ctx, cs.ID, b.now(), jobID, b.now().Add(time.Minute)))

	// force due again without the job completing: overlap guard should be
	// enforced by the caller (the cron evaluator), not the backend itself;
	// here we just verify lastJobId / the job's still-pending status so the
	// evaluator has what it needs to skip.
	job, err := b.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, job.Status)

	cs2, err := b.GetCronSchedule(ctx, cs.ID)
	require.NoError(t, err)
	require.NotNil(t, cs2.LastJobID)
	require.Equal(t, jobID, *cs2.LastJobID)
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
