// Copyright 2025 James Ross
package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDueCronSchedulesEnqueuesAndAdvances(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()

	sched, err := be.AddCronSchedule(ctx, queue.CronScheduleOptions{
		ScheduleName:   "every-minute",
		CronExpression: "* * * * *",
		JobType:        "heartbeat",
		Payload:        json.RawMessage(`{}`),
		Timezone:       "UTC",
		MaxAttempts:    1,
	})
	require.NoError(t, err)
	require.True(t, sched.NextRunAt.Before(time.Now().UTC().Add(2*time.Minute)))

	// Force it due now regardless of where NextFire landed it.
	require.NoError(t, be.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, time.Time{}, 0, time.Now().UTC().Add(-time.Second)))

	p := New(be, map[string]Handler{}, Options{WorkerID: "w1", BatchSize: 10}, nil, nil)
	n, err := p.enqueueDueCronSchedules(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	jobs, err := be.GetJobs(ctx, queue.JobFilter{JobType: []string{"heartbeat"}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestEnqueueDueCronSchedulesSkipsInFlightWithoutOverlap(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()

	sched, err := be.AddCronSchedule(ctx, queue.CronScheduleOptions{
		ScheduleName:   "no-overlap",
		CronExpression: "* * * * *",
		JobType:        "heartbeat",
		Payload:        json.RawMessage(`{}`),
		Timezone:       "UTC",
		MaxAttempts:    1,
		AllowOverlap:   false,
	})
	require.NoError(t, err)

	inFlightID, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "heartbeat", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, be.UpdateCronScheduleAfterEnqueue(ctx, sched.ID, time.Now().UTC(), inFlightID, time.Now().UTC().Add(-time.Second)))

	p := New(be, map[string]Handler{}, Options{WorkerID: "w1", BatchSize: 10}, nil, nil)
	n, err := p.enqueueDueCronSchedules(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "a pending last job with AllowOverlap=false must block re-enqueue")
}

func TestIsInFlightClassifiesStatuses(t *testing.T) {
	require.True(t, isInFlight(queue.StatusPending))
	require.True(t, isInFlight(queue.StatusProcessing))
	require.True(t, isInFlight(queue.StatusWaiting))
	require.False(t, isInFlight(queue.StatusCompleted))
	require.False(t, isInFlight(queue.StatusFailed))
	require.False(t, isInFlight(queue.StatusCancelled))
}
