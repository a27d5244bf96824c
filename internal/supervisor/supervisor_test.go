// Copyright 2025 James Ross
package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/backend/kv"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *kv.Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kv.NewFromClient(client, "supervisortest:", nil)
}

func TestStartReclaimsStuckJobs(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()

	id, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "stuck", Payload: json.RawMessage(`{}`), MaxAttempts: 3})
	require.NoError(t, err)

	_, err = be.GetNextBatch(ctx, dqbackend.BatchOptions{WorkerID: "w1", BatchSize: 10})
	require.NoError(t, err)

	job, err := be.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusProcessing, job.Status)

	s := New(be, Options{}, nil)
	s.opts.StuckJobsTimeoutMinutes = 0 // force "stuck" to fire regardless of claim recency
	counts := s.Start(ctx)
	require.GreaterOrEqual(t, counts.Reclaimed, 1)

	job, err = be.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, job.Status)
}

func TestStartSkipsCleanupTasksWhenDaysToKeepIsZero(t *testing.T) {
	be := newTestBackend(t)
	s := New(be, Options{CleanupJobsDaysToKeep: 0, CleanupEventsDaysToKeep: 0, ExpireTimedOutTokens: false}, nil)

	counts := s.Start(context.Background())
	require.Zero(t, counts.JobsCleaned)
	require.Zero(t, counts.EventsCleaned)
	require.Zero(t, counts.TokensExpired)
}

func TestStartInBackgroundAndStop(t *testing.T) {
	be := newTestBackend(t)
	s := New(be, Options{TickInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartInBackground(ctx)
	require.Eventually(t, s.IsRunning, time.Second, 5*time.Millisecond)

	s.Stop()
	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestStopAndDrainReturnsOnceLoopExits(t *testing.T) {
	be := newTestBackend(t)
	s := New(be, Options{TickInterval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartInBackground(ctx)
	require.Eventually(t, s.IsRunning, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.StopAndDrain(time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAndDrain never returned")
	}
	require.False(t, s.IsRunning())
}
