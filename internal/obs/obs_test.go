// Copyright 2025 James Ross
package obs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/backend/kv"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBackend(t *testing.T) dqbackend.Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kv.NewFromClient(client, "obstest:", nil)
}

func TestNewLoggerAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		log, err := NewLogger(level)
		require.NoError(t, err)
		require.NotNil(t, log)
	}
}

func TestStartQueueDepthSamplerPublishesBackendStats(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	_, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "echo", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	require.NoError(t, err)

	sampleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	StartQueueDepthSampler(sampleCtx, be, 5*time.Millisecond, zap.NewNop())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(QueueDepth.WithLabelValues("pending")) >= 1
	}, time.Second, 5*time.Millisecond, "queue depth sampler should observe the pending job")
}

func TestStartQueueDepthSamplerDefaultsNonPositiveInterval(t *testing.T) {
	be := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NotPanics(t, func() {
		StartQueueDepthSampler(ctx, be, 0, zap.NewNop())
	})
}
