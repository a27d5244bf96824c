// Copyright 2025 James Ross
package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dqbackend "github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/backend/kv"
	"github.com/flyingrobots/dataqueue/internal/jobctx"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestBackend mirrors the kv backend's own miniredis-backed test
// fixture (internal/backend/kv/kv_test.go) so the processor exercises a
// real backend.Backend.
func newTestBackend(t *testing.T) dqbackend.Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kv.NewFromClient(client, "proctest:", nil)
}

func TestStartCompletesSuccessfulJob(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	id, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "echo", Payload: json.RawMessage(`{"v":1}`), MaxAttempts: 1})
	require.NoError(t, err)

	handlers := map[string]Handler{
		"echo": func(ctx context.Context, jc *jobctx.Context, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		},
	}
	p := New(be, handlers, Options{WorkerID: "w1", BatchSize: 10}, nil, nil)

	n, err := p.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := be.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
	require.JSONEq(t, `{"v":1}`, string(job.Output))
}

func TestStartFailsJobOnHandlerError(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	id, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "boom", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	require.NoError(t, err)

	handlers := map[string]Handler{
		"boom": func(ctx context.Context, jc *jobctx.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, errHandler
		},
	}
	p := New(be, handlers, Options{WorkerID: "w1", BatchSize: 10}, nil, nil)

	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err := be.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.FailureReason)
	require.Equal(t, queue.FailureHandlerError, *job.FailureReason)
}

func TestStartSuspendsJobOnWaitSignal(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	id, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "sleepy", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	require.NoError(t, err)

	handlers := map[string]Handler{
		"sleepy": func(ctx context.Context, jc *jobctx.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, jc.WaitFor(time.Hour)
		},
	}
	p := New(be, handlers, Options{WorkerID: "w1", BatchSize: 10}, nil, nil)

	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err := be.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, job.Status)
}

func TestProlongWithNilDurationResetsToOriginalTimeout(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	timeoutMs := int64(80)
	id, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "prolong", Payload: json.RawMessage(`{}`), MaxAttempts: 1, TimeoutMs: &timeoutMs})
	require.NoError(t, err)

	handlers := map[string]Handler{
		"prolong": func(hctx context.Context, jc *jobctx.Context, payload json.RawMessage) (json.RawMessage, error) {
			jc.OnTimeout(func(context.Context) time.Duration { return 0 })
			time.Sleep(60 * time.Millisecond)
			// Prolong(nil) must reset the timer to the job's original
			// 80ms timeoutMs measured from now, not leave the timer
			// armed against its original 80ms-from-dispatch deadline.
			require.NoError(t, jc.Prolong(context.Background(), nil))
			select {
			case <-hctx.Done():
				return json.RawMessage(`{"cancelledEarly":true}`), nil
			case <-time.After(60 * time.Millisecond):
				return json.RawMessage(`{"cancelledEarly":false}`), nil
			}
		},
	}
	p := New(be, handlers, Options{WorkerID: "w1", BatchSize: 10}, nil, nil)

	n, err := p.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := be.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
	require.JSONEq(t, `{"cancelledEarly":false}`, string(job.Output))
}

func TestStartFailsUnhandledJobType(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	id, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "nobody-home", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	require.NoError(t, err)

	p := New(be, map[string]Handler{}, Options{WorkerID: "w1", BatchSize: 10}, nil, nil)

	_, err = p.Start(ctx)
	require.NoError(t, err)

	job, err := be.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.FailureReason)
	require.Equal(t, queue.FailureNoHandler, *job.FailureReason)
}

func TestStartReturnsZeroWhenNothingDue(t *testing.T) {
	be := newTestBackend(t)
	p := New(be, map[string]Handler{}, Options{WorkerID: "w1", BatchSize: 10}, nil, nil)

	n, err := p.Start(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStopAndDrainWaitsForInFlightHandler(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	_, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "slow", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	handlers := map[string]Handler{
		"slow": func(ctx context.Context, jc *jobctx.Context, payload json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`{}`), nil
		},
	}
	p := New(be, handlers, Options{WorkerID: "w1", BatchSize: 10, Concurrency: 1}, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.StartInBackground(runCtx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	done := make(chan struct{})
	go func() {
		p.StopAndDrain(100 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("StopAndDrain returned before the timeout while handler was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAndDrain never returned")
	}
}

// TestStopAndDrainDoesNotCancelInFlightHandlerContext proves StopAndDrain
// only stops new batches from being claimed: a handler's ctx must stay
// alive for the whole drain window, since spec.md:127,176 reserve
// cancellation for timeoutMs expiry or lease reclamation, never a drain.
func TestStopAndDrainDoesNotCancelInFlightHandlerContext(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	_, err := be.AddJob(ctx, queue.AddJobOptions{JobType: "watch-ctx", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancelBeforeRelease bool
	handlers := map[string]Handler{
		"watch-ctx": func(hctx context.Context, jc *jobctx.Context, payload json.RawMessage) (json.RawMessage, error) {
			close(started)
			select {
			case <-release:
			case <-hctx.Done():
				sawCancelBeforeRelease = true
				<-release
			}
			return json.RawMessage(`{}`), nil
		},
	}
	p := New(be, handlers, Options{WorkerID: "w1", BatchSize: 10, Concurrency: 1}, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.StartInBackground(runCtx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	done := make(chan struct{})
	go func() {
		p.StopAndDrain(200 * time.Millisecond)
		close(done)
	}()

	// Give StopAndDrain time to cancel the loop context; a buggy
	// implementation that derives handler contexts from it would cancel
	// the still-running handler's ctx here too.
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAndDrain never returned")
	}
	require.False(t, sawCancelBeforeRelease, "StopAndDrain must not cancel an in-flight handler's context")
}

var errHandler = handlerError{}

type handlerError struct{}

func (handlerError) Error() string { return "handler exploded" }
