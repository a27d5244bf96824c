// Copyright 2025 James Ross
package jobctx

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

// newTestBackend starts an in-process miniredis server, the same
// substitute-a-real-Redis convention the kv backend's own tests use, so
// jobctx exercises a real backend.Backend instead of a hand-rolled mock.
func newTestBackend(t *testing.T) dqbackend.Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kv.NewFromClient(client, "jobctxtest:", nil)
}

func addJob(t *testing.T, be dqbackend.Backend) int64 {
	t.Helper()
	id, err := be.AddJob(context.Background(), queue.AddJobOptions{JobType: "noop", Payload: json.RawMessage(`{}`), MaxAttempts: 1})
	require.NoError(t, err)
	return id
}

func TestRunMemoizesStepResult(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)
	c := New(be, id, 1, nil, nil, 0)

	calls := 0
	fn := func() (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"first"`), nil
	}

	r1, err := c.Run("step-a", fn)
	require.NoError(t, err)
	require.JSONEq(t, `"first"`, string(r1))

	r2, err := c.Run("step-a", fn)
	require.NoError(t, err)
	require.JSONEq(t, `"first"`, string(r2))
	require.Equal(t, 1, calls, "fn must not re-run for an already-completed step")
}

func TestRunSeededFromPriorStepData(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)
	seed := map[string]queue.Step{"resumed-step": {Completed: true, Result: json.RawMessage(`42`)}}
	c := New(be, id, 2, seed, nil, 0)

	called := false
	result, err := c.Run("resumed-step", func() (json.RawMessage, error) {
		called = true
		return json.RawMessage(`0`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(result))
	require.False(t, called)
}

func TestRunDoesNotMemoizeOnError(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)
	c := New(be, id, 1, nil, nil, 0)

	calls := 0
	_, err := c.Run("flaky", func() (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errBoom
		}
		return json.RawMessage(`"ok"`), nil
	})
	require.Error(t, err)

	result, err := c.Run("flaky", func() (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(result))
	require.Equal(t, 2, calls)
}

func TestWaitForReturnsDurationSignal(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)
	c := New(be, id, 1, nil, nil, 0)

	err := c.WaitFor(5 * time.Minute)
	var wait *WaitSignal
	require.ErrorAs(t, err, &wait)
	require.Equal(t, WaitKindDuration, wait.Kind)
	require.NotNil(t, wait.WaitUntil)
	require.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), *wait.WaitUntil, 2*time.Second)
}

func TestWaitForTokenReturnsTokenSignal(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)
	c := New(be, id, 1, nil, nil, 0)

	err := c.WaitForToken("tok-123")
	var wait *WaitSignal
	require.ErrorAs(t, err, &wait)
	require.Equal(t, WaitKindToken, wait.Kind)
	require.NotNil(t, wait.TokenID)
	require.Equal(t, "tok-123", *wait.TokenID)
}

func TestSetProgressRejectsOutOfRange(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)
	c := New(be, id, 1, nil, nil, 0)

	require.Error(t, c.SetProgress(context.Background(), -1))
	require.Error(t, c.SetProgress(context.Background(), 101))
	require.NoError(t, c.SetProgress(context.Background(), 50))
}

func TestSetOutputAndOutput(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)
	c := New(be, id, 1, nil, nil, 0)

	_, ok := c.Output()
	require.False(t, ok)

	c.SetOutput(json.RawMessage(`{"result":1}`))
	v, ok := c.Output()
	require.True(t, ok)
	require.JSONEq(t, `{"result":1}`, string(v))
}

func TestProlongResetsTimerWhenGiven(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)

	var resetTo time.Duration
	c := New(be, id, 1, nil, func(d time.Duration) { resetTo = d }, time.Minute)

	d := 30 * time.Second
	require.NoError(t, c.Prolong(context.Background(), &d))
	require.Equal(t, 30*time.Second, resetTo)
}

func TestProlongFallsBackToOriginalTimeoutWhenNil(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)

	var resetTo time.Duration
	c := New(be, id, 1, nil, func(d time.Duration) { resetTo = d }, 2*time.Minute)

	require.NoError(t, c.Prolong(context.Background(), nil))
	require.Equal(t, 2*time.Minute, resetTo)
}

func TestOnTimeoutRoundTrip(t *testing.T) {
	be := newTestBackend(t)
	id := addJob(t, be)
	c := New(be, id, 1, nil, nil, 0)

	require.Nil(t, c.TimeoutCallback())
	c.OnTimeout(func(ctx context.Context) time.Duration { return 10 * time.Second })
	require.NotNil(t, c.TimeoutCallback())
	require.Equal(t, 10*time.Second, c.TimeoutCallback()(context.Background()))
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
