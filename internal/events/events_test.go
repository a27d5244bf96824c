// Copyright 2025 James Ross
package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOnFiresOnEveryEmit(t *testing.T) {
	e := New(nil)
	var count int64
	e.On(JobCompleted, func(payload any) { atomic.AddInt64(&count, 1) })

	e.Emit(JobCompleted, nil)
	e.Emit(JobCompleted, nil)
	e.Emit(JobCompleted, nil)

	require.EqualValues(t, 3, atomic.LoadInt64(&count))
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	e := New(nil)
	var count int64
	e.Once(JobFailed, func(payload any) { atomic.AddInt64(&count, 1) })

	e.Emit(JobFailed, nil)
	e.Emit(JobFailed, nil)

	require.EqualValues(t, 1, atomic.LoadInt64(&count))
}

func TestOffRemovesListener(t *testing.T) {
	e := New(nil)
	var count int64
	handle := e.On(JobWaiting, func(payload any) { atomic.AddInt64(&count, 1) })

	e.Emit(JobWaiting, nil)
	e.Off(JobWaiting, handle)
	e.Emit(JobWaiting, nil)

	require.EqualValues(t, 1, atomic.LoadInt64(&count))
}

func TestRemoveAllListenersScopedToName(t *testing.T) {
	e := New(nil)
	var jobCount, otherCount int64
	e.On(JobCompleted, func(payload any) { atomic.AddInt64(&jobCount, 1) })
	e.On(JobFailed, func(payload any) { atomic.AddInt64(&otherCount, 1) })

	e.RemoveAllListeners(JobCompleted)
	e.Emit(JobCompleted, nil)
	e.Emit(JobFailed, nil)

	require.Zero(t, atomic.LoadInt64(&jobCount))
	require.EqualValues(t, 1, atomic.LoadInt64(&otherCount))
}

func TestRemoveAllListenersEveryChannel(t *testing.T) {
	e := New(nil)
	var count int64
	e.On(JobCompleted, func(payload any) { atomic.AddInt64(&count, 1) })
	e.On(JobFailed, func(payload any) { atomic.AddInt64(&count, 1) })

	e.RemoveAllListeners("")
	e.Emit(JobCompleted, nil)
	e.Emit(JobFailed, nil)

	require.Zero(t, atomic.LoadInt64(&count))
}

func TestEmitDeliversPayload(t *testing.T) {
	e := New(nil)
	var got map[string]any
	e.On(JobFailed, func(payload any) { got = payload.(map[string]any) })

	e.Emit(JobFailed, map[string]any{"jobId": int64(7), "willRetry": true})

	require.Equal(t, int64(7), got["jobId"])
	require.Equal(t, true, got["willRetry"])
}

func TestPanickingListenerDoesNotAbortOthers(t *testing.T) {
	e := New(nil)
	var secondRan bool
	e.On(JobCompleted, func(payload any) { panic("boom") })
	e.On(JobCompleted, func(payload any) { secondRan = true })

	require.NotPanics(t, func() { e.Emit(JobCompleted, nil) })
	require.True(t, secondRan)
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	e := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.On(JobProgress, func(payload any) {})
		}()
		go func() {
			defer wg.Done()
			e.Emit(JobProgress, nil)
		}()
	}
	wg.Wait()
}
