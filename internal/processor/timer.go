// Copyright 2025 James Ross
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/dataqueue/internal/jobctx"
)

// timeoutController arms a single timer for a job's timeoutMs deadline.
// On fire, it invokes the handler's OnTimeout callback (if any); a
// positive returned duration restarts the timer instead of cancelling the
// handler's context (spec.md section 4.5, step 4).
type timeoutController struct {
	mu       sync.Mutex
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	jc       *jobctx.Context
	timedOut bool
}

func newTimerController(ctx context.Context, cancel context.CancelFunc) *timeoutController {
	return &timeoutController{ctx: ctx, cancel: cancel}
}

// arm starts the timeout timer for d, wiring it to jc's OnTimeout
// callback so fire() can consult it when the deadline passes.
func (t *timeoutController) arm(d time.Duration, jc *jobctx.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jc = jc
	t.timer = time.AfterFunc(d, t.fire)
}

// reset re-arms the timer for a new duration from now, used by
// jobctx.Context.Prolong when a handler extends its own lease. d <= 0
// means the job has no deadline to reset to (no timeoutMs was set and
// none was given to Prolong) and simply disarms the timer instead of
// firing immediately.
func (t *timeoutController) reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	if d <= 0 {
		t.timer = nil
		return
	}
	t.timer = time.AfterFunc(d, t.fire)
}

func (t *timeoutController) fire() {
	t.mu.Lock()
	jc := t.jc
	t.mu.Unlock()

	var cb func(context.Context) time.Duration
	if jc != nil {
		cb = jc.TimeoutCallback()
	}
	if cb != nil {
		if extend := cb(t.ctx); extend > 0 {
			t.mu.Lock()
			t.timer = time.AfterFunc(extend, t.fire)
			t.mu.Unlock()
			return
		}
	}
	t.mu.Lock()
	t.timedOut = true
	t.mu.Unlock()
	t.cancel()
}

// stop halts the timer without firing it, called once the handler
// returns on its own.
func (t *timeoutController) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// timedOutFlag reports whether the deadline fired and ultimately aborted
// the handler's context (as opposed to being extended indefinitely).
func (t *timeoutController) timedOutFlag() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timedOut
}
