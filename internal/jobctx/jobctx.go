// Copyright 2025 James Ross
// Package jobctx gives a running handler the per-invocation surface spec.md
// section 4.5 describes: step memoization, suspension, progress/output,
// and lease prolongation. It is the Go transliteration of the teacher's
// processJob inline logic (internal/worker/worker.go), split out into its
// own type because a handler — unlike the teacher's fixed simulated body —
// is caller-supplied and needs something to call back into.
package jobctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/queue"
)

// WaitKind distinguishes a duration/deadline suspension from a
// token-rendezvous suspension (spec.md section 4.5).
type WaitKind string

const (
	WaitKindDuration WaitKind = "duration"
	WaitKindToken    WaitKind = "token"
)

// WaitSignal is returned by a handler to suspend its job instead of
// completing or failing it. It is not a failure: the processor recognizes
// it via errors.As and calls waitJob instead of failJob.
type WaitSignal struct {
	Kind      WaitKind
	WaitUntil *time.Time
	TokenID   *string
	StepData  map[string]queue.Step
}

func (w *WaitSignal) Error() string {
	return fmt.Sprintf("dataqueue: job suspended (%s)", w.Kind)
}

// Context is the per-invocation handle a Handler receives alongside its
// payload (spec.md section 4.5). It is not safe for use after the handler
// that received it returns.
type Context struct {
	JobID    int64
	Attempts int

	be  backend.Backend
	log func(format string, args ...any)

	mu              sync.Mutex
	stepData        map[string]queue.Step
	output          json.RawMessage
	hasOutput       bool
	onTimeoutFn     func(ctx context.Context) time.Duration
	resetTimer      func(d time.Duration)
	originalTimeout time.Duration
}

// New builds a Context seeded from a job's persisted stepData (so a
// resumed invocation sees previously-memoised step results). resetTimer
// lets Prolong reach back into the processor's per-job timeout timer.
// originalTimeout is the job's own timeoutMs, used by Prolong when called
// with a nil duration.
func New(be backend.Backend, jobID int64, attempts int, stepData map[string]queue.Step, resetTimer func(time.Duration), originalTimeout time.Duration) *Context {
	sd := make(map[string]queue.Step, len(stepData))
	for k, v := range stepData {
		sd[k] = v
	}
	return &Context{JobID: jobID, Attempts: attempts, be: be, stepData: sd, resetTimer: resetTimer, originalTimeout: originalTimeout}
}

// Run memoises the result of fn under stepName: on a resumed invocation
// where stepName already completed, fn is not called again and the stored
// result is returned directly. Step names must stay stable across
// re-invocations of the same job (spec.md section 4.5).
func (c *Context) Run(stepName string, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	c.mu.Lock()
	if step, ok := c.stepData[stepName]; ok && step.Completed {
		c.mu.Unlock()
		return step.Result, nil
	}
	c.mu.Unlock()

	result, err := fn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stepData[stepName] = queue.Step{Completed: true, Result: result}
	c.mu.Unlock()
	return result, nil
}

func (c *Context) stepDataSnapshot() map[string]queue.Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]queue.Step, len(c.stepData))
	for k, v := range c.stepData {
		out[k] = v
	}
	return out
}

// WaitFor suspends the job for the given duration. The handler must
// return the resulting error directly; the processor reads it back out
// via errors.As before it reaches any other error handling.
func (c *Context) WaitFor(d time.Duration) error {
	until := time.Now().UTC().Add(d)
	return &WaitSignal{Kind: WaitKindDuration, WaitUntil: &until, StepData: c.stepDataSnapshot()}
}

// WaitUntilTime suspends the job until the given instant.
func (c *Context) WaitUntilTime(t time.Time) error {
	u := t.UTC()
	return &WaitSignal{Kind: WaitKindDuration, WaitUntil: &u, StepData: c.stepDataSnapshot()}
}

// CreateToken durably creates a waitpoint bound to this job (spec.md
// section 4.5: "binds it to this job").
func (c *Context) CreateToken(ctx context.Context, opts queue.TokenOptions) (*queue.Token, error) {
	jobID := c.JobID
	opts.JobID = &jobID
	return c.be.CreateToken(ctx, opts)
}

// WaitForToken suspends the job until tokenID is completed or times out.
func (c *Context) WaitForToken(tokenID string) error {
	return &WaitSignal{Kind: WaitKindToken, TokenID: &tokenID, StepData: c.stepDataSnapshot()}
}

// SetProgress validates pct is in [0,100] and persists it immediately so
// observers polling getJob see live progress.
func (c *Context) SetProgress(ctx context.Context, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("dataqueue: progress %d out of range [0,100]", pct)
	}
	return c.be.UpdateProgress(ctx, c.JobID, pct)
}

// SetOutput records the job's output value. It wins over a plain handler
// return value when the processor completes the job (spec.md section 4.5).
func (c *Context) SetOutput(value json.RawMessage) {
	c.mu.Lock()
	c.output = value
	c.hasOutput = true
	c.mu.Unlock()
}

// Output returns what SetOutput last recorded, if anything.
func (c *Context) Output() (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output, c.hasOutput
}

// Prolong resets the in-memory timeout timer to ms (or the job's original
// timeoutMs when ms is nil) measured from now, and persists the lease via
// prolongJob so reclaimStuckJobs does not steal a still-running job.
func (c *Context) Prolong(ctx context.Context, ms *time.Duration) error {
	if err := c.be.ProlongJob(ctx, c.JobID); err != nil {
		return err
	}
	if c.resetTimer != nil {
		if ms != nil {
			c.resetTimer(*ms)
		} else {
			c.resetTimer(c.originalTimeout)
		}
	}
	return nil
}

// OnTimeout registers the single callback invoked when the processor's
// timeout timer fires. If cb returns n > 0, the processor restarts the
// timer for n; otherwise the abort proceeds (spec.md section 4.5).
func (c *Context) OnTimeout(cb func(ctx context.Context) time.Duration) {
	c.mu.Lock()
	c.onTimeoutFn = cb
	c.mu.Unlock()
}

// TimeoutCallback returns the registered OnTimeout callback, if any. Only
// the processor package that constructs this Context is meant to drive
// the timer off it.
func (c *Context) TimeoutCallback() func(ctx context.Context) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onTimeoutFn
}
