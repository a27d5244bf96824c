// Copyright 2025 James Ross
// Package processor generalizes the teacher's internal/worker.Worker (a
// fixed-body simulated worker polling Redis lists) into a handler-table
// dispatcher over the backend.Backend contract: claim a batch, look up
// each job's handler by jobType, run it under a per-job timeout and a
// process-wide concurrency cap, and report the outcome back through the
// same complete/fail/waitJob vocabulary every backend implements.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/breaker"
	"github.com/flyingrobots/dataqueue/internal/events"
	"github.com/flyingrobots/dataqueue/internal/jobctx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler processes one job's payload. jc exposes step memoization,
// suspension, progress/output and lease prolongation (internal/jobctx).
// ctx is cancelled when the job's timeoutMs fires and no OnTimeout
// extension was granted — handlers must observe it and return promptly
// (spec.md section 5). Returning a *jobctx.WaitSignal (e.g. from
// jc.WaitFor) suspends the job instead of completing or failing it.
type Handler func(ctx context.Context, jc *jobctx.Context, payload json.RawMessage) (json.RawMessage, error)

// Options configures a Processor (spec.md section 4.5).
type Options struct {
	WorkerID         string
	BatchSize        int
	Concurrency      int // default: BatchSize
	PollInterval     time.Duration
	JobTypeFilter    []string
	GroupConcurrency int
	OnError          func(error)
	Verbose          bool

	// Breaker gates backend calls the way the teacher's worker gates
	// Redis calls (internal/breaker.CircuitBreaker). Nil disables it.
	Breaker *breaker.CircuitBreaker
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = o.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
}

// Processor dispatches claimed jobs to registered handlers, one handler
// per jobType, per spec.md section 4.5.
type Processor struct {
	be       backend.Backend
	handlers map[string]Handler
	opts     Options
	emitter  *events.Emitter
	log      *zap.Logger
	sem      *semaphore.Weighted

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New builds a Processor bound to handlers, keyed by jobType.
func New(be backend.Backend, handlers map[string]Handler, opts Options, emitter *events.Emitter, log *zap.Logger) *Processor {
	opts.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.New(log)
	}
	return &Processor{
		be:       be,
		handlers: handlers,
		opts:     opts,
		emitter:  emitter,
		log:      log,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// IsRunning reports whether the background loop started by
// StartInBackground is currently active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start runs one pass: the cron evaluator, then getNextBatch, then
// dispatches the batch and awaits every handler before returning the
// number of jobs processed (spec.md section 4.5).
func (p *Processor) Start(ctx context.Context) (int, error) {
	if p.opts.Breaker != nil && !p.opts.Breaker.Allow() {
		return 0, nil
	}

	if n, err := p.enqueueDueCronSchedules(ctx); err != nil {
		p.reportError(fmt.Errorf("dataqueue: cron evaluation: %w", err))
	} else if n > 0 && p.opts.Verbose {
		p.log.Info("enqueued due cron schedules", zap.Int("count", n))
	}

	batch, err := p.be.GetNextBatch(ctx, backend.BatchOptions{
		WorkerID:         p.opts.WorkerID,
		BatchSize:        p.opts.BatchSize,
		JobTypeFilter:    p.opts.JobTypeFilter,
		GroupConcurrency: p.opts.GroupConcurrency,
	})
	ok := err == nil
	if p.opts.Breaker != nil {
		p.opts.Breaker.Record(ok)
	}
	if err != nil {
		return 0, fmt.Errorf("dataqueue: get next batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, job := range batch {
		job := job
		if err := p.sem.Acquire(ctx, 1); err != nil {
			continue // ctx cancelled while waiting for a slot
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			p.dispatch(job)
		}()
	}
	wg.Wait()
	return len(batch), nil
}

// StartInBackground launches a loop that calls Start repeatedly, sleeping
// PollInterval between passes, until Stop or StopAndDrain is called.
func (p *Processor) StartInBackground(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
		}()
		for {
			if _, err := p.Start(loopCtx); err != nil {
				p.reportError(err)
			}
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
		}
	}()
}

// Stop cancels the background loop without waiting for in-flight
// handlers to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StopAndDrain cancels new batches from being claimed and waits up to
// timeout for in-flight handlers to finish via the semaphore draining
// back to full capacity. After timeout it returns regardless; handlers
// keep running but their outcomes may race with a future reclaim
// (spec.md section 4.5).
func (p *Processor) StopAndDrain(timeout time.Duration) {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	drained := make(chan struct{})
	go func() {
		// acquiring the full weight blocks until every in-flight handler
		// has released its slot, then we give it right back.
		_ = p.sem.Acquire(context.Background(), int64(p.opts.Concurrency))
		p.sem.Release(int64(p.opts.Concurrency))
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
	}
}

func (p *Processor) reportError(err error) {
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
	p.emitter.Emit(events.Error, err)
}
