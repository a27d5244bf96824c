// Copyright 2025 James Ross
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/dataqueue/internal/events"
	"github.com/flyingrobots/dataqueue/internal/jobctx"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"go.uber.org/zap"
)

// defaultHeartbeat is the lease-prolong interval used for jobs with no
// timeoutMs (spec.md section 4.5: "or a fixed heartbeat if no timeout").
const defaultHeartbeat = 30 * time.Second

// dispatch runs one claimed job's handler to completion, suspension or
// failure and reports the outcome back to the backend (spec.md section
// 4.5, steps 1-6). It deliberately roots its own context rather than
// taking the processor's loop context: StopAndDrain cancels the loop
// context to stop claiming new batches, but already-dispatched handlers
// and their outcome-reporting calls must keep running through a drain
// (spec.md:127,176). Only timeoutMs expiry or lease reclamation may
// cancel a handler.
func (p *Processor) dispatch(job *queue.Job) {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		if err := p.be.FailJob(context.Background(), job.ID, fmt.Sprintf("no handler registered for job type %q", job.JobType), queue.FailureNoHandler); err != nil {
			p.reportError(fmt.Errorf("dataqueue: fail unhandled job %d: %w", job.ID, err))
		}
		p.emitter.Emit(events.JobFailed, map[string]any{
			"jobId": job.ID, "jobType": job.JobType, "willRetry": false, "error": "no_handler",
		})
		return
	}

	p.emitter.Emit(events.JobProcessing, map[string]any{"jobId": job.ID, "jobType": job.JobType})

	handlerCtx, cancelHandler := context.WithCancel(context.Background())
	defer cancelHandler()

	var originalTimeout time.Duration
	if job.TimeoutMs != nil {
		originalTimeout = time.Duration(*job.TimeoutMs) * time.Millisecond
	}

	timeoutCtl := newTimerController(handlerCtx, cancelHandler)
	jc := jobctx.New(p.be, job.ID, job.Attempts, job.StepData, timeoutCtl.reset, originalTimeout)

	if job.TimeoutMs != nil {
		timeoutCtl.arm(originalTimeout, jc)
	}

	heartbeatStop := p.startHeartbeat(handlerCtx, job)
	defer heartbeatStop()

	output, err := handler(handlerCtx, jc, job.Payload)
	timeoutCtl.stop()

	var wait *jobctx.WaitSignal
	reportCtx := context.Background()
	switch {
	case errors.As(err, &wait):
		p.handleSuspend(reportCtx, job, wait)
	case err != nil:
		p.handleFailure(reportCtx, job, err, timeoutCtl.timedOutFlag())
	default:
		p.handleSuccess(reportCtx, job, jc, output)
	}
}

func (p *Processor) handleSuccess(ctx context.Context, job *queue.Job, jc *jobctx.Context, output []byte) {
	final := output
	hasOutput := output != nil
	if v, ok := jc.Output(); ok {
		final = v
		hasOutput = true
	}
	if err := p.be.CompleteJob(ctx, job.ID, final, hasOutput); err != nil {
		p.reportError(fmt.Errorf("dataqueue: complete job %d: %w", job.ID, err))
		return
	}
	p.emitter.Emit(events.JobCompleted, map[string]any{"jobId": job.ID, "jobType": job.JobType})
}

func (p *Processor) handleFailure(ctx context.Context, job *queue.Job, cause error, timedOut bool) {
	reason := queue.FailureHandlerError
	if timedOut {
		reason = queue.FailureTimeout
	}
	if err := p.be.FailJob(ctx, job.ID, cause.Error(), reason); err != nil {
		p.reportError(fmt.Errorf("dataqueue: fail job %d: %w", job.ID, err))
		return
	}
	p.emitter.Emit(events.JobFailed, map[string]any{
		"jobId": job.ID, "jobType": job.JobType,
		"willRetry": job.Attempts < job.MaxAttempts, "error": cause.Error(),
	})
}

func (p *Processor) handleSuspend(ctx context.Context, job *queue.Job, wait *jobctx.WaitSignal) {
	if err := p.be.WaitJob(ctx, job.ID, wait.WaitUntil, wait.TokenID, wait.StepData); err != nil {
		p.reportError(fmt.Errorf("dataqueue: suspend job %d: %w", job.ID, err))
		return
	}
	p.emitter.Emit(events.JobWaiting, map[string]any{"jobId": job.ID, "jobType": job.JobType})
}

// startHeartbeat periodically calls prolongJob while a handler runs so
// reclaimStuckJobs does not steal a still-running job (spec.md section
// 4.5). The interval is timeoutMs/3, or defaultHeartbeat with no timeout.
func (p *Processor) startHeartbeat(ctx context.Context, job *queue.Job) func() {
	interval := defaultHeartbeat
	if job.TimeoutMs != nil {
		if third := time.Duration(*job.TimeoutMs) * time.Millisecond / 3; third > 0 {
			interval = third
		}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := p.be.ProlongJob(ctx, job.ID); err != nil {
					p.log.Warn("heartbeat prolong failed", zap.Int64("jobID", job.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(stop) }
}
