package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/emberworks-io/crucible/queue"
	"github.com/emberworks-io/crucible/runner"
	"github.com/emberworks-io/crucible/store"
	"github.com/emberworks-io/crucible/types"
)

// process drives one job through the execution pipeline. Failure handling
// splits three ways:
//
//   - deterministic failures (session gone, unsupported runtime) write a
//     terminal FAILED row and ack, since retrying cannot help
//   - transient failures (store or runner infrastructure down) nack for
//     retry with backoff; when the retry budget is exhausted the row is
//     marked FAILED best-effort before the job moves to failed retention
//   - code-level failures (non-zero exit, timeout, output cap) are normal
//     outcomes, written via ApplyOutcome and acked
func (p *Pool) process(ctx context.Context, job *queue.Job) {
	executionID := job.Payload.ExecutionID
	logger := p.logger.Named("job")

	if err := p.store.MarkRunning(ctx, executionID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Row never existed; nothing to run against.
			logger.Error("execution row missing for reserved job", map[string]any{
				"execution_id": executionID,
			})
			p.ack(ctx, job)
			return
		case errors.Is(err, store.ErrConflict):
			// The row already left QUEUED. Terminal means this is a
			// redelivery of completed work; RUNNING means a prior attempt
			// crashed mid-run, and re-running is safe because the terminal
			// write is idempotent.
			exec, getErr := p.store.GetExecution(ctx, executionID)
			if getErr != nil {
				p.nackOrRetire(ctx, job, fmt.Errorf("recheck execution: %w", getErr))
				return
			}
			if exec.Status.Terminal() {
				logger.Info("redelivered job already terminal, acking", map[string]any{
					"execution_id": executionID,
					"status":       exec.Status,
				})
				p.ack(ctx, job)
				return
			}
			logger.Warn("re-running execution left RUNNING by a lost worker", map[string]any{
				"execution_id": executionID,
				"attempt":      job.Attempts,
			})
		default:
			p.nackOrRetire(ctx, job, fmt.Errorf("mark running: %w", err))
			return
		}
	}

	p.appendEvent(ctx, executionID, string(types.ExecutionRunning), map[string]any{
		"worker_id": p.cfg.WorkerID,
		"attempt":   job.Attempts,
	})

	swl, err := p.store.GetSessionWithLanguage(ctx, job.Payload.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.finishFailed(ctx, job, "session no longer exists")
			return
		}
		p.nackOrRetire(ctx, job, fmt.Errorf("load session: %w", err))
		return
	}

	outcome, err := p.runJob(ctx, job, swl)
	if err != nil {
		p.nackOrRetire(ctx, job, err)
		return
	}

	update := store.TerminalUpdate{
		Status:          outcome.Status,
		Stdout:          outcome.Stdout,
		Stderr:          outcome.Stderr,
		ExecutionTimeMS: outcome.ExecutionTimeMS,
		ExitCode:        outcome.ExitCode,
		Timeout:         outcome.Timeout,
	}
	if err := p.store.ApplyOutcome(ctx, executionID, update); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Someone already finished this row; our work is redundant.
			p.ack(ctx, job)
			return
		}
		p.nackOrRetire(ctx, job, fmt.Errorf("apply outcome: %w", err))
		return
	}

	p.metrics.IncExecution(string(outcome.Status))
	p.metrics.ObserveRunDuration(outcome.ExecutionTimeMS / 1000)
	p.appendEvent(ctx, executionID, string(outcome.Status), map[string]any{
		"worker_id":         p.cfg.WorkerID,
		"execution_time_ms": outcome.ExecutionTimeMS,
	})
	logger.Info("execution finished", map[string]any{
		"execution_id":      executionID,
		"status":            outcome.Status,
		"execution_time_ms": outcome.ExecutionTimeMS,
	})
	p.ack(ctx, job)
}

// runJob invokes the runner with panic recovery. A panicking runner must
// surface as a transient failure, not take the worker down.
func (p *Pool) runJob(ctx context.Context, job *queue.Job, swl *store.SessionWithLanguage) (outcome *runner.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return p.runner.Run(ctx, runner.Spec{
		RuntimeKey:    swl.Language.Runtime,
		FileName:      swl.Language.FileName,
		Source:        swl.Session.SourceCode,
		TimeLimitMS:   job.Payload.TimeLimitMS,
		MemoryLimitMB: job.Payload.MemoryLimitMB,
	})
}

// finishFailed writes a deterministic FAILED outcome and acks; these jobs
// must not burn retry attempts.
func (p *Pool) finishFailed(ctx context.Context, job *queue.Job, stderr string) {
	executionID := job.Payload.ExecutionID
	if err := p.store.MarkFailed(ctx, executionID, stderr); err != nil && !errors.Is(err, store.ErrConflict) {
		p.nackOrRetire(ctx, job, fmt.Errorf("mark failed: %w", err))
		return
	}
	p.metrics.IncExecution(string(types.ExecutionFailed))
	p.appendEvent(ctx, executionID, string(types.ExecutionFailed), map[string]any{
		"worker_id": p.cfg.WorkerID,
		"reason":    stderr,
	})
	p.ack(ctx, job)
}

// nackOrRetire handles a transient failure. While the retry budget lasts
// the job goes back with backoff; on the final attempt the execution row is
// marked FAILED best-effort so it cannot stay QUEUED/RUNNING forever, and
// the nack moves the job to failed retention.
func (p *Pool) nackOrRetire(ctx context.Context, job *queue.Job, jobErr error) {
	executionID := job.Payload.ExecutionID

	if job.FinalAttempt() {
		p.logger.Error("job retries exhausted", map[string]any{
			"execution_id": executionID,
			"attempts":     job.Attempts,
			"error":        jobErr.Error(),
		})
		if err := p.store.MarkFailed(ctx, executionID, "execution failed after retries: "+jobErr.Error()); err != nil && !errors.Is(err, store.ErrConflict) {
			p.logger.Error("failed to mark retired execution", map[string]any{
				"execution_id": executionID,
				"error":        err.Error(),
			})
		} else {
			p.metrics.IncExecution(string(types.ExecutionFailed))
			p.appendEvent(ctx, executionID, string(types.ExecutionFailed), map[string]any{
				"worker_id": p.cfg.WorkerID,
				"reason":    "retries exhausted",
			})
		}
	} else {
		p.metrics.IncJobRetry()
		p.logger.Warn("job failed, scheduling retry", map[string]any{
			"execution_id": executionID,
			"attempt":      job.Attempts,
			"error":        jobErr.Error(),
		})
	}

	if err := p.queue.Nack(ctx, job, jobErr); err != nil {
		// The reservation will expire and the job will be redelivered.
		p.logger.Error("nack failed", map[string]any{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
}

func (p *Pool) ack(ctx context.Context, job *queue.Job) {
	if err := p.queue.Ack(ctx, job); err != nil {
		p.logger.Error("ack failed", map[string]any{
			"execution_id": job.Payload.ExecutionID,
			"error":        err.Error(),
		})
	}
}

// appendEvent records a lifecycle breadcrumb; failures are logged only.
func (p *Pool) appendEvent(ctx context.Context, executionID, stage string, meta map[string]any) {
	ev := types.NewLifecycleEvent(executionID, stage, meta)
	if err := p.events.AppendEvent(ctx, ev); err != nil {
		p.logger.Warn("lifecycle event append failed", map[string]any{
			"execution_id": executionID,
			"stage":        stage,
			"error":        err.Error(),
		})
	}
}
