// Package worker implements the execution worker pool: bounded-concurrency
// job processing over the reliable queue, plus the periodic repair sweep
// for executions orphaned by worker crashes.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/metrics"
	"github.com/emberworks-io/crucible/queue"
	"github.com/emberworks-io/crucible/runner"
	"github.com/emberworks-io/crucible/store"
	"github.com/emberworks-io/crucible/types"
)

// Store is the durable-store surface the pool depends on.
type Store interface {
	MarkRunning(ctx context.Context, id string) error
	GetExecution(ctx context.Context, id string) (*types.Execution, error)
	GetSessionWithLanguage(ctx context.Context, id string) (*store.SessionWithLanguage, error)
	ApplyOutcome(ctx context.Context, id string, u store.TerminalUpdate) error
	MarkFailed(ctx context.Context, id, stderr string) error
}

// Queue is the queue surface the pool depends on.
type Queue interface {
	Reserve(ctx context.Context, workerID string) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Nack(ctx context.Context, job *queue.Job, jobErr error) error
	Depth(ctx context.Context) (ready, delayed, reserved int64, err error)
}

// Runner abstracts the child-process driver for testing.
type Runner interface {
	Run(ctx context.Context, spec runner.Spec) (*runner.Outcome, error)
}

// Events is the lifecycle-event surface the pool depends on.
type Events interface {
	AppendEvent(ctx context.Context, event types.LifecycleEvent) error
}

// Config configures the pool.
type Config struct {
	// WorkerID identifies this worker in reservations and logs.
	WorkerID string
	// Concurrency bounds in-flight jobs. Default 10.
	Concurrency int
	// PollInterval is the idle sleep between empty reserves. Default 250ms.
	PollInterval time.Duration
	// GracePeriod bounds how long shutdown waits for in-flight runs.
	// Default 30s.
	GracePeriod time.Duration
}

// Pool reserves jobs and drives them through the runner.
type Pool struct {
	store   Store
	queue   Queue
	runner  Runner
	events  Events
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics
}

// New creates a pool. metrics may be nil.
func New(st Store, q Queue, r Runner, ev Events, cfg Config, logger *log.Logger, m *metrics.Metrics) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	return &Pool{store: st, queue: q, runner: r, events: ev, cfg: cfg, logger: logger, metrics: m}
}

// Run blocks, reserving and processing jobs until ctx is cancelled. On
// cancellation the pool stops reserving, gives in-flight runs the grace
// period, then cancels their child processes and returns.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting", map[string]any{
		"worker_id":   p.cfg.WorkerID,
		"concurrency": p.cfg.Concurrency,
	})

	// jobCtx outlives ctx so in-flight runs survive into the grace period.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var wg sync.WaitGroup
	slots := make(chan struct{}, p.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			p.drain(&wg, cancelJobs)
			return
		case slots <- struct{}{}:
		}

		job, err := p.queue.Reserve(ctx, p.cfg.WorkerID)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				p.drain(&wg, cancelJobs)
				return
			}
			p.logger.Error("reserve failed", map[string]any{"error": err.Error()})
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			<-slots
			p.updateDepth(ctx)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		wg.Add(1)
		p.metrics.JobStarted()
		go func(job *queue.Job) {
			defer func() {
				p.metrics.JobFinished()
				wg.Done()
				<-slots
			}()
			p.process(jobCtx, job)
		}(job)
	}
}

// drain waits out in-flight runs up to the grace period, then cancels
// their child processes and waits for the handlers to unwind.
func (p *Pool) drain(wg *sync.WaitGroup, cancelJobs context.CancelFunc) {
	p.logger.Info("worker pool stopping, draining in-flight jobs", map[string]any{
		"grace_period": p.cfg.GracePeriod.String(),
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.GracePeriod):
		p.logger.Warn("grace period elapsed, cancelling in-flight runs", nil)
		cancelJobs()
		<-done
	}
	p.logger.Info("worker pool stopped", nil)
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) updateDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	if ready, delayed, reserved, err := p.queue.Depth(ctx); err == nil {
		p.metrics.SetQueueDepth(ready, delayed, reserved)
	}
}
