// Package queue implements the reliable job queue on Redis.
//
// Layout per queue name (all keys share the "crucible:queue:<name>:" prefix):
//   - ready:    LIST of job ids, FIFO (LPUSH head, RPOP tail)
//   - delayed:  ZSET of job ids scored by ready-at (unix ms), for backoff
//   - reserved: ZSET of job ids scored by visibility deadline (unix ms)
//   - jobs:     HASH job id -> msgpack job record
//   - dedup:    SET of job ids present in the system
//   - failed:   HASH job id -> msgpack job record, retained after retries exhaust
//
// Delivery is at-least-once: a reserved-but-unacked job returns to the ready
// list after the visibility timeout, so a crashed worker cannot orphan it.
// Consumers must keep result persistence idempotent on the job id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/emberworks-io/crucible/types"
)

// ErrDuplicateJob is returned by Enqueue when the job id is already present
// (ready, delayed, reserved, or retained in failed state).
var ErrDuplicateJob = errors.New("duplicate job id")

// Required defaults per the queue contract.
const (
	// DefaultMaxAttempts is the retry budget before failed retention.
	DefaultMaxAttempts = 3
	// DefaultBackoffInitialMS seeds the exponential backoff, producing
	// delays of 2s, 4s, 8s.
	DefaultBackoffInitialMS = 2000
	// DefaultVisibilityTimeout bounds how long a reservation can remain
	// unacked before the job returns to the ready list.
	DefaultVisibilityTimeout = 90 * time.Second
)

// Job is one reserved or stored queue entry.
type Job struct {
	// ID is the job id; equals the execution id for dedup.
	ID string `msgpack:"id"`
	// Payload is the execution request.
	Payload types.JobPayload `msgpack:"payload"`
	// Attempts is the number of failed delivery attempts so far.
	Attempts int `msgpack:"attempts"`
	// MaxAttempts is the retry budget.
	MaxAttempts int `msgpack:"max_attempts"`
	// BackoffInitialMS seeds the exponential backoff.
	BackoffInitialMS int `msgpack:"backoff_initial_ms"`
	// EnqueuedAt is when the job was first enqueued.
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
	// LastError is the most recent nack reason, if any.
	LastError string `msgpack:"last_error,omitempty"`
}

// FinalAttempt reports whether a failure of the current delivery would
// exhaust the retry budget and move the job to failed retention.
func (j *Job) FinalAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// EnqueueOptions overrides retry defaults for one job.
type EnqueueOptions struct {
	Attempts         int
	BackoffInitialMS int
}

// Config configures a queue instance.
type Config struct {
	// Name distinguishes queues sharing one Redis. Default "executions".
	Name string
	// VisibilityTimeout bounds reservation lifetime. Default 90s.
	VisibilityTimeout time.Duration
}

// Queue is a reliable FIFO queue with bounded retries.
type Queue struct {
	rdb    *goredis.Client
	name   string
	visTTL time.Duration
	now    func() time.Time
}

// New creates a queue on an existing Redis client.
func New(rdb *goredis.Client, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = "executions"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return &Queue{
		rdb:    rdb,
		name:   cfg.Name,
		visTTL: cfg.VisibilityTimeout,
		now:    time.Now,
	}
}

func (q *Queue) key(suffix string) string {
	return "crucible:queue:" + q.name + ":" + suffix
}

// Enqueue adds a job with id = payload.ExecutionID. A job id already present
// anywhere in the system is rejected with ErrDuplicateJob, which makes
// re-submission of the same execution a no-op at the queue layer.
func (q *Queue) Enqueue(ctx context.Context, payload types.JobPayload, opts *EnqueueOptions) error {
	job := &Job{
		ID:               payload.ExecutionID,
		Payload:          payload,
		MaxAttempts:      DefaultMaxAttempts,
		BackoffInitialMS: DefaultBackoffInitialMS,
		EnqueuedAt:       q.now().UTC(),
	}
	if opts != nil {
		if opts.Attempts > 0 {
			job.MaxAttempts = opts.Attempts
		}
		if opts.BackoffInitialMS > 0 {
			job.BackoffInitialMS = opts.BackoffInitialMS
		}
	}

	added, err := q.rdb.SAdd(ctx, q.key("dedup"), job.ID).Result()
	if err != nil {
		return fmt.Errorf("queue: enqueue dedup: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("queue: job %s: %w", job.ID, ErrDuplicateJob)
	}

	if err := q.storeJob(ctx, job); err != nil {
		// Roll back the dedup entry so a later enqueue can succeed.
		_ = q.rdb.SRem(ctx, q.key("dedup"), job.ID).Err()
		return err
	}
	if err := q.rdb.LPush(ctx, q.key("ready"), job.ID).Err(); err != nil {
		_ = q.rdb.HDel(ctx, q.key("jobs"), job.ID).Err()
		_ = q.rdb.SRem(ctx, q.key("dedup"), job.ID).Err()
		return fmt.Errorf("queue: enqueue push: %w", err)
	}
	return nil
}

// Reserve pops the next ready job and records a visibility deadline.
// Returns (nil, nil) when no job is ready; callers poll.
//
// Reserve also performs queue maintenance: due delayed jobs are promoted to
// the ready list and expired reservations are returned to it.
func (q *Queue) Reserve(ctx context.Context, workerID string) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	if err := q.reapExpired(ctx); err != nil {
		return nil, err
	}

	id, err := q.rdb.RPop(ctx, q.key("ready")).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reserve pop: %w", err)
	}

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Record vanished under the id; drop the stale reference.
		_ = q.rdb.SRem(ctx, q.key("dedup"), id).Err()
		return nil, nil
	}

	deadline := q.now().Add(q.visTTL).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.key("reserved"), goredis.Z{Score: float64(deadline), Member: id}).Err(); err != nil {
		// Reservation not recorded; put the job back so it is not lost.
		_ = q.rdb.RPush(ctx, q.key("ready"), id).Err()
		return nil, fmt.Errorf("queue: reserve mark: %w", err)
	}
	return job, nil
}

// Ack removes a completed job from the queue entirely.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("reserved"), job.ID)
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	pipe.SRem(ctx, q.key("dedup"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Nack records a failed delivery. While the retry budget lasts, the job is
// rescheduled after backoffInitialMs * 2^attempts (2s, 4s, 8s with the
// defaults); once exhausted it moves to failed retention, where it remains
// queryable via FailedJobs.
func (q *Queue) Nack(ctx context.Context, job *Job, jobErr error) error {
	if jobErr != nil {
		job.LastError = jobErr.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		return q.moveToFailed(ctx, job)
	}

	delay := time.Duration(job.BackoffInitialMS) * time.Millisecond << uint(job.Attempts)
	job.Attempts++

	if err := q.storeJob(ctx, job); err != nil {
		return err
	}
	readyAt := q.now().Add(delay).UnixMilli()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("reserved"), job.ID)
	pipe.ZAdd(ctx, q.key("delayed"), goredis.Z{Score: float64(readyAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: nack reschedule: %w", err)
	}
	return nil
}

func (q *Queue) moveToFailed(ctx context.Context, job *Job) error {
	body, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode failed job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("reserved"), job.ID)
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	// The dedup member stays: a retained job id is still "present".
	pipe.HSet(ctx, q.key("failed"), job.ID, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: move to failed: %w", err)
	}
	return nil
}

// FailedJobs returns jobs retained after exhausting their retry budget.
func (q *Queue) FailedJobs(ctx context.Context) ([]*Job, error) {
	entries, err := q.rdb.HGetAll(ctx, q.key("failed")).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(entries))
	for id, body := range entries {
		var job Job
		if err := msgpack.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("queue: decode failed job %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Depth returns the ready, delayed, and reserved entry counts. Exported for
// the worker's queue-depth gauge.
func (q *Queue) Depth(ctx context.Context) (ready, delayed, reserved int64, err error) {
	if ready, err = q.rdb.LLen(ctx, q.key("ready")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("queue: depth: %w", err)
	}
	if delayed, err = q.rdb.ZCard(ctx, q.key("delayed")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("queue: depth: %w", err)
	}
	if reserved, err = q.rdb.ZCard(ctx, q.key("reserved")).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("queue: depth: %w", err)
	}
	return ready, delayed, reserved, nil
}

// promoteDue moves delayed jobs whose backoff has elapsed to the ready list.
func (q *Queue) promoteDue(ctx context.Context) error {
	return q.drainZSetToReady(ctx, q.key("delayed"))
}

// reapExpired returns reserved jobs whose visibility deadline passed to the
// ready list. This is what bounds orphan duration after a worker crash.
func (q *Queue) reapExpired(ctx context.Context) error {
	return q.drainZSetToReady(ctx, q.key("reserved"))
}

func (q *Queue) drainZSetToReady(ctx context.Context, zkey string) error {
	now := fmt.Sprintf("%d", q.now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, zkey, &goredis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("queue: drain %s: %w", zkey, err)
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, zkey, id).Result()
		if err != nil {
			return fmt.Errorf("queue: drain %s: %w", zkey, err)
		}
		// Only the remover re-queues; concurrent drains stay single-delivery.
		if removed > 0 {
			if err := q.rdb.LPush(ctx, q.key("ready"), id).Err(); err != nil {
				return fmt.Errorf("queue: drain %s: %w", zkey, err)
			}
		}
	}
	return nil
}

func (q *Queue) storeJob(ctx context.Context, job *Job) error {
	body, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	if err := q.rdb.HSet(ctx, q.key("jobs"), job.ID, body).Err(); err != nil {
		return fmt.Errorf("queue: store job: %w", err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	body, err := q.rdb.HGet(ctx, q.key("jobs"), id).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job: %w", err)
	}
	var job Job
	if err := msgpack.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", id, err)
	}
	return &job, nil
}
