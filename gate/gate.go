// Package gate implements pre-admission safety checks: parameter bounds,
// the sliding-window abuse check, and the advisory loop-pattern scan.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/emberworks-io/crucible/log"
)

// Parameter bounds.
const (
	MinTimeLimitMS = 100
	MaxTimeLimitMS = 60_000
	MinMemoryMB    = 32
	MaxMemoryMB    = 2048
)

// Abuse-check policy.
const (
	// AbuseWindow is the sliding window for both limits.
	AbuseWindow = 60 * time.Second
	// MaxExecutionsPerWindow blocks the rate limit at the 11th admission.
	MaxExecutionsPerWindow = 10
	// MaxFailuresPerWindow trips the failure circuit at the 6th admission
	// after 5 FAILED outcomes.
	MaxFailuresPerWindow = 5
	// RetryAfterSeconds is the client back-off hint on a block.
	RetryAfterSeconds = 60
)

// AbuseStore is the durable-store query the abuse check depends on.
type AbuseStore interface {
	RecentExecutionStats(ctx context.Context, sessionID string, since time.Time) (total, failed int, err error)
}

// Decision is the abuse-check result.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter int
}

// Gate performs admission safety checks.
type Gate struct {
	store   AbuseStore
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
	now     func() time.Time
}

// New creates a gate over the given store.
//
// The breaker wraps the store query behind CheckAbuse. During a store outage
// it opens after repeated failures, so admissions fail open immediately
// instead of each paying a query timeout. Rate limiting is best-effort while
// the store is down; admission must not become unavailable because
// telemetry is.
func New(store AbuseStore, logger *log.Logger) *Gate {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "abuse-check",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Gate{
		store:   store,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// ValidateParams checks the requested limits against the admission bounds.
// It returns the full list of violations, not just the first.
func (g *Gate) ValidateParams(timeLimitMS, memoryLimitMB int) []string {
	var violations []string
	if timeLimitMS < MinTimeLimitMS || timeLimitMS > MaxTimeLimitMS {
		violations = append(violations, fmt.Sprintf(
			"time_limit must be between %d and %d ms, got %d",
			MinTimeLimitMS, MaxTimeLimitMS, timeLimitMS))
	}
	if memoryLimitMB < MinMemoryMB || memoryLimitMB > MaxMemoryMB {
		violations = append(violations, fmt.Sprintf(
			"memory_limit must be between %d and %d MB, got %d",
			MinMemoryMB, MaxMemoryMB, memoryLimitMB))
	}
	return violations
}

// CheckAbuse applies the sliding-window rate limit and the
// consecutive-failure circuit for one session. The counters are derived on
// read from a fresh store query, not a separate counter.
//
// On store failure the gate fails OPEN: the admission proceeds and the
// failure is logged.
func (g *Gate) CheckAbuse(ctx context.Context, sessionID string) Decision {
	since := g.now().Add(-AbuseWindow)

	result, err := g.breaker.Execute(func() (any, error) {
		total, failed, err := g.store.RecentExecutionStats(ctx, sessionID, since)
		if err != nil {
			return nil, err
		}
		return [2]int{total, failed}, nil
	})
	if err != nil {
		g.logger.Warn("abuse check unavailable, failing open", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return Decision{Allowed: true}
	}

	counts := result.([2]int)
	total, failed := counts[0], counts[1]

	if total >= MaxExecutionsPerWindow {
		return Decision{
			Reason: fmt.Sprintf(
				"rate limit exceeded: %d executions in the last %s",
				total, AbuseWindow),
			RetryAfter: RetryAfterSeconds,
		}
	}
	if failed >= MaxFailuresPerWindow {
		return Decision{
			Reason: fmt.Sprintf(
				"too many failures: %d failed executions in the last %s",
				failed, AbuseWindow),
			RetryAfter: RetryAfterSeconds,
		}
	}
	return Decision{Allowed: true}
}
