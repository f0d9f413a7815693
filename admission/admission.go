// Package admission turns a run request into a durable execution record and
// a queued job. Pre-admission failures surface synchronously; everything
// after the row insert is recorded on the row instead.
package admission

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/emberworks-io/crucible/gate"
	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/metrics"
	"github.com/emberworks-io/crucible/queue"
	"github.com/emberworks-io/crucible/store"
	"github.com/emberworks-io/crucible/types"
)

// Store is the durable-store surface admission depends on.
type Store interface {
	GetSessionWithLanguage(ctx context.Context, id string) (*store.SessionWithLanguage, error)
	InsertExecution(ctx context.Context, id, sessionID string) error
	MarkFailed(ctx context.Context, id, stderr string) error
}

// Queue is the enqueue surface admission depends on.
type Queue interface {
	Enqueue(ctx context.Context, payload types.JobPayload, opts *queue.EnqueueOptions) error
}

// Events is the lifecycle-event surface admission depends on.
type Events interface {
	AppendEvent(ctx context.Context, event types.LifecycleEvent) error
}

// Gate is the safety-check surface admission depends on.
type Gate interface {
	ValidateParams(timeLimitMS, memoryLimitMB int) []string
	CheckAbuse(ctx context.Context, sessionID string) gate.Decision
	ScanLoopPatterns(source, runtimeKey string) (bool, string)
}

// Service implements execution admission.
type Service struct {
	store   Store
	queue   Queue
	events  Events
	gate    Gate
	logger  *log.Logger
	metrics *metrics.Metrics
}

// New creates the admission service. metrics may be nil.
func New(st Store, q Queue, ev Events, g Gate, logger *log.Logger, m *metrics.Metrics) *Service {
	return &Service{store: st, queue: q, events: ev, gate: g, logger: logger, metrics: m}
}

// Result is the synchronous admission response.
type Result struct {
	ExecutionID string
	Status      types.ExecutionStatus
}

// Submit admits one run request. The check order is fixed: parameter bounds
// first (cheapest, best error), then the abuse gate, then the session fetch,
// then the advisory loop scan. The execution row must exist before the job
// is enqueued; if the enqueue fails afterwards, the row is marked FAILED
// before the error surfaces, so the durable store stays authoritative.
func (s *Service) Submit(ctx context.Context, sessionID string, timeLimitMS, memoryLimitMB int) (*Result, error) {
	if violations := s.gate.ValidateParams(timeLimitMS, memoryLimitMB); len(violations) > 0 {
		s.metrics.IncAdmission("invalid_parameter")
		return nil, types.E(types.KindInvalidParameter, joinViolations(violations))
	}

	if decision := s.gate.CheckAbuse(ctx, sessionID); !decision.Allowed {
		s.metrics.IncAdmission("rate_limited")
		return nil, &types.Error{
			Kind:       types.KindRateLimited,
			Message:    decision.Reason,
			RetryAfter: decision.RetryAfter,
		}
	}

	swl, err := s.store.GetSessionWithLanguage(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.IncAdmission("session_not_found")
			return nil, types.Ef(types.KindSessionNotFound, "session %s not found", sessionID)
		}
		s.metrics.IncAdmission("error")
		return nil, types.Wrap(types.KindInternal, "load session", err)
	}
	if swl.Session.Status != types.SessionActive {
		s.metrics.IncAdmission("session_closed")
		return nil, types.Ef(types.KindSessionClosed, "session %s is closed", sessionID)
	}

	if detected, pattern := s.gate.ScanLoopPatterns(swl.Session.SourceCode, swl.Language.Runtime); detected {
		// Advisory only; the runner's wall clock is the real safeguard.
		s.logger.Warn("loop pattern detected in submitted source", map[string]any{
			"session_id": sessionID,
			"runtime":    swl.Language.Runtime,
			"pattern":    pattern,
		})
	}

	executionID := uuid.NewString()

	if err := s.store.InsertExecution(ctx, executionID, sessionID); err != nil {
		s.metrics.IncAdmission("error")
		return nil, types.Wrap(types.KindInternal, "create execution record", err)
	}

	s.appendEvent(ctx, executionID, string(types.ExecutionQueued), map[string]any{
		"session_id":      sessionID,
		"time_limit_ms":   timeLimitMS,
		"memory_limit_mb": memoryLimitMB,
	})

	payload := types.JobPayload{
		ExecutionID:   executionID,
		SessionID:     sessionID,
		TimeLimitMS:   timeLimitMS,
		MemoryLimitMB: memoryLimitMB,
	}
	if err := s.queue.Enqueue(ctx, payload, nil); err != nil {
		// Never strand a QUEUED row with no job behind it.
		if markErr := s.store.MarkFailed(ctx, executionID, "enqueue failed: "+err.Error()); markErr != nil {
			s.logger.Error("failed to mark execution after enqueue failure", map[string]any{
				"execution_id": executionID,
				"error":        markErr.Error(),
			})
		}
		s.metrics.IncAdmission("error")
		return nil, types.Wrap(types.KindInternal, "enqueue execution job", err)
	}

	s.metrics.IncAdmission("accepted")
	s.logger.Info("execution admitted", map[string]any{
		"execution_id":    executionID,
		"session_id":      sessionID,
		"time_limit_ms":   timeLimitMS,
		"memory_limit_mb": memoryLimitMB,
	})

	return &Result{ExecutionID: executionID, Status: types.ExecutionQueued}, nil
}

// appendEvent records a lifecycle breadcrumb; failures are logged only.
func (s *Service) appendEvent(ctx context.Context, executionID, stage string, meta map[string]any) {
	ev := types.NewLifecycleEvent(executionID, stage, meta)
	if err := s.events.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn("lifecycle event append failed", map[string]any{
			"execution_id": executionID,
			"stage":        stage,
			"error":        err.Error(),
		})
	}
}

func joinViolations(violations []string) string {
	msg := violations[0]
	for _, v := range violations[1:] {
		msg += "; " + v
	}
	return msg
}

// DefaultLimits fills zero-valued request limits from process defaults.
func DefaultLimits(timeLimitMS, memoryLimitMB, defaultTimeMS, defaultMemoryMB int) (int, int) {
	if timeLimitMS == 0 {
		timeLimitMS = defaultTimeMS
	}
	if memoryLimitMB == 0 {
		memoryLimitMB = defaultMemoryMB
	}
	return timeLimitMS, memoryLimitMB
}
