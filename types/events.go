package types

import "time"

// LifecycleEvent is an informational breadcrumb recorded in the ephemeral
// store as an execution moves through the pipeline. Lossy by design; events
// may be out-of-order across worker crashes and must not be relied on for
// correctness. The durable execution row is authoritative.
type LifecycleEvent struct {
	ExecutionID string         `json:"execution_id"`
	Stage       string         `json:"stage"`
	Timestamp   time.Time      `json:"timestamp"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// NewLifecycleEvent creates an event stamped with the current time.
func NewLifecycleEvent(executionID, stage string, meta map[string]any) LifecycleEvent {
	return LifecycleEvent{
		ExecutionID: executionID,
		Stage:       stage,
		Timestamp:   time.Now().UTC(),
		Meta:        meta,
	}
}
