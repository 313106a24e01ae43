package streaming

import (
	"context"
	"time"
)

// ProgressEvent is a real-time event emitted while a plan executes:
// step lifecycle, retries, decision outcomes, loop iterations.
type ProgressEvent struct {
	PlanID    string    `json:"plan_id"`
	StepID    string    `json:"step_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	PlanID     string   `json:"plan_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for execution progress events.
type EventHub interface {
	Publish(ctx context.Context, event ProgressEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ProgressEvent, func(), error)
}
