package streaming

import "context"

// StreamEvent is a live event published while a run executes.
type StreamEvent struct {
	RunID      string `json:"run_id"`
	ExecutorID string `json:"executor_id,omitempty"`
	EventType  string `json:"event_type"`
	Sequence   int64  `json:"sequence"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter selects the events a subscriber receives. Zero fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	ExecutorID string   `json:"executor_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case f.ExecutorID != "" && f.ExecutorID != e.ExecutorID:
		return false
	case len(f.EventTypes) == 0:
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// EventHub fans run events out to live subscribers.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
