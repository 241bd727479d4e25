package engine

import (
	"time"

	"github.com/rendis/opgraph/pkg/schema"
)

// Event is one entry of a run's ordered event stream.
type Event struct {
	Type         string           `json:"type"`
	RunID        string           `json:"run_id"`
	Sequence     int64            `json:"sequence"`
	Superstep    int              `json:"superstep"`
	ExecutorID   string           `json:"executor_id,omitempty"`
	Data         any              `json:"data,omitempty"`
	Outcome      schema.Outcome   `json:"outcome,omitempty"`
	CheckpointID string           `json:"checkpoint_id,omitempty"`
	Request      *InputRequest    `json:"request,omitempty"`
	Source       string           `json:"source,omitempty"`
	Target       string           `json:"target,omitempty"`
	Status       schema.RunStatus `json:"status,omitempty"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// EventsOfType filters events by type, preserving order.
func EventsOfType(events []Event, eventType string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

