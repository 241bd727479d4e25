package schema

// Event type constants for the run event stream.
const (
	EventExecutorInvoked   = "executor_invoked"
	EventExecutorCompleted = "executor_completed"
	EventExecutorFailed    = "executor_failed"
	EventOutput            = "output"
	EventCheckpoint        = "checkpoint"
	EventUserInputRequest  = "user_input_request"
	EventHandoffSent       = "handoff_sent"
	EventStatus            = "status"

	EventSuperstepStarted   = "superstep_started"
	EventSuperstepCompleted = "superstep_completed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending                 RunStatus = "pending"
	RunStatusRunning                 RunStatus = "running"
	RunStatusIdle                    RunStatus = "idle"
	RunStatusIdleWithPendingRequests RunStatus = "idle_with_pending_request"
	RunStatusTerminated              RunStatus = "terminated"
	RunStatusFailed                  RunStatus = "failed"
)

// IsFinal reports whether no further progress is possible from this status.
func (s RunStatus) IsFinal() bool {
	return s == RunStatusTerminated || s == RunStatusFailed
}

// Outcome is the three-way result of a single executor invocation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeYielded   Outcome = "yielded"
	OutcomeSuspended Outcome = "suspended"
	OutcomeFailed    Outcome = "failed"
)
