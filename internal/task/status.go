package task

// Status is the coarse lifecycle state of a task.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Phase is a finer-grained marker updated alongside or independently of
// Status. It exists for observability only and carries no transition rules.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseInitializing  Phase = "initializing"
	PhaseExecuting     Phase = "executing"
	PhaseToolExecuting Phase = "tool_executing"
	PhaseCleanup       Phase = "cleanup"
)

// validTransitions maps each status to the set of statuses it may move to.
// Completed, failed and cancelled are terminal: no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// canTransition reports whether from → to is present in the transition table.
func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
