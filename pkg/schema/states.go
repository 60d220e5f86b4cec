package schema

// TaskState represents the lifecycle state of a task instance.
//
// FUTURE and LIKELY are speculative states used by navigation previews only;
// a live task instance is never persisted in either.
type TaskState string

const (
	TaskStateFuture    TaskState = "future"
	TaskStateLikely    TaskState = "likely"
	TaskStateWaiting   TaskState = "waiting"
	TaskStateReady     TaskState = "ready"
	TaskStateCompleted TaskState = "completed"
	TaskStateCancelled TaskState = "cancelled"
	TaskStateError     TaskState = "error"
)

// ValidTaskTransitions defines the allowed state transitions for task instances.
// COMPLETED, CANCELLED and ERROR are terminal: a loop-back creates a new
// sibling instance, it never revives a terminated one. Cancellation is legal
// from any non-terminal state (gateway-merge losers, explicit cancel).
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStateFuture:    {TaskStateReady, TaskStateWaiting, TaskStateCancelled},
	TaskStateLikely:    {TaskStateReady, TaskStateCancelled},
	TaskStateWaiting:   {TaskStateReady, TaskStateCancelled, TaskStateError},
	TaskStateReady:     {TaskStateWaiting, TaskStateCompleted, TaskStateCancelled, TaskStateError},
	TaskStateCompleted: {},
	TaskStateCancelled: {},
	TaskStateError:     {},
}

// IsTerminal reports whether s is a terminal task state.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateCancelled || s == TaskStateError
}

// IsLive reports whether s is a reached, non-terminal state.
func (s TaskState) IsLive() bool {
	return s == TaskStateReady || s == TaskStateWaiting
}

// CanTransition reports whether from -> to is a legal state transition.
func CanTransition(from, to TaskState) bool {
	for _, a := range ValidTaskTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
