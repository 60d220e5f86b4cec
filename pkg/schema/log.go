package schema

// Event type constants for the append-only engine event log.
const (
	EventProcessStarted   = "process_started"
	EventProcessCompleted = "process_completed"
	EventProcessCancelled = "process_cancelled"

	EventTaskReady     = "task_ready"
	EventTaskWaiting   = "task_waiting"
	EventTaskCompleted = "task_completed"
	EventTaskCancelled = "task_cancelled"
	EventTaskError     = "task_error"

	EventSubprocessStarted   = "subprocess_started"
	EventSubprocessCompleted = "subprocess_completed"

	EventMessageCaught   = "message_caught"
	EventMessageQueued   = "message_queued"
	EventTimerFired      = "timer_fired"
	EventCorrelationSet  = "correlation_set"
	EventInstanceReset   = "instance_reset"
	EventBoundaryTripped = "boundary_tripped"
)
