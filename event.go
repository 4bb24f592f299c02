package tddflow

// EventType identifies a transition trigger.
type EventType string

const (
	EventPreflightComplete   EventType = "preflight_complete"
	EventBranchCreated       EventType = "branch_created"
	EventRedComplete         EventType = "red_phase_complete"
	EventGreenComplete       EventType = "green_phase_complete"
	EventCommitComplete      EventType = "commit_complete"
	EventSubtaskComplete     EventType = "subtask_complete"
	EventAllSubtasksComplete EventType = "all_subtasks_complete"
	EventFinalizeComplete    EventType = "finalize_complete"
	EventErrorOccurred       EventType = "error"
	EventAbort               EventType = "abort"
	EventRetry               EventType = "retry"
)

// Event is an immutable transition trigger. Exactly one is consumed per
// HandleEvent call. Only the fields relevant to the event type are set.
type Event struct {
	Type       EventType
	Branch     string
	TestResult *TestResult
	Err        *WorkflowError
}

// PreflightComplete signals that preflight checks finished.
func PreflightComplete() Event {
	return Event{Type: EventPreflightComplete}
}

// BranchCreated signals that the working branch exists and is checked out.
func BranchCreated(branch string) Event {
	return Event{Type: EventBranchCreated, Branch: branch}
}

// RedComplete signals a finished RED test run.
func RedComplete(result *TestResult) Event {
	return Event{Type: EventRedComplete, TestResult: result}
}

// GreenComplete signals a finished GREEN test run.
func GreenComplete(result *TestResult) Event {
	return Event{Type: EventGreenComplete, TestResult: result}
}

// CommitComplete signals that the active subtask's work was committed.
func CommitComplete() Event {
	return Event{Type: EventCommitComplete}
}

// SubtaskComplete advances past the active subtask.
func SubtaskComplete() Event {
	return Event{Type: EventSubtaskComplete}
}

// AllSubtasksComplete moves the machine out of the subtask loop.
func AllSubtasksComplete() Event {
	return Event{Type: EventAllSubtasksComplete}
}

// FinalizeComplete signals that finalization finished.
func FinalizeComplete() Event {
	return Event{Type: EventFinalizeComplete}
}

// ErrorOccurred records an error without changing phase.
func ErrorOccurred(err *WorkflowError) Event {
	return Event{Type: EventErrorOccurred, Err: err}
}

// Abort terminally aborts the workflow.
func Abort() Event {
	return Event{Type: EventAbort}
}

// Retry resets the inner sub-phase to RED for another attempt.
func Retry() Event {
	return Event{Type: EventRetry}
}
