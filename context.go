package tddflow

import "time"

// SubtaskStatus tracks the lifecycle of a single subtask.
type SubtaskStatus string

const (
	SubtaskStatusPending   SubtaskStatus = "pending"
	SubtaskStatusCompleted SubtaskStatus = "completed"
	SubtaskStatusFailed    SubtaskStatus = "failed"
)

// SubtaskSpec is the caller-supplied description of one subtask. Completed
// marks subtasks that were finished in a prior run so a restarted workflow
// skips them.
type SubtaskSpec struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Completed   bool   `json:"completed,omitempty" yaml:"completed,omitempty"`
}

// SubtaskInfo is the machine's record of one subtask. Status only moves
// forward: pending to completed, or pending to failed. MaxAttempts of zero
// means no limit is configured.
type SubtaskInfo struct {
	ID          string        `json:"id"`
	Title       string        `json:"title,omitempty"`
	Status      SubtaskStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
}

// Copy returns a copy of the subtask info.
func (s *SubtaskInfo) Copy() *SubtaskInfo {
	dup := *s
	return &dup
}

// TestResult summarizes one test run fed into the machine. Phase tags which
// sub-phase the run belongs to ("red" or "green").
type TestResult struct {
	Total   int    `json:"total"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Phase   string `json:"phase,omitempty"`
}

// Copy returns a copy of the test result.
func (r *TestResult) Copy() *TestResult {
	dup := *r
	return &dup
}

// WorkflowError is a recorded error in the workflow context. It is a data
// record, not a Go error; machine failures surface as MachineError instead.
type WorkflowError struct {
	Phase       Phase     `json:"phase"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// WorkflowContext is the mutable state threaded through the machine. It is
// designed to be fully JSON serializable.
type WorkflowContext struct {
	TaskID              string           `json:"task_id"`
	Subtasks            []*SubtaskInfo   `json:"subtasks"`
	CurrentSubtaskIndex int              `json:"current_subtask_index"`
	Errors              []*WorkflowError `json:"errors"`
	Metadata            map[string]any   `json:"metadata,omitempty"`
	Branch              string           `json:"branch,omitempty"`
	LastTestResult      *TestResult      `json:"last_test_result,omitempty"`
	TDDPhase            TDDPhase         `json:"tdd_phase,omitempty"`
}

// Copy returns a deep copy of the workflow context.
func (c *WorkflowContext) Copy() *WorkflowContext {
	subtasks := make([]*SubtaskInfo, len(c.Subtasks))
	for i, s := range c.Subtasks {
		subtasks[i] = s.Copy()
	}
	errs := make([]*WorkflowError, len(c.Errors))
	for i, e := range c.Errors {
		dup := *e
		errs[i] = &dup
	}
	dup := &WorkflowContext{
		TaskID:              c.TaskID,
		Subtasks:            subtasks,
		CurrentSubtaskIndex: c.CurrentSubtaskIndex,
		Errors:              errs,
		Branch:              c.Branch,
		TDDPhase:            c.TDDPhase,
	}
	if c.Metadata != nil {
		dup.Metadata = copyMap(c.Metadata)
	}
	if c.LastTestResult != nil {
		dup.LastTestResult = c.LastTestResult.Copy()
	}
	return dup
}

// CurrentSubtask returns the subtask at the current index, or nil once the
// index has moved past the last subtask.
func (c *WorkflowContext) CurrentSubtask() *SubtaskInfo {
	if c.CurrentSubtaskIndex < 0 || c.CurrentSubtaskIndex >= len(c.Subtasks) {
		return nil
	}
	return c.Subtasks[c.CurrentSubtaskIndex]
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	dup := make(map[string]any, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}
