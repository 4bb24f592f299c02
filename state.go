package tddflow

import "time"

// WorkflowState is a complete snapshot of the machine, sufficient to resume
// with no other input. It is the unit of persistence.
type WorkflowState struct {
	Phase   Phase            `json:"phase"`
	Context *WorkflowContext `json:"context"`
}

// Copy returns a deep copy of the state.
func (s *WorkflowState) Copy() *WorkflowState {
	dup := &WorkflowState{Phase: s.Phase}
	if s.Context != nil {
		dup.Context = s.Context.Copy()
	}
	return dup
}

// StateBackup is an immutable snapshot in the store's rotating backup set.
// Name is the store-assigned identifier used to restore it.
type StateBackup struct {
	Name      string         `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
	State     *WorkflowState `json:"state"`
}

// ValidateState structurally validates a snapshot before it is trusted: the
// phase must be one of the five known values and the context must carry a
// task id, a subtask array, an in-range index, and an error array.
func ValidateState(state *WorkflowState) error {
	if state == nil {
		return NewMachineError(ErrorTypeCorruptState, "state is nil")
	}
	if !IsValidPhase(state.Phase) {
		return NewMachineError(ErrorTypeCorruptState, "unknown phase %q", state.Phase)
	}
	ctx := state.Context
	if ctx == nil {
		return NewMachineError(ErrorTypeCorruptState, "context missing")
	}
	if ctx.TaskID == "" {
		return NewMachineError(ErrorTypeCorruptState, "task id missing")
	}
	if ctx.Subtasks == nil {
		return NewMachineError(ErrorTypeCorruptState, "subtask array missing")
	}
	if ctx.CurrentSubtaskIndex < 0 || ctx.CurrentSubtaskIndex > len(ctx.Subtasks) {
		return NewMachineError(ErrorTypeCorruptState,
			"subtask index %d out of range [0, %d]", ctx.CurrentSubtaskIndex, len(ctx.Subtasks))
	}
	if ctx.Errors == nil {
		return NewMachineError(ErrorTypeCorruptState, "error array missing")
	}
	return nil
}
