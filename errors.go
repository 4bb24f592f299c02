package tddflow

import (
	"errors"
	"fmt"
)

// Error type constants for classification and matching
const (
	// ErrorTypeInvalidTransition indicates no edge matches the event in the
	// current phase.
	ErrorTypeInvalidTransition = "invalid_transition"

	// ErrorTypeMissingInput indicates a phase completion lacked required
	// data, such as a RED completion without a test result.
	ErrorTypeMissingInput = "missing_input"

	// ErrorTypePolicyViolation indicates a test result contradicts the
	// phase rule, such as a GREEN completion with failing tests.
	ErrorTypePolicyViolation = "policy_violation"

	// ErrorTypeGuardRejected indicates a phase-entry guard returned false.
	ErrorTypeGuardRejected = "guard_rejected"

	// ErrorTypeAborted indicates an operation arrived after the workflow
	// was aborted.
	ErrorTypeAborted = "aborted"

	// ErrorTypeStateNotFound indicates no persisted snapshot exists.
	ErrorTypeStateNotFound = "state_not_found"

	// ErrorTypeCorruptState indicates a persisted snapshot could not be
	// parsed or failed structural validation.
	ErrorTypeCorruptState = "corrupt_state"

	// ErrorTypePrecondition indicates a lifecycle precondition failed:
	// dirty working tree, pre-existing workflow, no incomplete subtasks, or
	// the wrong phase for the requested operation.
	ErrorTypePrecondition = "precondition_failed"
)

// Sentinel errors surfaced by checkpoint stores. Both wrap into
// MachineError values by the lifecycle service.
var (
	ErrStateNotFound = errors.New("workflow state not found")
	ErrStateCorrupt  = errors.New("workflow state corrupt")
)

// MachineError is a structured error with classification. It supports Go's
// error wrapping patterns with Unwrap().
type MachineError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *MachineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *MachineError) Unwrap() error {
	return e.Wrapped
}

// NewMachineError creates a new MachineError with the given type and cause.
func NewMachineError(errorType, format string, args ...any) *MachineError {
	return &MachineError{
		Type:  errorType,
		Cause: fmt.Sprintf(format, args...),
	}
}

// IsErrorType reports whether err is a MachineError of the given type.
func IsErrorType(err error, errorType string) bool {
	var mErr *MachineError
	if errors.As(err, &mErr) {
		return mErr.Type == errorType
	}
	return false
}
