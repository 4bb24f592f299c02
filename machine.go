package tddflow

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"
)

// GuardFunc gates entry into an outer phase. It is evaluated before any
// context mutation for the transition.
type GuardFunc func(ctx *WorkflowContext) bool

// Persister receives the machine state after every successful transition.
// A persist failure is a hard error surfaced to the caller of the
// triggering operation.
type Persister func(state *WorkflowState) error

// MachineOptions configures a new machine.
type MachineOptions struct {
	TaskID     string
	Subtasks   []*SubtaskInfo
	StartIndex int
	Metadata   map[string]any
	Logger     *slog.Logger
	Validator  TestResultValidator
	Persister  Persister
	Callbacks  []MachineCallbacks
}

// Machine is the TDD orchestration engine: a composite state machine with
// the five outer phases and the RED/GREEN/COMMIT inner loop.
//
// The machine is single-threaded and cooperative. Each operation runs to
// completion before returning, and every side effect (notifications, then
// persistence) is invoked synchronously from within the triggering call.
type Machine struct {
	phase     Phase
	context   *WorkflowContext
	aborted   bool
	guards    map[Phase]GuardFunc
	chain     *CallbackChain
	validator TestResultValidator
	persister Persister
	logger    *slog.Logger
}

// NewMachine creates a machine in PREFLIGHT with the given subtasks.
func NewMachine(opts MachineOptions) (*Machine, error) {
	if opts.TaskID == "" {
		return nil, NewMachineError(ErrorTypePrecondition, "task id is required")
	}
	if len(opts.Subtasks) == 0 {
		return nil, NewMachineError(ErrorTypePrecondition, "subtasks are required")
	}
	if opts.StartIndex < 0 || opts.StartIndex > len(opts.Subtasks) {
		return nil, NewMachineError(ErrorTypePrecondition, "start index %d out of range", opts.StartIndex)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Validator == nil {
		opts.Validator = DefaultValidator()
	}

	subtasks := make([]*SubtaskInfo, len(opts.Subtasks))
	for i, st := range opts.Subtasks {
		if st.ID == "" {
			return nil, NewMachineError(ErrorTypePrecondition, "subtask %d: id is required", i)
		}
		dup := st.Copy()
		if dup.Status == "" {
			dup.Status = SubtaskStatusPending
		}
		subtasks[i] = dup
	}

	m := &Machine{
		phase: PhasePreflight,
		context: &WorkflowContext{
			TaskID:              opts.TaskID,
			Subtasks:            subtasks,
			CurrentSubtaskIndex: opts.StartIndex,
			Errors:              []*WorkflowError{},
			Metadata:            opts.Metadata,
		},
		guards:    map[Phase]GuardFunc{},
		chain:     NewCallbackChain(opts.Callbacks...),
		validator: opts.Validator,
		persister: opts.Persister,
		logger:    opts.Logger.With("task_id", opts.TaskID),
	}
	return m, nil
}

// Subscribe adds a notification subscriber. Subscribers are invoked
// synchronously in subscription order.
func (m *Machine) Subscribe(cb MachineCallbacks) {
	m.chain.Add(cb)
}

// RegisterGuard installs a predicate gating entry into the given phase.
func (m *Machine) RegisterGuard(phase Phase, guard GuardFunc) {
	m.guards[phase] = guard
}

// SetPersister installs the persistence callback invoked after every
// successful transition.
func (m *Machine) SetPersister(p Persister) {
	m.persister = p
}

// SetValidator replaces the RED/GREEN acceptance policy.
func (m *Machine) SetValidator(v TestResultValidator) {
	if v == nil {
		v = DefaultValidator()
	}
	m.validator = v
	m.chain.OnAdapterConfigured("test-result-validator")
}

// Phase returns the current outer phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// TDDPhase returns the current inner sub-phase, or TDDPhaseNone outside the
// subtask loop.
func (m *Machine) TDDPhase() TDDPhase {
	return m.context.TDDPhase
}

// Aborted reports whether the workflow was aborted.
func (m *Machine) Aborted() bool {
	return m.aborted
}

// Context returns a deep copy of the workflow context. The live context is
// never exposed so external mutation cannot desynchronize persisted and
// in-memory state.
func (m *Machine) Context() *WorkflowContext {
	return m.context.Copy()
}

// State returns a snapshot sufficient to reconstruct the machine.
func (m *Machine) State() *WorkflowState {
	return &WorkflowState{Phase: m.phase, Context: m.context.Copy()}
}

// RestoreState replaces the machine's phase and context from a snapshot.
// The snapshot is structurally validated first.
func (m *Machine) RestoreState(state *WorkflowState) error {
	if err := ValidateState(state); err != nil {
		return err
	}
	dup := state.Copy()
	m.phase = dup.Phase
	m.context = dup.Context
	if m.phase != PhaseSubtaskLoop {
		m.context.TDDPhase = TDDPhaseNone
	} else if m.context.TDDPhase == TDDPhaseNone {
		m.context.TDDPhase = TDDPhaseRed
	}
	if m.context.Errors == nil {
		m.context.Errors = []*WorkflowError{}
	}
	m.aborted = false
	m.logger.Debug("state restored", "phase", m.phase, "tdd_phase", m.context.TDDPhase)
	return nil
}

// CanResumeFromState reports whether a snapshot passes structural
// validation and can be trusted for resume.
func (m *Machine) CanResumeFromState(state *WorkflowState) bool {
	return ValidateState(state) == nil
}

// Progress reports subtask completion counters.
func (m *Machine) Progress() Progress {
	return computeProgress(m.context)
}

// HandleEvent applies one transition trigger. On success the machine
// persists its state through the configured persister; persistence failures
// are hard errors.
func (m *Machine) HandleEvent(event Event) error {
	if m.aborted && event.Type != EventAbort {
		return NewMachineError(ErrorTypeAborted, "workflow aborted, %s rejected", event.Type)
	}

	var err error
	switch event.Type {
	case EventAbort:
		err = m.handleAbort()
	case EventErrorOccurred:
		err = m.handleError(event)
	case EventRetry:
		err = m.handleRetry()
	case EventPreflightComplete:
		if m.phase != PhasePreflight {
			err = m.rejectEvent(event)
		} else {
			err = m.transitionTo(PhaseBranchSetup)
		}
	case EventBranchCreated:
		err = m.handleBranchCreated(event)
	case EventRedComplete:
		err = m.handleRedComplete(event)
	case EventGreenComplete:
		err = m.handleGreenComplete(event)
	case EventCommitComplete:
		err = m.handleCommitComplete()
	case EventSubtaskComplete:
		err = m.handleSubtaskComplete()
	case EventAllSubtasksComplete:
		err = m.handleAllSubtasksComplete()
	case EventFinalizeComplete:
		if m.phase != PhaseFinalize {
			err = m.rejectEvent(event)
		} else {
			err = m.transitionTo(PhaseComplete)
		}
	default:
		err = NewMachineError(ErrorTypeInvalidTransition, "unknown event %q", event.Type)
	}
	if err != nil {
		return err
	}
	return m.persist()
}

// IncrementAttempts increments the attempt counter of the active subtask.
// It is deliberately separate from Retry, which never touches counters.
func (m *Machine) IncrementAttempts() error {
	if m.aborted {
		return NewMachineError(ErrorTypeAborted, "workflow aborted")
	}
	st := m.activeSubtask()
	if st == nil {
		return NewMachineError(ErrorTypePrecondition, "no active subtask")
	}
	st.Attempts++
	return m.persist()
}

// HasExceededMaxAttempts reports whether the active subtask's attempts
// strictly exceed its configured maximum. Always false when no maximum is
// set. Exceeding the limit is the caller's cue to call MarkSubtaskFailed;
// the machine never does so automatically.
func (m *Machine) HasExceededMaxAttempts() bool {
	st := m.activeSubtask()
	if st == nil || st.MaxAttempts <= 0 {
		return false
	}
	return st.Attempts > st.MaxAttempts
}

// MarkSubtaskFailed marks the active subtask failed and notifies
// subscribers. It does not advance the index; what happens next is the
// caller's decision.
func (m *Machine) MarkSubtaskFailed(reason string) error {
	if m.aborted {
		return NewMachineError(ErrorTypeAborted, "workflow aborted")
	}
	st := m.activeSubtask()
	if st == nil {
		return NewMachineError(ErrorTypePrecondition, "no active subtask")
	}
	st.Status = SubtaskStatusFailed
	m.chain.OnSubtaskFailed(st.Copy(), reason)
	m.logger.Info("subtask failed", "subtask_id", st.ID, "reason", reason)
	return m.persist()
}

func (m *Machine) activeSubtask() *SubtaskInfo {
	if m.phase != PhaseSubtaskLoop {
		return nil
	}
	return m.context.CurrentSubtask()
}

func (m *Machine) handleAbort() error {
	m.aborted = true
	m.chain.OnAborted(m.phase)
	m.logger.Info("workflow aborted", "phase", m.phase)
	return nil
}

func (m *Machine) handleError(event Event) error {
	if event.Err == nil {
		return NewMachineError(ErrorTypeMissingInput, "error event requires an error record")
	}
	rec := *event.Err
	if rec.Phase == "" {
		rec.Phase = m.phase
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.context.Errors = append(m.context.Errors, &rec)
	m.chain.OnErrorOccurred(&rec)
	return nil
}

func (m *Machine) handleRetry() error {
	if m.phase != PhaseSubtaskLoop {
		return m.rejectEvent(Retry())
	}
	m.context.TDDPhase = TDDPhaseRed
	if st := m.context.CurrentSubtask(); st != nil {
		m.chain.OnTDDPhaseStarted(TDDPhaseRed, st.Copy())
	}
	return nil
}

func (m *Machine) handleBranchCreated(event Event) error {
	if m.phase != PhaseBranchSetup {
		return m.rejectEvent(event)
	}
	if event.Branch == "" {
		return NewMachineError(ErrorTypeMissingInput, "branch name is required")
	}
	// Guard for the next phase runs before the branch is recorded.
	if err := m.checkGuard(PhaseSubtaskLoop); err != nil {
		return err
	}
	m.context.Branch = event.Branch
	m.chain.OnBranchCreated(event.Branch)
	m.enterPhase(PhaseSubtaskLoop)
	return nil
}

func (m *Machine) handleRedComplete(event Event) error {
	if m.phase != PhaseSubtaskLoop || m.context.TDDPhase != TDDPhaseRed {
		return m.rejectEvent(event)
	}
	if event.TestResult == nil {
		return NewMachineError(ErrorTypeMissingInput, "red completion requires a test result")
	}
	// A restored snapshot may put the loop at an exhausted index.
	st := m.context.CurrentSubtask()
	if st == nil {
		return NewMachineError(ErrorTypePrecondition, "no active subtask")
	}
	result := event.TestResult.Copy()
	result.Phase = "red"
	m.context.LastTestResult = result

	if m.validator.RedPassing(result) {
		// Zero failures in RED means the subtask is already implemented:
		// complete it immediately, skipping GREEN and COMMIT.
		st.Status = SubtaskStatusCompleted
		m.logger.Info("red phase found no failures, subtask already implemented",
			"subtask_id", st.ID)
		return m.advanceSubtask()
	}
	m.setTDDPhase(TDDPhaseGreen)
	return nil
}

func (m *Machine) handleGreenComplete(event Event) error {
	if m.phase != PhaseSubtaskLoop || m.context.TDDPhase != TDDPhaseGreen {
		return m.rejectEvent(event)
	}
	if event.TestResult == nil {
		return NewMachineError(ErrorTypeMissingInput, "green completion requires a test result")
	}
	if m.context.CurrentSubtask() == nil {
		return NewMachineError(ErrorTypePrecondition, "no active subtask")
	}
	if !m.validator.GreenPassing(event.TestResult) {
		return NewMachineError(ErrorTypePolicyViolation,
			"green phase requires passing tests: %d failed", event.TestResult.Failed)
	}
	result := event.TestResult.Copy()
	result.Phase = "green"
	m.context.LastTestResult = result
	m.setTDDPhase(TDDPhaseCommit)
	return nil
}

func (m *Machine) handleCommitComplete() error {
	if m.phase != PhaseSubtaskLoop || m.context.TDDPhase != TDDPhaseCommit {
		return m.rejectEvent(CommitComplete())
	}
	st := m.context.CurrentSubtask()
	if st == nil {
		return NewMachineError(ErrorTypePrecondition, "no active subtask")
	}
	st.Status = SubtaskStatusCompleted
	m.chain.OnProgressUpdated(m.Progress())
	return nil
}

func (m *Machine) handleSubtaskComplete() error {
	if m.phase != PhaseSubtaskLoop {
		return m.rejectEvent(SubtaskComplete())
	}
	return m.advanceSubtask()
}

func (m *Machine) handleAllSubtasksComplete() error {
	if m.phase != PhaseSubtaskLoop {
		return m.rejectEvent(AllSubtasksComplete())
	}
	if err := m.checkGuard(PhaseFinalize); err != nil {
		return err
	}
	m.context.CurrentSubtaskIndex = len(m.context.Subtasks)
	m.enterPhase(PhaseFinalize)
	return nil
}

// advanceSubtask moves the index forward, skipping subtasks completed in a
// prior run, then either starts the next subtask at RED or leaves the loop.
func (m *Machine) advanceSubtask() error {
	c := m.context
	c.CurrentSubtaskIndex++
	for c.CurrentSubtask() != nil && c.CurrentSubtask().Status == SubtaskStatusCompleted {
		c.CurrentSubtaskIndex++
	}
	m.chain.OnProgressUpdated(m.Progress())

	st := c.CurrentSubtask()
	if st == nil {
		return m.transitionTo(PhaseFinalize)
	}
	c.TDDPhase = TDDPhaseRed
	m.chain.OnSubtaskStarted(st.Copy())
	m.chain.OnTDDPhaseStarted(TDDPhaseRed, st.Copy())
	m.logger.Debug("subtask started", "subtask_id", st.ID, "index", c.CurrentSubtaskIndex)
	return nil
}

func (m *Machine) setTDDPhase(phase TDDPhase) {
	m.context.TDDPhase = phase
	if st := m.context.CurrentSubtask(); st != nil {
		m.chain.OnTDDPhaseStarted(phase, st.Copy())
	}
}

func (m *Machine) transitionTo(next Phase) error {
	if err := m.checkGuard(next); err != nil {
		return err
	}
	m.enterPhase(next)
	return nil
}

// enterPhase performs the exited/entered notification pair and maintains
// the sub-phase invariant: a sub-phase is set only inside SUBTASK_LOOP.
func (m *Machine) enterPhase(next Phase) {
	prev := m.phase
	m.chain.OnPhaseExited(prev)
	m.phase = next
	if next == PhaseSubtaskLoop {
		m.context.TDDPhase = TDDPhaseRed
	} else {
		m.context.TDDPhase = TDDPhaseNone
	}
	m.chain.OnPhaseEntered(next)
	m.logger.Debug("phase transition", "from", prev, "to", next)

	if next == PhaseSubtaskLoop {
		if st := m.context.CurrentSubtask(); st != nil {
			m.chain.OnSubtaskStarted(st.Copy())
			m.chain.OnTDDPhaseStarted(TDDPhaseRed, st.Copy())
		}
	}
}

func (m *Machine) checkGuard(next Phase) error {
	guard, ok := m.guards[next]
	if !ok {
		return nil
	}
	if !guard(m.context.Copy()) {
		return NewMachineError(ErrorTypeGuardRejected, "guard rejected entry into %s", next)
	}
	return nil
}

func (m *Machine) rejectEvent(event Event) error {
	where := string(m.phase)
	if m.phase == PhaseSubtaskLoop && m.context.TDDPhase != TDDPhaseNone {
		where = fmt.Sprintf("%s/%s", m.phase, m.context.TDDPhase)
	}
	return NewMachineError(ErrorTypeInvalidTransition, "event %s not valid in %s", event.Type, where)
}

func (m *Machine) persist() error {
	if m.persister == nil {
		return nil
	}
	if err := m.persister(m.State()); err != nil {
		return fmt.Errorf("failed to persist workflow state: %w", err)
	}
	return nil
}

// Progress reports subtask completion counters for one workflow run.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Current    int `json:"current"`
	Percentage int `json:"percentage"`
}

func computeProgress(ctx *WorkflowContext) Progress {
	completed := 0
	for _, st := range ctx.Subtasks {
		if st.Status == SubtaskStatusCompleted {
			completed++
		}
	}
	total := len(ctx.Subtasks)
	p := Progress{
		Completed: completed,
		Total:     total,
		Current:   ctx.CurrentSubtaskIndex + 1,
	}
	if total > 0 {
		p.Percentage = int(math.Round(100 * float64(completed) / float64(total)))
	}
	return p
}
