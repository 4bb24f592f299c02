package tddflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.jetify.com/typeid"
)

// NewSessionID returns a new unique ID for a workflow session.
func NewSessionID() string {
	id, err := typeid.WithPrefix("tdd")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// SessionOptions configures a new lifecycle session.
type SessionOptions struct {
	// ProjectPath is the project being worked on. Required unless a
	// Checkpointer is supplied directly.
	ProjectPath string

	// Checkpointer overrides the default file store for the project.
	Checkpointer Checkpointer

	// RootDir and MaxBackups configure the default file store.
	RootDir    string
	MaxBackups int

	// Git is the repository collaborator. Required.
	Git GitClient

	// StatusUpdater propagates completed subtask/task statuses to the
	// external task store. Optional.
	StatusUpdater TaskStatusUpdater

	// Validator overrides the built-in RED/GREEN acceptance policy.
	Validator TestResultValidator

	Logger *slog.Logger
}

// Session is the lifecycle facade. It owns at most one live machine,
// wires the checkpoint store as the machine's persistence callback and an
// activity recorder as an event subscriber, and enforces the preconditions
// that sit outside the machine's concern.
type Session struct {
	id            string
	checkpointer  Checkpointer
	git           GitClient
	statusUpdater TaskStatusUpdater
	validator     TestResultValidator
	logger        *slog.Logger

	machine *Machine
	tag     string
}

// NewSession creates a lifecycle session bound to one checkpoint store.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Git == nil {
		return nil, fmt.Errorf("git client is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Checkpointer == nil {
		if opts.ProjectPath == "" {
			return nil, fmt.Errorf("project path is required")
		}
		cp, err := NewFileCheckpointer(FileCheckpointerOptions{
			ProjectPath: opts.ProjectPath,
			RootDir:     opts.RootDir,
			MaxBackups:  opts.MaxBackups,
			Logger:      opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		opts.Checkpointer = cp
	}
	id := NewSessionID()
	return &Session{
		id:            id,
		checkpointer:  opts.Checkpointer,
		git:           opts.Git,
		statusUpdater: opts.StatusUpdater,
		validator:     opts.Validator,
		logger:        opts.Logger.With("session_id", id),
	}, nil
}

// StartOptions configures a new workflow run.
type StartOptions struct {
	TaskID    string
	TaskTitle string
	Tag       string
	Subtasks  []SubtaskSpec

	// Force starts over even when a persisted workflow already exists.
	Force bool
}

// SessionStatus is a read-only view of the current workflow position.
type SessionStatus struct {
	SessionID      string       `json:"session_id"`
	TaskID         string       `json:"task_id"`
	Phase          Phase        `json:"phase"`
	TDDPhase       TDDPhase     `json:"tdd_phase,omitempty"`
	Branch         string       `json:"branch,omitempty"`
	Aborted        bool         `json:"aborted"`
	Progress       Progress     `json:"progress"`
	CurrentSubtask *SubtaskInfo `json:"current_subtask,omitempty"`
}

// Start begins a new workflow run: it verifies no workflow is already in
// flight (unless forced), checks the repository and working tree, builds
// the machine, and drives it through PREFLIGHT and BRANCH_SETUP into the
// subtask loop.
func (s *Session) Start(ctx context.Context, opts StartOptions) (*SessionStatus, error) {
	if opts.TaskID == "" {
		return nil, NewMachineError(ErrorTypePrecondition, "task id is required")
	}
	if len(opts.Subtasks) == 0 {
		return nil, NewMachineError(ErrorTypePrecondition, "at least one subtask is required")
	}

	if !opts.Force {
		_, err := s.checkpointer.LoadState(ctx)
		switch {
		case err == nil:
			return nil, NewMachineError(ErrorTypePrecondition,
				"a workflow already exists for this project; resume it or start with force")
		case errors.Is(err, ErrStateNotFound):
		case errors.Is(err, ErrStateCorrupt):
			return nil, NewMachineError(ErrorTypeCorruptState,
				"persisted workflow state is corrupt; start with force to discard it: %v", err)
		default:
			return nil, fmt.Errorf("failed to check for an existing workflow: %w", err)
		}
	}

	if !s.git.IsRepository() {
		return nil, NewMachineError(ErrorTypePrecondition, "project is not a git repository")
	}
	summary, err := s.git.StatusSummary()
	if err != nil {
		return nil, fmt.Errorf("failed to check working tree: %w", err)
	}
	if !summary.IsClean {
		return nil, NewMachineError(ErrorTypePrecondition,
			"working tree is not clean (%d dirty files)", summary.DirtyCount())
	}

	subtasks := make([]*SubtaskInfo, len(opts.Subtasks))
	startIndex := -1
	for i, spec := range opts.Subtasks {
		info := &SubtaskInfo{
			ID:          spec.ID,
			Title:       spec.Title,
			Status:      SubtaskStatusPending,
			MaxAttempts: spec.MaxAttempts,
		}
		if spec.Completed {
			info.Status = SubtaskStatusCompleted
		} else if startIndex < 0 {
			startIndex = i
		}
		subtasks[i] = info
	}
	if startIndex < 0 {
		return nil, NewMachineError(ErrorTypePrecondition, "no incomplete subtasks remain")
	}

	machine, err := s.buildMachine(opts.TaskID, subtasks, startIndex)
	if err != nil {
		return nil, err
	}
	s.machine = machine
	s.tag = opts.Tag

	if err := machine.HandleEvent(PreflightComplete()); err != nil {
		s.machine = nil
		return nil, err
	}

	branch := BranchName(opts.TaskID, opts.TaskTitle, opts.Tag)
	current, err := s.git.CurrentBranch()
	if err != nil || current != branch {
		if err := s.git.CreateAndCheckoutBranch(branch); err != nil {
			s.machine = nil
			return nil, fmt.Errorf("failed to create branch %q: %w", branch, err)
		}
	}
	if err := machine.HandleEvent(BranchCreated(branch)); err != nil {
		s.machine = nil
		return nil, err
	}

	s.logger.Info("workflow started",
		"task_id", opts.TaskID, "branch", branch, "subtasks", len(subtasks))
	return s.Status(), nil
}

// Resume reconstructs the machine from the last persisted snapshot. It
// does not re-run PREFLIGHT or BRANCH_SETUP.
func (s *Session) Resume(ctx context.Context) (*SessionStatus, error) {
	state, err := s.checkpointer.LoadState(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrStateNotFound):
			return nil, NewMachineError(ErrorTypeStateNotFound, "no workflow to resume")
		case errors.Is(err, ErrStateCorrupt):
			return nil, NewMachineError(ErrorTypeCorruptState, "persisted workflow state is corrupt: %v", err)
		default:
			return nil, err
		}
	}
	if err := ValidateState(state); err != nil {
		return nil, err
	}

	machine, err := s.buildMachine(state.Context.TaskID, state.Context.Subtasks, 0)
	if err != nil {
		return nil, err
	}
	if err := machine.RestoreState(state); err != nil {
		return nil, err
	}
	s.machine = machine

	s.logger.Info("workflow resumed", "task_id", state.Context.TaskID,
		"phase", machine.Phase(), "tdd_phase", machine.TDDPhase())
	return s.Status(), nil
}

// CompletePhase maps the current inner sub-phase to its completion event.
// Only RED and GREEN complete this way; COMMIT must use Commit.
func (s *Session) CompletePhase(ctx context.Context, result *TestResult) error {
	machine, err := s.requireMachine()
	if err != nil {
		return err
	}
	switch machine.TDDPhase() {
	case TDDPhaseRed:
		return machine.HandleEvent(RedComplete(result))
	case TDDPhaseGreen:
		return machine.HandleEvent(GreenComplete(result))
	case TDDPhaseCommit:
		return NewMachineError(ErrorTypePrecondition, "the COMMIT phase completes through the commit operation")
	default:
		return NewMachineError(ErrorTypePrecondition, "no TDD phase active in %s", machine.Phase())
	}
}

// Commit completes the COMMIT sub-phase, then auto-advances to the next
// subtask or into FINALIZE based on the progress counters.
func (s *Session) Commit(ctx context.Context) error {
	machine, err := s.requireMachine()
	if err != nil {
		return err
	}
	var completedID string
	if st := machine.Context().CurrentSubtask(); st != nil {
		completedID = st.ID
	}
	if err := machine.HandleEvent(CommitComplete()); err != nil {
		return err
	}
	s.updateStatus(completedID, "done")
	return machine.HandleEvent(SubtaskComplete())
}

// Finalize is legal only from FINALIZE. It re-checks the working tree
// before allowing the terminal transition to COMPLETE.
func (s *Session) Finalize(ctx context.Context) error {
	machine, err := s.requireMachine()
	if err != nil {
		return err
	}
	if machine.Phase() != PhaseFinalize {
		return NewMachineError(ErrorTypePrecondition,
			"finalize requires the FINALIZE phase, workflow is in %s", machine.Phase())
	}
	summary, err := s.git.StatusSummary()
	if err != nil {
		return fmt.Errorf("failed to check working tree: %w", err)
	}
	if !summary.IsClean {
		return NewMachineError(ErrorTypePrecondition,
			"working tree is not clean: %d staged, %d modified, %d deleted, %d untracked",
			summary.Staged, summary.Modified, summary.Deleted, summary.Untracked)
	}
	if err := machine.HandleEvent(FinalizeComplete()); err != nil {
		return err
	}
	s.updateStatus(machine.Context().TaskID, "done")
	s.logger.Info("workflow complete")
	return nil
}

// Abort transitions the machine to aborted, deletes the persisted snapshot
// unconditionally, and drops the in-memory machine.
func (s *Session) Abort(ctx context.Context) error {
	if s.machine != nil {
		if err := s.machine.HandleEvent(Abort()); err != nil {
			return err
		}
	}
	if err := s.checkpointer.DeleteState(ctx); err != nil {
		return err
	}
	s.machine = nil
	s.logger.Info("workflow aborted and state deleted")
	return nil
}

// NextAction describes what should happen next, for a human or an agent.
type NextAction struct {
	Action       string   `json:"action"`
	Description  string   `json:"description"`
	Phase        Phase    `json:"phase,omitempty"`
	TDDPhase     TDDPhase `json:"tdd_phase,omitempty"`
	SubtaskID    string   `json:"subtask_id,omitempty"`
	SubtaskTitle string   `json:"subtask_title,omitempty"`
}

// NextAction is a pure read returning guidance for the current position.
func (s *Session) NextAction() *NextAction {
	if s.machine == nil {
		return &NextAction{
			Action:      "start",
			Description: "no active workflow; start a new one or resume a persisted one",
		}
	}
	action := &NextAction{Phase: s.machine.Phase(), TDDPhase: s.machine.TDDPhase()}
	if s.machine.Aborted() {
		action.Action = "start"
		action.Description = "workflow was aborted; start a new one"
		return action
	}

	subtask := s.machine.Context().CurrentSubtask()
	if subtask != nil {
		action.SubtaskID = subtask.ID
		action.SubtaskTitle = subtask.Title
	}
	label := "the active subtask"
	if subtask != nil {
		label = fmt.Sprintf("subtask %s", subtask.ID)
		if subtask.Title != "" {
			label += fmt.Sprintf(" (%s)", subtask.Title)
		}
	}

	switch s.machine.Phase() {
	case PhaseComplete:
		action.Action = "done"
		action.Description = "workflow is complete; nothing left to do"
	case PhaseFinalize:
		action.Action = "finalize"
		action.Description = "verify the working tree is clean, then finalize the workflow"
	case PhaseSubtaskLoop:
		switch s.machine.TDDPhase() {
		case TDDPhaseRed:
			action.Action = "write_failing_test"
			action.Description = fmt.Sprintf("write a failing test for %s, run the tests, and report the result", label)
		case TDDPhaseGreen:
			action.Action = "implement"
			action.Description = fmt.Sprintf("implement %s until the tests pass, then report the result", label)
		case TDDPhaseCommit:
			action.Action = "commit"
			action.Description = fmt.Sprintf("commit the changes for %s", label)
		}
	default:
		action.Action = "advance"
		action.Description = "complete workflow setup before entering the subtask loop"
	}
	return action
}

// Status returns a read-only view of the current workflow position.
func (s *Session) Status() *SessionStatus {
	status := &SessionStatus{SessionID: s.id}
	if s.machine == nil {
		return status
	}
	mctx := s.machine.Context()
	status.TaskID = mctx.TaskID
	status.Phase = s.machine.Phase()
	status.TDDPhase = s.machine.TDDPhase()
	status.Branch = mctx.Branch
	status.Aborted = s.machine.Aborted()
	status.Progress = s.machine.Progress()
	status.CurrentSubtask = mctx.CurrentSubtask()
	return status
}

// buildMachine constructs a machine wired for auto-persist and activity
// journaling.
func (s *Session) buildMachine(taskID string, subtasks []*SubtaskInfo, startIndex int) (*Machine, error) {
	machine, err := NewMachine(MachineOptions{
		TaskID:     taskID,
		Subtasks:   subtasks,
		StartIndex: startIndex,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}
	// The machine is synchronous and non-blocking; persistence runs with a
	// background context from inside the triggering call.
	machine.SetPersister(func(state *WorkflowState) error {
		return s.checkpointer.SaveState(context.Background(), state)
	})
	if locator, ok := s.checkpointer.(JournalLocator); ok {
		machine.Subscribe(NewActivityRecorder(locator.JournalPath(), s.logger))
	}
	if s.validator != nil {
		machine.SetValidator(s.validator)
	}
	return machine, nil
}

func (s *Session) requireMachine() (*Machine, error) {
	if s.machine == nil {
		return nil, NewMachineError(ErrorTypePrecondition, "no active workflow; start or resume first")
	}
	return s.machine, nil
}

// updateStatus propagates a status change to the external task store.
// Failures are logged, never fatal: the external store must not wedge the
// machine mid-advance.
func (s *Session) updateStatus(id, status string) {
	if s.statusUpdater == nil || id == "" {
		return
	}
	if err := s.statusUpdater.UpdateStatus(id, status, s.tag); err != nil {
		s.logger.Warn("failed to update task status", "id", id, "status", status, "error", err)
	}
}

// BranchName computes a deterministic branch name from the task identity.
func BranchName(taskID, title, tag string) string {
	prefix := "tdd"
	if tag != "" {
		prefix = slugify(tag)
	}
	name := "task-" + slugify(taskID)
	if t := slugify(title); t != "" {
		name += "-" + t
	}
	if len(name) > 60 {
		name = strings.TrimRight(name[:60], "-")
	}
	return prefix + "/" + name
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
