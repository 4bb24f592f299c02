package tddflow

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeGit is an in-memory GitClient for session tests.
type fakeGit struct {
	isRepo  bool
	branch  string
	status  StatusSummary
	created []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{isRepo: true, branch: "main", status: StatusSummary{IsClean: true}}
}

func (g *fakeGit) IsRepository() bool             { return g.isRepo }
func (g *fakeGit) CurrentBranch() (string, error) { return g.branch, nil }

func (g *fakeGit) CreateAndCheckoutBranch(name string) error {
	g.created = append(g.created, name)
	g.branch = name
	return nil
}

func (g *fakeGit) StatusSummary() (*StatusSummary, error) {
	dup := g.status
	return &dup, nil
}

type fakeStatusUpdater struct {
	updates []string
}

func (u *fakeStatusUpdater) UpdateStatus(taskID, status, tag string) error {
	u.updates = append(u.updates, taskID+"="+status)
	return nil
}

func newTestSession(t *testing.T, git GitClient) *Session {
	t.Helper()
	s, err := NewSession(SessionOptions{
		ProjectPath: "/tmp/proj",
		RootDir:     t.TempDir(),
		Git:         git,
	})
	require.NoError(t, err)
	return s
}

func defaultStartOptions() StartOptions {
	return StartOptions{
		TaskID:    "1",
		TaskTitle: "Add user auth",
		Subtasks: []SubtaskSpec{
			{ID: "1.1", Title: "Add login"},
			{ID: "1.2", Title: "Add logout"},
		},
	}
}

func TestSessionStart(t *testing.T) {
	ctx := context.Background()
	git := newFakeGit()
	s := newTestSession(t, git)

	status, err := s.Start(ctx, defaultStartOptions())
	require.NoError(t, err)
	require.Equal(t, PhaseSubtaskLoop, status.Phase)
	require.Equal(t, TDDPhaseRed, status.TDDPhase)
	require.Equal(t, "tdd/task-1-add-user-auth", status.Branch)
	require.Equal(t, []string{"tdd/task-1-add-user-auth"}, git.created)
	require.Equal(t, "1.1", status.CurrentSubtask.ID)
}

func TestSessionStartPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("not a repository", func(t *testing.T) {
		git := newFakeGit()
		git.isRepo = false
		s := newTestSession(t, git)
		_, err := s.Start(ctx, defaultStartOptions())
		require.True(t, IsErrorType(err, ErrorTypePrecondition))
	})

	t.Run("dirty working tree", func(t *testing.T) {
		git := newFakeGit()
		git.status = StatusSummary{IsClean: false, Modified: 2, Untracked: 1}
		s := newTestSession(t, git)
		_, err := s.Start(ctx, defaultStartOptions())
		require.True(t, IsErrorType(err, ErrorTypePrecondition))
		require.Contains(t, err.Error(), "3 dirty files")
	})

	t.Run("all subtasks already completed", func(t *testing.T) {
		s := newTestSession(t, newFakeGit())
		opts := defaultStartOptions()
		for i := range opts.Subtasks {
			opts.Subtasks[i].Completed = true
		}
		_, err := s.Start(ctx, opts)
		require.True(t, IsErrorType(err, ErrorTypePrecondition))
	})

	t.Run("no subtasks", func(t *testing.T) {
		s := newTestSession(t, newFakeGit())
		_, err := s.Start(ctx, StartOptions{TaskID: "1"})
		require.True(t, IsErrorType(err, ErrorTypePrecondition))
	})
}

func TestSessionStartRejectsExistingWorkflow(t *testing.T) {
	ctx := context.Background()
	checkpointer := newTestCheckpointer(t)
	git := newFakeGit()
	s, err := NewSession(SessionOptions{Checkpointer: checkpointer, Git: git})
	require.NoError(t, err)

	_, err = s.Start(ctx, defaultStartOptions())
	require.NoError(t, err)

	// A second session against the same store must not clobber the workflow
	s2, err := NewSession(SessionOptions{Checkpointer: checkpointer, Git: git})
	require.NoError(t, err)
	_, err = s2.Start(ctx, defaultStartOptions())
	require.True(t, IsErrorType(err, ErrorTypePrecondition))

	// Force overrides
	opts := defaultStartOptions()
	opts.Force = true
	_, err = s2.Start(ctx, opts)
	require.NoError(t, err)
}

func TestSessionStartWithCorruptState(t *testing.T) {
	ctx := context.Background()
	checkpointer := newTestCheckpointer(t)
	require.NoError(t, os.WriteFile(checkpointer.StatePath(), []byte("{not json"), 0644))

	s, err := NewSession(SessionOptions{Checkpointer: checkpointer, Git: newFakeGit()})
	require.NoError(t, err)

	// A corrupt snapshot is not "a workflow already exists"
	_, err = s.Start(ctx, defaultStartOptions())
	require.True(t, IsErrorType(err, ErrorTypeCorruptState))
	require.Contains(t, err.Error(), "force")

	opts := defaultStartOptions()
	opts.Force = true
	_, err = s.Start(ctx, opts)
	require.NoError(t, err)
}

func TestSessionStartSkipsCompletedSubtasks(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newFakeGit())
	opts := defaultStartOptions()
	opts.Subtasks[0].Completed = true

	status, err := s.Start(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, "1.2", status.CurrentSubtask.ID)
	require.Equal(t, 1, status.Progress.Completed)
}

func TestSessionResume(t *testing.T) {
	ctx := context.Background()
	checkpointer := newTestCheckpointer(t)
	git := newFakeGit()
	s, err := NewSession(SessionOptions{Checkpointer: checkpointer, Git: git})
	require.NoError(t, err)

	_, err = s.Start(ctx, defaultStartOptions())
	require.NoError(t, err)
	require.NoError(t, s.CompletePhase(ctx, &TestResult{Total: 4, Failed: 4}))

	// A new session picks up exactly where the old one stopped
	s2, err := NewSession(SessionOptions{Checkpointer: checkpointer, Git: git})
	require.NoError(t, err)
	status, err := s2.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseSubtaskLoop, status.Phase)
	require.Equal(t, TDDPhaseGreen, status.TDDPhase)
	require.Equal(t, "tdd/task-1-add-user-auth", status.Branch)

	// No second branch creation on resume
	require.Len(t, git.created, 1)
}

func TestSessionResumeNothingPersisted(t *testing.T) {
	s := newTestSession(t, newFakeGit())
	_, err := s.Resume(context.Background())
	require.True(t, IsErrorType(err, ErrorTypeStateNotFound))
}

func TestSessionCompletePhaseRequiresWorkflow(t *testing.T) {
	s := newTestSession(t, newFakeGit())
	err := s.CompletePhase(context.Background(), &TestResult{})
	require.True(t, IsErrorType(err, ErrorTypePrecondition))
}

func TestSessionCommitAdvancesSubtask(t *testing.T) {
	ctx := context.Background()
	git := newFakeGit()
	updater := &fakeStatusUpdater{}
	s, err := NewSession(SessionOptions{
		ProjectPath:   "/tmp/proj",
		RootDir:       t.TempDir(),
		Git:           git,
		StatusUpdater: updater,
	})
	require.NoError(t, err)

	_, err = s.Start(ctx, defaultStartOptions())
	require.NoError(t, err)

	require.NoError(t, s.CompletePhase(ctx, &TestResult{Total: 4, Failed: 4}))
	require.NoError(t, s.CompletePhase(ctx, &TestResult{Total: 4, Passed: 4}))

	// COMMIT goes through Commit, not CompletePhase
	err = s.CompletePhase(ctx, &TestResult{Total: 4, Passed: 4})
	require.True(t, IsErrorType(err, ErrorTypePrecondition))

	require.NoError(t, s.Commit(ctx))
	status := s.Status()
	require.Equal(t, "1.2", status.CurrentSubtask.ID)
	require.Equal(t, TDDPhaseRed, status.TDDPhase)
	require.Equal(t, []string{"1.1=done"}, updater.updates)
}

func TestSessionFinalize(t *testing.T) {
	ctx := context.Background()
	git := newFakeGit()
	s := newTestSession(t, git)

	opts := defaultStartOptions()
	opts.Subtasks = opts.Subtasks[:1]
	_, err := s.Start(ctx, opts)
	require.NoError(t, err)

	// Too early
	err = s.Finalize(ctx)
	require.True(t, IsErrorType(err, ErrorTypePrecondition))

	require.NoError(t, s.CompletePhase(ctx, &TestResult{Total: 2, Failed: 2}))
	require.NoError(t, s.CompletePhase(ctx, &TestResult{Total: 2, Passed: 2}))
	require.NoError(t, s.Commit(ctx))
	require.Equal(t, PhaseFinalize, s.Status().Phase)

	// Dirty tree blocks finalize and names the counts
	git.status = StatusSummary{IsClean: false, Staged: 1, Untracked: 2}
	err = s.Finalize(ctx)
	require.True(t, IsErrorType(err, ErrorTypePrecondition))
	require.Contains(t, err.Error(), "1 staged")
	require.Contains(t, err.Error(), "2 untracked")

	git.status = StatusSummary{IsClean: true}
	require.NoError(t, s.Finalize(ctx))
	require.Equal(t, PhaseComplete, s.Status().Phase)
}

func TestSessionAbortDeletesState(t *testing.T) {
	ctx := context.Background()
	checkpointer := newTestCheckpointer(t)
	git := newFakeGit()
	s, err := NewSession(SessionOptions{Checkpointer: checkpointer, Git: git})
	require.NoError(t, err)

	_, err = s.Start(ctx, defaultStartOptions())
	require.NoError(t, err)

	require.NoError(t, s.Abort(ctx))
	_, err = checkpointer.LoadState(ctx)
	require.ErrorIs(t, err, ErrStateNotFound)

	// The session no longer has a workflow
	err = s.Commit(ctx)
	require.True(t, IsErrorType(err, ErrorTypePrecondition))
	require.Equal(t, "start", s.NextAction().Action)
}

func TestSessionNextAction(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newFakeGit())

	require.Equal(t, "start", s.NextAction().Action)

	opts := defaultStartOptions()
	opts.Subtasks = opts.Subtasks[:1]
	_, err := s.Start(ctx, opts)
	require.NoError(t, err)

	action := s.NextAction()
	require.Equal(t, "write_failing_test", action.Action)
	require.Equal(t, "1.1", action.SubtaskID)
	require.Contains(t, action.Description, "1.1")

	require.NoError(t, s.CompletePhase(ctx, &TestResult{Total: 2, Failed: 2}))
	require.Equal(t, "implement", s.NextAction().Action)

	require.NoError(t, s.CompletePhase(ctx, &TestResult{Total: 2, Passed: 2}))
	require.Equal(t, "commit", s.NextAction().Action)

	require.NoError(t, s.Commit(ctx))
	require.Equal(t, "finalize", s.NextAction().Action)

	require.NoError(t, s.Finalize(ctx))
	require.Equal(t, "done", s.NextAction().Action)
}

func TestSessionWritesActivityJournal(t *testing.T) {
	ctx := context.Background()
	checkpointer := newTestCheckpointer(t)
	s, err := NewSession(SessionOptions{Checkpointer: checkpointer, Git: newFakeGit()})
	require.NoError(t, err)

	_, err = s.Start(ctx, defaultStartOptions())
	require.NoError(t, err)

	entries, err := ReadActivityHistory(checkpointer.JournalPath())
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var types []string
	for _, entry := range entries {
		types = append(types, entry.Type)
	}
	require.Contains(t, types, "phase_entered")
	require.Contains(t, types, "branch_created")
	require.Contains(t, types, "subtask_started")
}

func TestBranchName(t *testing.T) {
	require.Equal(t, "tdd/task-1-add-user-auth", BranchName("1", "Add user auth", ""))
	require.Equal(t, "auth/task-1-2-add-login", BranchName("1.2", "Add login!", "auth"))
	require.Equal(t, "tdd/task-7", BranchName("7", "", ""))

	// Deterministic
	require.Equal(t, BranchName("1", "Same title", "x"), BranchName("1", "Same title", "x"))
}
