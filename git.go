package tddflow

// StatusSummary describes the state of a working tree.
type StatusSummary struct {
	IsClean   bool
	Staged    int
	Modified  int
	Deleted   int
	Untracked int
}

// DirtyCount returns the total number of files keeping the tree dirty.
func (s *StatusSummary) DirtyCount() int {
	return s.Staged + s.Modified + s.Deleted + s.Untracked
}

// GitClient is the narrow git collaborator surface the lifecycle service
// consumes. How operations are physically performed is outside this
// subsystem; the git package provides a go-git backed implementation.
type GitClient interface {
	// IsRepository reports whether the project path is a git repository.
	IsRepository() bool

	// CurrentBranch returns the checked-out branch name.
	CurrentBranch() (string, error)

	// CreateAndCheckoutBranch creates the named branch if needed and
	// checks it out.
	CreateAndCheckoutBranch(name string) error

	// StatusSummary returns working-tree cleanliness and per-kind counts.
	StatusSummary() (*StatusSummary, error)
}

// TaskStatusUpdater propagates subtask and task status changes to the
// external task store owned by the caller.
type TaskStatusUpdater interface {
	UpdateStatus(taskID, status, tag string) error
}
