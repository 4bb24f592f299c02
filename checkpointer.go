package tddflow

import (
	"context"
)

// Checkpointer persists one workflow snapshot per project plus a rotating
// backup set. Implementations own the persisted state exclusively: one
// store instance per project identifier.
type Checkpointer interface {
	// SaveState durably persists the snapshot. Concurrent saves serialize;
	// a save is fully visible or not at all. Failures are hard errors.
	SaveState(ctx context.Context, state *WorkflowState) error

	// LoadState returns the latest snapshot. A missing snapshot surfaces
	// as ErrStateNotFound; unparsable content as ErrStateCorrupt. Neither
	// is ever silently defaulted.
	LoadState(ctx context.Context) (*WorkflowState, error)

	// DeleteState removes the persisted snapshot. Deleting an absent
	// snapshot is not an error.
	DeleteState(ctx context.Context) error

	// ListBackups returns the retained backups, newest first.
	ListBackups(ctx context.Context) ([]*StateBackup, error)

	// RestoreBackup returns the snapshot held by the named backup.
	RestoreBackup(ctx context.Context, name string) (*WorkflowState, error)
}

// JournalLocator is implemented by stores that colocate an append-only
// activity journal with the state file.
type JournalLocator interface {
	JournalPath() string
}
