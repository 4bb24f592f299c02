package tddflow

import "context"

// NullCheckpointer is a no-op implementation
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) SaveState(ctx context.Context, state *WorkflowState) error {
	return nil
}

func (c *NullCheckpointer) LoadState(ctx context.Context) (*WorkflowState, error) {
	return nil, ErrStateNotFound
}

func (c *NullCheckpointer) DeleteState(ctx context.Context) error {
	return nil
}

func (c *NullCheckpointer) ListBackups(ctx context.Context) ([]*StateBackup, error) {
	return []*StateBackup{}, nil
}

func (c *NullCheckpointer) RestoreBackup(ctx context.Context, name string) (*WorkflowState, error) {
	return nil, ErrStateNotFound
}
