// Package postgres provides a Checkpointer backed by a PostgreSQL database,
// for deployments where workflow state should outlive the local filesystem.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/tddflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	project_id TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_state_backups (
	project_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	state      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, name)
);
`

// Open connects to the database and ensures the checkpoint schema exists.
func Open(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
	}
	return db, nil
}

// CheckpointerOptions configures a database-backed checkpointer.
type CheckpointerOptions struct {
	DB         *sql.DB
	ProjectID  string
	MaxBackups int
	Logger     *slog.Logger
}

// Checkpointer persists workflow state rows keyed by project ID. Like the
// file store, each save first copies the previous row into the backups table
// and prunes old backups, with both steps best-effort.
type Checkpointer struct {
	db         *sql.DB
	projectID  string
	maxBackups int
	logger     *slog.Logger
}

// NewCheckpointer creates a database-backed checkpointer for one project.
func NewCheckpointer(opts CheckpointerOptions) (*Checkpointer, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checkpointer{
		db:         opts.DB,
		projectID:  opts.ProjectID,
		maxBackups: opts.MaxBackups,
		logger:     opts.Logger,
	}, nil
}

// SaveState upserts the state row inside a transaction, backing up the
// previous row first.
func (c *Checkpointer) SaveState(ctx context.Context, state *tddflow.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c.backupCurrent(ctx, tx)
	c.pruneBackups(ctx, tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_states (project_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (project_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		c.projectID, data)
	if err != nil {
		return fmt.Errorf("failed to save workflow state: %w", err)
	}
	return tx.Commit()
}

// LoadState reads the state row, distinguishing a missing row from an
// unparseable one.
func (c *Checkpointer) LoadState(ctx context.Context) (*tddflow.WorkflowState, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT state FROM workflow_states WHERE project_id = $1`,
		c.projectID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tddflow.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow state: %w", err)
	}
	var state tddflow.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", tddflow.ErrStateCorrupt, err)
	}
	return &state, nil
}

// DeleteState removes the state row and its backups. Deleting a missing
// state is not an error.
func (c *Checkpointer) DeleteState(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_state_backups WHERE project_id = $1`, c.projectID); err != nil {
		return fmt.Errorf("failed to delete backups: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_states WHERE project_id = $1`, c.projectID); err != nil {
		return fmt.Errorf("failed to delete workflow state: %w", err)
	}
	return tx.Commit()
}

// ListBackups returns the project's backups, newest first. Rows that no
// longer parse are skipped.
func (c *Checkpointer) ListBackups(ctx context.Context) ([]*tddflow.StateBackup, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, state, created_at FROM workflow_state_backups
		WHERE project_id = $1 ORDER BY name DESC`, c.projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	backups := []*tddflow.StateBackup{}
	for rows.Next() {
		var name string
		var data []byte
		var createdAt time.Time
		if err := rows.Scan(&name, &data, &createdAt); err != nil {
			return nil, err
		}
		var state tddflow.WorkflowState
		if err := json.Unmarshal(data, &state); err != nil {
			c.logger.Warn("skipping unreadable backup", "name", name, "error", err)
			continue
		}
		backups = append(backups, &tddflow.StateBackup{
			Name:      name,
			Timestamp: createdAt,
			State:     &state,
		})
	}
	return backups, rows.Err()
}

// RestoreBackup loads the named backup without touching the current state.
func (c *Checkpointer) RestoreBackup(ctx context.Context, name string) (*tddflow.WorkflowState, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT state FROM workflow_state_backups
		WHERE project_id = $1 AND name = $2`, c.projectID, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tddflow.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	var state tddflow.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", tddflow.ErrStateCorrupt, err)
	}
	return &state, nil
}

// backupCurrent copies the current state row into the backups table. A
// failed backup is logged, not fatal.
func (c *Checkpointer) backupCurrent(ctx context.Context, tx *sql.Tx) {
	name := fmt.Sprintf("workflow-state-%s.json",
		time.Now().UTC().Format("20060102T150405.000000000Z"))
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_state_backups (project_id, name, state)
		SELECT project_id, $2, state FROM workflow_states WHERE project_id = $1
		ON CONFLICT (project_id, name) DO NOTHING`,
		c.projectID, name)
	if err != nil {
		c.logger.Warn("failed to back up workflow state", "error", err)
	}
}

// pruneBackups deletes the oldest backups beyond the retention limit. A
// failed prune is logged, not fatal.
func (c *Checkpointer) pruneBackups(ctx context.Context, tx *sql.Tx) {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM workflow_state_backups
		WHERE project_id = $1 AND name NOT IN (
			SELECT name FROM workflow_state_backups
			WHERE project_id = $1 ORDER BY name DESC LIMIT $2
		)`, c.projectID, c.maxBackups)
	if err != nil {
		c.logger.Warn("failed to prune workflow state backups", "error", err)
	}
}
