package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/deepnoodle-ai/tddflow"
)

// setupTestDatabase starts a PostgreSQL container and opens a connection
// with the checkpoint schema applied. Skipped when Docker is unavailable.
func setupTestDatabase(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("tddflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestCheckpointer(t *testing.T, db *sql.DB, projectID string) *Checkpointer {
	t.Helper()
	c, err := NewCheckpointer(CheckpointerOptions{DB: db, ProjectID: projectID})
	require.NoError(t, err)
	return c
}

func testState(taskID string) *tddflow.WorkflowState {
	return &tddflow.WorkflowState{
		Phase: tddflow.PhaseSubtaskLoop,
		Context: &tddflow.WorkflowContext{
			TaskID:   taskID,
			Subtasks: []*tddflow.SubtaskInfo{{ID: "1.1", Status: tddflow.SubtaskStatusPending}},
			Errors:   []*tddflow.WorkflowError{},
			Branch:   "feat/x",
			TDDPhase: tddflow.TDDPhaseRed,
		},
	}
}

func TestPostgresCheckpointer(t *testing.T) {
	ctx := context.Background()
	db := setupTestDatabase(t, ctx)

	t.Run("save and load", func(t *testing.T) {
		c := newTestCheckpointer(t, db, "proj-a")
		require.NoError(t, c.SaveState(ctx, testState("1")))

		loaded, err := c.LoadState(ctx)
		require.NoError(t, err)
		require.Equal(t, tddflow.PhaseSubtaskLoop, loaded.Phase)
		require.Equal(t, "1", loaded.Context.TaskID)
		require.Equal(t, tddflow.TDDPhaseRed, loaded.Context.TDDPhase)
	})

	t.Run("load missing", func(t *testing.T) {
		c := newTestCheckpointer(t, db, "proj-missing")
		_, err := c.LoadState(ctx)
		require.ErrorIs(t, err, tddflow.ErrStateNotFound)
	})

	t.Run("projects are isolated", func(t *testing.T) {
		left := newTestCheckpointer(t, db, "proj-left")
		right := newTestCheckpointer(t, db, "proj-right")
		require.NoError(t, left.SaveState(ctx, testState("L")))
		require.NoError(t, right.SaveState(ctx, testState("R")))

		loaded, err := left.LoadState(ctx)
		require.NoError(t, err)
		require.Equal(t, "L", loaded.Context.TaskID)
	})

	t.Run("backup rotation", func(t *testing.T) {
		c := newTestCheckpointer(t, db, "proj-backups")
		for i := 0; i <= 8; i++ {
			require.NoError(t, c.SaveState(ctx, testState(fmt.Sprintf("%d", i))))
		}

		backups, err := c.ListBackups(ctx)
		require.NoError(t, err)
		require.Len(t, backups, 5)
		require.Equal(t, "7", backups[0].State.Context.TaskID)
	})

	t.Run("restore backup", func(t *testing.T) {
		c := newTestCheckpointer(t, db, "proj-restore")
		require.NoError(t, c.SaveState(ctx, testState("old")))
		require.NoError(t, c.SaveState(ctx, testState("new")))

		backups, err := c.ListBackups(ctx)
		require.NoError(t, err)
		require.Len(t, backups, 1)

		state, err := c.RestoreBackup(ctx, backups[0].Name)
		require.NoError(t, err)
		require.Equal(t, "old", state.Context.TaskID)

		_, err = c.RestoreBackup(ctx, "nope")
		require.ErrorIs(t, err, tddflow.ErrStateNotFound)
	})

	t.Run("delete removes state and backups", func(t *testing.T) {
		c := newTestCheckpointer(t, db, "proj-delete")
		require.NoError(t, c.SaveState(ctx, testState("1")))
		require.NoError(t, c.SaveState(ctx, testState("2")))

		require.NoError(t, c.DeleteState(ctx))
		_, err := c.LoadState(ctx)
		require.ErrorIs(t, err, tddflow.ErrStateNotFound)

		backups, err := c.ListBackups(ctx)
		require.NoError(t, err)
		require.Empty(t, backups)

		// Idempotent
		require.NoError(t, c.DeleteState(ctx))
	})

	t.Run("corrupt state row", func(t *testing.T) {
		c := newTestCheckpointer(t, db, "proj-corrupt")
		_, err := db.ExecContext(ctx, `
			INSERT INTO workflow_states (project_id, state) VALUES ($1, '"scalar"')`,
			"proj-corrupt")
		require.NoError(t, err)

		_, err = c.LoadState(ctx)
		require.ErrorIs(t, err, tddflow.ErrStateCorrupt)
	})

	t.Run("drives a machine persister", func(t *testing.T) {
		c := newTestCheckpointer(t, db, "proj-machine")
		m, err := tddflow.NewMachine(tddflow.MachineOptions{
			TaskID:   "9",
			Subtasks: []*tddflow.SubtaskInfo{{ID: "9.1"}},
			Persister: func(state *tddflow.WorkflowState) error {
				return c.SaveState(ctx, state)
			},
		})
		require.NoError(t, err)

		require.NoError(t, m.HandleEvent(tddflow.PreflightComplete()))
		require.NoError(t, m.HandleEvent(tddflow.BranchCreated("feat/nine")))

		loaded, err := c.LoadState(ctx)
		require.NoError(t, err)
		require.Equal(t, tddflow.PhaseSubtaskLoop, loaded.Phase)
		require.Equal(t, "feat/nine", loaded.Context.Branch)
	})
}
