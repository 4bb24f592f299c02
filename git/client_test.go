package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a repository with one committed file.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	worktree, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644))
	_, err = worktree.Add("README.md")
	require.NoError(t, err)
	_, err = worktree.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)
	return dir
}

func TestClientIsRepository(t *testing.T) {
	dir := initTestRepo(t)
	require.True(t, NewClient(dir).IsRepository())
	require.False(t, NewClient(t.TempDir()).IsRepository())
}

func TestClientCurrentBranch(t *testing.T) {
	dir := initTestRepo(t)
	branch, err := NewClient(dir).CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "master", branch)
}

func TestClientCreateAndCheckoutBranch(t *testing.T) {
	dir := initTestRepo(t)
	client := NewClient(dir)

	require.NoError(t, client.CreateAndCheckoutBranch("tdd/task-1"))
	branch, err := client.CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "tdd/task-1", branch)

	// Checking out an existing branch must not try to recreate it
	require.NoError(t, client.CreateAndCheckoutBranch("master"))
	require.NoError(t, client.CreateAndCheckoutBranch("tdd/task-1"))
	branch, err = client.CurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "tdd/task-1", branch)
}

func TestClientStatusSummary(t *testing.T) {
	dir := initTestRepo(t)
	client := NewClient(dir)

	summary, err := client.StatusSummary()
	require.NoError(t, err)
	require.True(t, summary.IsClean)
	require.Equal(t, 0, summary.DirtyCount())

	// Untracked file
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package x\n"), 0644))
	summary, err = client.StatusSummary()
	require.NoError(t, err)
	require.False(t, summary.IsClean)
	require.Equal(t, 1, summary.Untracked)

	// Modified tracked file
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0644))
	summary, err = client.StatusSummary()
	require.NoError(t, err)
	require.Equal(t, 1, summary.Modified)
	require.Equal(t, 2, summary.DirtyCount())
}
