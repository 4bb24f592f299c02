// Package git provides a go-git backed implementation of the tddflow git
// collaborator. It only covers the narrow surface the lifecycle service
// needs: repository detection, branch inspection and creation, and
// working-tree status.
package git

import (
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/deepnoodle-ai/tddflow"
)

// Client operates on the repository at a fixed project path.
type Client struct {
	path string
}

// NewClient creates a client for the repository at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// IsRepository reports whether the path is a git repository.
func (c *Client) IsRepository() bool {
	_, err := gogit.PlainOpen(c.path)
	return err == nil
}

// CurrentBranch returns the checked-out branch name, or "detached" when
// HEAD does not point at a branch.
func (c *Client) CurrentBranch() (string, error) {
	repo, err := gogit.PlainOpen(c.path)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "detached", nil
}

// CreateAndCheckoutBranch creates the named branch at HEAD if it does not
// exist yet, then checks it out.
func (c *Client) CreateAndCheckoutBranch(name string) error {
	repo, err := gogit.PlainOpen(c.path)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(name)
	_, err = repo.Reference(ref, true)
	create := err != nil

	if err := worktree.Checkout(&gogit.CheckoutOptions{
		Branch: ref,
		Create: create,
	}); err != nil {
		return fmt.Errorf("failed to checkout branch %q: %w", name, err)
	}
	return nil
}

// StatusSummary returns working-tree cleanliness and per-kind file counts.
func (c *Client) StatusSummary() (*tddflow.StatusSummary, error) {
	repo, err := gogit.PlainOpen(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to compute status: %w", err)
	}

	summary := &tddflow.StatusSummary{IsClean: status.IsClean()}
	for _, fs := range status {
		switch {
		case fs.Staging == gogit.Untracked && fs.Worktree == gogit.Untracked:
			summary.Untracked++
		case fs.Staging == gogit.Deleted || fs.Worktree == gogit.Deleted:
			summary.Deleted++
		default:
			if fs.Staging != gogit.Unmodified {
				summary.Staged++
			}
			if fs.Worktree == gogit.Modified {
				summary.Modified++
			}
		}
	}
	return summary, nil
}
