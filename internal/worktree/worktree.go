// Package worktree manages the isolated git worktrees agents operate in:
// creation, listing, branch merge-status, and safe removal.
package worktree

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/overstory-dev/overstory/internal/git"
)

// ErrAlreadyExists is returned by Create when a worktree already exists at
// the computed path. Creation is deliberately not idempotent — a second call
// with identical inputs always fails (spec §8).
var ErrAlreadyExists = errors.New("worktree already exists")

// Manager creates, lists, and removes agent worktrees rooted under a single
// repository.
type Manager struct {
	repoRoot string
}

func NewManager(repoRoot string) *Manager { return &Manager{repoRoot: repoRoot} }

// Result describes a created worktree.
type Result struct {
	Path   string
	Branch string
}

// BranchName returns the overstory/<agent>/<bead> branch name for an agent
// and bead id. Danger guards (internal/guard) depend on this literal prefix.
func BranchName(agentName, beadID string) string {
	return fmt.Sprintf("overstory/%s/%s", agentName, beadID)
}

// Create makes a new worktree at baseDir/agentName on a new
// overstory/<agent>/<bead> branch, branched from baseBranch. A second call
// with identical inputs fails with ErrAlreadyExists (or the underlying git
// error) carrying the path and branch.
func (m *Manager) Create(baseDir, agentName, baseBranch, beadID string) (Result, error) {
	path := filepath.Join(baseDir, agentName)
	branch := BranchName(agentName, beadID)

	existing, err := m.List()
	if err != nil {
		return Result{}, fmt.Errorf("worktree %s (%s): checking existing worktrees: %w", path, branch, err)
	}
	for _, e := range existing {
		if e.Path == path || e.Branch == branch {
			return Result{}, fmt.Errorf("worktree %s (%s): %w", path, branch, ErrAlreadyExists)
		}
	}

	g := git.NewGit(m.repoRoot)
	if err := g.WorktreeAdd(path, branch, baseBranch); err != nil {
		return Result{}, fmt.Errorf("worktree %s (%s): %w", path, branch, err)
	}
	return Result{Path: path, Branch: branch}, nil
}

// Entry describes one existing worktree.
type Entry struct {
	Path   string
	Branch string
	Head   string
}

// List returns every worktree of the repository rooted at repoRoot.
// Non-git directories fail.
func (m *Manager) List() ([]Entry, error) {
	g := git.NewGit(m.repoRoot)
	if !g.IsRepo() {
		return nil, fmt.Errorf("%s is not a git repository", m.repoRoot)
	}
	raw, err := g.WorktreeList()
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, Entry{Path: e.Path, Branch: e.Branch, Head: e.Head})
	}
	return entries, nil
}

// IsBranchMerged reports whether branch's tip is an ancestor of target.
func (m *Manager) IsBranchMerged(branch, target string) (bool, error) {
	g := git.NewGit(m.repoRoot)
	return g.IsAncestor(branch, target)
}

// RemoveOptions controls RemoveWorktree's handling of uncommitted work and
// unmerged branches.
type RemoveOptions struct {
	Force       bool // remove the worktree even with uncommitted changes
	ForceBranch bool // delete the branch even if unmerged
}

// Remove discovers the branch backing path (from List), removes the
// worktree, then attempts to delete the branch: with ForceBranch=false an
// unmerged branch is left intact (refused, not erred); with
// ForceBranch=true the branch is force-deleted. Branch-delete failure is
// best-effort and swallowed — worktree removal itself is the operation that
// can fail loudly.
func (m *Manager) Remove(path string, opts RemoveOptions) error {
	entries, err := m.List()
	if err != nil {
		return fmt.Errorf("worktree %s: %w", path, err)
	}

	var branch string
	for _, e := range entries {
		if e.Path == path {
			branch = e.Branch
			break
		}
	}

	g := git.NewGit(m.repoRoot)
	if err := g.WorktreeRemove(path, opts.Force); err != nil {
		return fmt.Errorf("worktree %s: %w", path, err)
	}

	if branch == "" {
		return nil
	}
	_ = g.DeleteBranch(branch, opts.ForceBranch)
	return nil
}
