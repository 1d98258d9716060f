// Package housekeeper implements the worktree housekeeper (C10): listing
// agent worktrees cross-referenced against session rows, and selectively
// cleaning completed/zombie worktrees while pruning stale session rows.
package housekeeper

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/overstory-dev/overstory/internal/store"
	"github.com/overstory-dev/overstory/internal/worktree"
)

// Entry decorates one worktree with its session-store row, when known.
type Entry struct {
	Path       string
	Branch     string
	AgentName  string // "?" when no matching session row exists
	State      string // "?" when no matching session row exists
	BeadID     string // "?" when no matching session row exists
}

const unknown = "?"

// List cross-references worktree.Manager.List (filtered to paths under
// worktreeBase) against session rows, decorating each with
// {agent, state, bead_id} (spec.md §4.10).
func List(mgr *worktree.Manager, sessStore *store.Store, worktreeBase string) ([]Entry, error) {
	entries, err := mgr.List()
	if err != nil {
		return nil, fmt.Errorf("housekeeper: listing worktrees: %w", err)
	}

	sessions, err := sessStore.GetAll()
	if err != nil {
		return nil, fmt.Errorf("housekeeper: listing sessions: %w", err)
	}
	byPath := make(map[string]store.Session, len(sessions))
	for _, sess := range sessions {
		byPath[sess.WorktreePath] = sess
	}

	var out []Entry
	for _, e := range entries {
		if worktreeBase != "" && !strings.HasPrefix(e.Path, worktreeBase) {
			continue
		}
		entry := Entry{Path: e.Path, Branch: e.Branch, AgentName: unknown, State: unknown, BeadID: unknown}
		if sess, ok := byPath[e.Path]; ok {
			entry.AgentName = sess.AgentName
			entry.State = string(sess.State)
			entry.BeadID = sess.BeadID
			if entry.BeadID == "" {
				entry.BeadID = unknown
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Selector chooses which session states Clean targets.
type Selector string

const (
	SelectorDefault   Selector = "default" // completed + zombie
	SelectorCompleted Selector = "completed"
	SelectorAll       Selector = "all"
)

func (sel Selector) matches(state store.State) bool {
	switch sel {
	case SelectorCompleted:
		return state == store.StateCompleted
	case SelectorAll:
		return true
	default:
		return state == store.StateCompleted || state == store.StateZombie
	}
}

// Report is Clean's result (spec.md §4.10: `{cleaned[], failed[], skipped[], pruned}`).
type Report struct {
	Cleaned []string `json:"cleaned"`
	Failed  []string `json:"failed"`
	Skipped []string `json:"skipped"`
	Pruned  int      `json:"pruned"`
}

// Clean removes worktrees (and their branches) for session rows matching
// selector, refusing unmerged branches unless force is set (recorded as a
// skip, not a failure). Independently of the selection, every session row
// whose worktree_path no longer exists on disk is pruned from the store
// (spec.md §4.10: "in parallel, prune session rows whose worktree_path no
// longer exists").
func Clean(mgr *worktree.Manager, sessStore *store.Store, baseBranch string, sel Selector, force bool) (Report, error) {
	sessions, err := sessStore.GetAll()
	if err != nil {
		return Report{}, fmt.Errorf("housekeeper: listing sessions: %w", err)
	}

	var report Report
	for _, sess := range sessions {
		if sess.WorktreePath == "" {
			continue
		}
		if _, err := os.Stat(sess.WorktreePath); os.IsNotExist(err) {
			if delErr := sessStore.Delete(sess.AgentName); delErr == nil {
				report.Pruned++
			}
			continue
		}

		if !sel.matches(sess.State) {
			continue
		}

		if !force && sess.BranchName != "" {
			merged, mergeErr := mgr.IsBranchMerged(sess.BranchName, baseBranch)
			if mergeErr == nil && !merged {
				report.Skipped = append(report.Skipped, fmt.Sprintf("%s: branch %s not merged into %s", sess.AgentName, sess.BranchName, baseBranch))
				continue
			}
		}

		if err := mgr.Remove(sess.WorktreePath, worktree.RemoveOptions{Force: force, ForceBranch: force}); err != nil {
			report.Failed = append(report.Failed, fmt.Sprintf("%s: %v", sess.AgentName, err))
			continue
		}
		if err := sessStore.Delete(sess.AgentName); err != nil {
			report.Failed = append(report.Failed, fmt.Sprintf("%s: removed worktree but failed to prune row: %v", sess.AgentName, err))
			continue
		}
		report.Cleaned = append(report.Cleaned, sess.AgentName)
	}

	sort.Strings(report.Cleaned)
	sort.Strings(report.Failed)
	sort.Strings(report.Skipped)
	return report, nil
}
