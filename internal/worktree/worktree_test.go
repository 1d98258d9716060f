package worktree

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func TestBranchName(t *testing.T) {
	got := BranchName("agent-a", "bead-123")
	want := "overstory/agent-a/bead-123"
	if got != want {
		t.Errorf("BranchName() = %q, want %q", got, want)
	}
}

func TestCreateThenCreateAgainFails(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(repo)
	base := t.TempDir()

	res, err := m.Create(base, "agent-a", "main", "bead-1")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if res.Branch != "overstory/agent-a/bead-1" {
		t.Errorf("branch = %q", res.Branch)
	}

	_, err = m.Create(base, "agent-a", "main", "bead-1")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second Create() err = %v, want ErrAlreadyExists", err)
	}
}

func TestListAndNonGitDir(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(repo)
	base := t.TempDir()

	if _, err := m.Create(base, "agent-b", "main", "bead-2"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	entries, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Branch == "overstory/agent-b/bead-2" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected created worktree in List(), got %+v", entries)
	}

	notGit := NewManager(t.TempDir())
	if _, err := notGit.List(); err == nil {
		t.Error("expected List() on a non-git directory to fail")
	}
}

func TestIsBranchMerged(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(repo)
	base := t.TempDir()

	if _, err := m.Create(base, "agent-c", "main", "bead-3"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	merged, err := m.IsBranchMerged("overstory/agent-c/bead-3", "main")
	if err != nil {
		t.Fatalf("IsBranchMerged: %v", err)
	}
	if !merged {
		t.Error("expected freshly-branched worktree to be merged into main")
	}
}

func TestRemoveForceBranchFalseKeepsUnmergedBranch(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(repo)
	base := t.TempDir()

	res, err := m.Create(base, "agent-d", "main", "bead-4")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	commitFile(t, res.Path, "work.txt")

	if err := m.Remove(res.Path, RemoveOptions{ForceBranch: false}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if !branchExists(t, repo, res.Branch) {
		t.Error("expected unmerged branch to survive ForceBranch=false removal")
	}
}

func TestRemoveForceBranchTrueDeletesBranch(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(repo)
	base := t.TempDir()

	res, err := m.Create(base, "agent-e", "main", "bead-5")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	commitFile(t, res.Path, "work.txt")

	if err := m.Remove(res.Path, RemoveOptions{ForceBranch: true}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if branchExists(t, repo, res.Branch) {
		t.Error("expected ForceBranch=true to delete the unmerged branch")
	}
}

func commitFile(t *testing.T, worktreePath, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(worktreePath, name), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = worktreePath
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("add", ".")
	run("commit", "-m", "unmerged work")
}

func branchExists(t *testing.T, repo, branch string) bool {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repo
	return cmd.Run() == nil
}
