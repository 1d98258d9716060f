package cmd

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initCmdTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		c := exec.Command("git", args...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func TestWorktreeListReflectsCreatedWorktrees(t *testing.T) {
	root := initCmdTestRepo(t)

	c := exec.Command("git", "worktree", "add", "-b", "overstory/agent-1/t1",
		filepath.Join(root, ".overstory", "worktrees", "agent-1"))
	c.Dir = root
	if out, err := c.CombinedOutput(); err != nil {
		t.Fatalf("git worktree add: %v: %s", err, out)
	}

	out, err := execRoot(t, "", "worktree", "list", "--project-root", root, "--json")
	if err != nil {
		t.Fatalf("worktree list: %v", err)
	}
	if !strings.Contains(out, "agent-1") {
		t.Errorf("expected listing to mention agent-1, got %q", out)
	}
}
