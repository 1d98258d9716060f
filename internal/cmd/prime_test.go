package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/overstory-dev/overstory/internal/config"
	"github.com/overstory-dev/overstory/internal/store"
)

func seedSession(t *testing.T, root, agent, worktreePath string) {
	t.Helper()
	layout := config.New(root)
	sessStore, err := store.Open(layout.SessionsDB())
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	defer sessStore.Close()

	now := time.Now().UTC()
	err = sessStore.Upsert(store.Session{
		ID:           uuid.NewString(),
		AgentName:    agent,
		Capability:   "builder",
		WorktreePath: worktreePath,
		BranchName:   "overstory/" + agent + "/t1",
		TmuxSession:  "sess-" + agent,
		State:        store.StateBooting,
		StartedAt:    now,
		LastActivity: now,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestPrimePrintsOverlayDocument(t *testing.T) {
	root := t.TempDir()
	worktreePath := filepath.Join(root, "wt")
	claudeDir := filepath.Join(worktreePath, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(claudeDir, "CLAUDE.md"), []byte("# assignment\ndo the thing\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	seedSession(t, root, "builder-1", worktreePath)

	out, err := execRoot(t, "", "prime", "--project-root", root, "--agent", "builder-1")
	if err != nil {
		t.Fatalf("prime: %v", err)
	}
	if !strings.Contains(out, "do the thing") {
		t.Errorf("expected overlay content in output, got %q", out)
	}
}

func TestPrimeCompactPrintsBanner(t *testing.T) {
	root := t.TempDir()
	worktreePath := filepath.Join(root, "wt")
	claudeDir := filepath.Join(worktreePath, ".claude")
	os.MkdirAll(claudeDir, 0o755)
	os.WriteFile(filepath.Join(claudeDir, "CLAUDE.md"), []byte("assignment body\n"), 0o644)
	seedSession(t, root, "builder-2", worktreePath)

	out, err := execRoot(t, "", "prime", "--project-root", root, "--agent", "builder-2", "--compact")
	if err != nil {
		t.Fatalf("prime --compact: %v", err)
	}
	if !strings.Contains(out, "re-priming") {
		t.Errorf("expected a compaction banner, got %q", out)
	}
}

func TestPrimeWithUnknownAgentIsBestEffortNoop(t *testing.T) {
	root := t.TempDir()
	out, err := execRoot(t, "", "prime", "--project-root", root, "--agent", "nobody")
	if err != nil {
		t.Fatalf("prime for an unknown agent should not error: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Errorf("expected no output for an unknown agent, got %q", out)
	}
}
