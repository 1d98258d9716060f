package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHooksDeployWritesSettingsFile(t *testing.T) {
	root := t.TempDir()
	worktreePath := filepath.Join(root, "wt")
	if err := os.MkdirAll(filepath.Join(worktreePath, ".claude"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	seedSession(t, root, "reviewer-1", worktreePath)

	// seedSession defaults capability to "builder"; deploy should still
	// synthesize a document for whatever capability the row carries.
	if _, err := execRoot(t, "", "hooks", "deploy", "--project-root", root, "--agent", "reviewer-1"); err != nil {
		t.Fatalf("hooks deploy: %v", err)
	}

	settingsPath := filepath.Join(worktreePath, ".claude", "settings.local.json")
	if _, err := os.Stat(settingsPath); err != nil {
		t.Errorf("expected hook settings file to exist: %v", err)
	}
}

func TestHooksDeployRequiresAgent(t *testing.T) {
	root := t.TempDir()
	_, err := execRoot(t, "", "hooks", "deploy", "--project-root", root)
	if err == nil {
		t.Fatal("expected an error for a missing --agent")
	}
}
