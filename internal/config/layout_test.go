package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	l := New("/proj")

	if got, want := l.ConfigFile(), "/proj/.overstory/config.yaml"; got != want {
		t.Errorf("ConfigFile() = %q, want %q", got, want)
	}
	if got, want := l.AgentDef("scout"), "/proj/.overstory/agent-defs/scout.md"; got != want {
		t.Errorf("AgentDef() = %q, want %q", got, want)
	}
	if got, want := l.Worktree("slit"), "/proj/.overstory/worktrees/slit"; got != want {
		t.Errorf("Worktree() = %q, want %q", got, want)
	}
	if got, want := l.CurrentRunFile(), "/proj/.overstory/current-run.txt"; got != want {
		t.Errorf("CurrentRunFile() = %q, want %q", got, want)
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{
		filepath.Join(root, ".overstory"),
		filepath.Join(root, ".overstory", "agent-defs"),
		filepath.Join(root, ".overstory", "worktrees"),
	} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", d)
		}
	}
}

func TestLoadProjectConfigDefaults(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	cfg, err := LoadProjectConfig(l.ConfigFile())
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	want := DefaultProjectConfig()
	if cfg != want {
		t.Errorf("LoadProjectConfig() on missing file = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadProjectConfigPartialOverride(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	if err := l.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	content := "stale_ms = 5000\nnudge_interval_ms = 9000\n"
	if err := os.WriteFile(l.ConfigFile(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadProjectConfig(l.ConfigFile())
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.StaleMS != 5000 {
		t.Errorf("StaleMS = %d, want 5000", cfg.StaleMS)
	}
	if cfg.NudgeIntervalMS != 9000 {
		t.Errorf("NudgeIntervalMS = %d, want 9000", cfg.NudgeIntervalMS)
	}
	// Unset fields still take their defaults.
	if cfg.ZombieMS != DefaultProjectConfig().ZombieMS {
		t.Errorf("ZombieMS = %d, want default %d", cfg.ZombieMS, DefaultProjectConfig().ZombieMS)
	}
}
