// Package config resolves the on-disk layout of an overstory project and
// loads the small slice of project configuration the supervision core
// actually consults. Full schema parsing and validation of config.yaml is an
// external-collaborator concern; this package resolves paths and decodes
// only the watchdog settings in ProjectConfig (see LoadProjectConfig).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DirName is the name of the project-local overstory directory.
const DirName = ".overstory"

// Layout resolves every well-known path under a project's .overstory/ tree.
// All paths are absolute; callers should pass an absolute ProjectRoot.
type Layout struct {
	ProjectRoot string
}

// New returns a Layout rooted at projectRoot. projectRoot is not resolved or
// validated here — callers that need canonical-root comparisons must resolve
// symlinks themselves (see internal/overlay, which does this deliberately).
func New(projectRoot string) Layout {
	return Layout{ProjectRoot: projectRoot}
}

func (l Layout) dir() string { return filepath.Join(l.ProjectRoot, DirName) }

// ConfigFile is .overstory/config.yaml (fully parsed by an external
// collaborator; this core reads only the ProjectConfig slice of it, via
// LoadProjectConfig).
func (l Layout) ConfigFile() string { return filepath.Join(l.dir(), "config.yaml") }

// AgentManifest is .overstory/agent-manifest.json.
func (l Layout) AgentManifest() string { return filepath.Join(l.dir(), "agent-manifest.json") }

// AgentDef returns the raw agent definition path for a capability.
func (l Layout) AgentDef(capability string) string {
	return filepath.Join(l.dir(), "agent-defs", capability+".md")
}

// SessionsDB is the durable session store file.
func (l Layout) SessionsDB() string { return filepath.Join(l.dir(), "sessions.db") }

// EventsDB is the append-only event log file.
func (l Layout) EventsDB() string { return filepath.Join(l.dir(), "events.db") }

// MetricsDB is the telemetry database.
func (l Layout) MetricsDB() string { return filepath.Join(l.dir(), "metrics.db") }

// WorktreeBase is the parent directory of all agent worktrees.
func (l Layout) WorktreeBase() string { return filepath.Join(l.dir(), "worktrees") }

// Worktree returns the worktree path for a single agent.
func (l Layout) Worktree(agentName string) string {
	return filepath.Join(l.WorktreeBase(), agentName)
}

// LogDir returns the session.log file path for an agent's session, inside
// its per-timestamp log directory.
func (l Layout) LogDir(agentName, timestamp string) string {
	return filepath.Join(l.dir(), "logs", agentName, timestamp, "session.log")
}

// MailDir is the message bus directory (external collaborator).
func (l Layout) MailDir() string { return filepath.Join(l.dir(), "mail") }

// CurrentRunFile is the single-line file naming the active run id.
func (l Layout) CurrentRunFile() string { return filepath.Join(l.dir(), "current-run.txt") }

// RunCompleteNotifiedFile is the run-complete dedup marker.
func (l Layout) RunCompleteNotifiedFile() string {
	return filepath.Join(l.dir(), "run-complete-notified.txt")
}

// DaemonDir is where the watchdog daemon's process-management files live:
// PID file, advisory lock, runtime state, and its own log. Not part of the
// spec's named filesystem layout table, but needed to run the watchdog as a
// background process the same way the teacher's daemon does.
func (l Layout) DaemonDir() string { return filepath.Join(l.dir(), "daemon") }

// DaemonPIDFile is the watchdog daemon's PID file.
func (l Layout) DaemonPIDFile() string { return filepath.Join(l.DaemonDir(), "daemon.pid") }

// DaemonLockFile is the advisory lock preventing two watchdog daemons from
// running against the same project simultaneously.
func (l Layout) DaemonLockFile() string { return filepath.Join(l.DaemonDir(), "daemon.lock") }

// DaemonStateFile is the watchdog daemon's persisted runtime state.
func (l Layout) DaemonStateFile() string { return filepath.Join(l.DaemonDir(), "state.json") }

// DaemonLogFile is the watchdog daemon's own log file.
func (l Layout) DaemonLogFile() string { return filepath.Join(l.DaemonDir(), "daemon.log") }

// EnsureDirs creates the directories this layout expects to exist (but not
// the files themselves), as a convenience for first-run bootstrapping.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.dir(),
		filepath.Join(l.dir(), "agent-defs"),
		l.WorktreeBase(),
		filepath.Join(l.dir(), "logs"),
		l.MailDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// ProjectConfig is the minimal slice of config.yaml this core consults: the
// liveness thresholds and tick interval the watchdog needs. Everything else
// in config.yaml is the dispatcher's concern.
type ProjectConfig struct {
	StaleMS         int64 `toml:"stale_ms"`
	ZombieMS        int64 `toml:"zombie_ms"`
	NudgeIntervalMS int64 `toml:"nudge_interval_ms"`
	TickIntervalMS  int64 `toml:"tick_interval_ms"`

	// FailureDedupMS suppresses repeat failure-recorder notes for the same
	// (agent, reason) pair within this window, so a flapping agent that
	// re-triggers the same termination reason across several ticks doesn't
	// flood the knowledge base with duplicate notes.
	FailureDedupMS int64 `toml:"failure_dedup_ms"`

	// MassDeathWindowMS and MassDeathThreshold bound a rolling-window check:
	// if at least MassDeathThreshold agents are terminated within
	// MassDeathWindowMS of each other, the watchdog treats it as a systemic
	// event (e.g. a shared dependency outage) rather than N unrelated
	// per-agent failures, and logs a single mass_death_detected event instead
	// of N silent terminations.
	MassDeathWindowMS  int64 `toml:"mass_death_window_ms"`
	MassDeathThreshold int   `toml:"mass_death_threshold"`

	// RunCompletePollMS is the interval for the run-completion watcher, run
	// on its own ticker independent of TickIntervalMS so a slow health-check
	// pass over many agents never delays noticing that a run has finished.
	RunCompletePollMS int64 `toml:"run_complete_poll_ms"`
}

// DefaultProjectConfig returns conservative defaults used when config.yaml is
// absent or doesn't set a given field.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		StaleMS:            30_000,
		ZombieMS:           120_000,
		NudgeIntervalMS:    60_000,
		TickIntervalMS:     15_000,
		FailureDedupMS:     300_000,
		MassDeathWindowMS:  120_000,
		MassDeathThreshold: 3,
		RunCompletePollMS:  5_000,
	}
}

// LoadProjectConfig reads path as TOML, falling back to defaults for any
// zero-valued field and returning defaults outright if the file is absent.
func LoadProjectConfig(path string) (ProjectConfig, error) {
	cfg := DefaultProjectConfig()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from Layout, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	var parsed ProjectConfig
	if _, err := toml.Decode(string(data), &parsed); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if parsed.StaleMS > 0 {
		cfg.StaleMS = parsed.StaleMS
	}
	if parsed.ZombieMS > 0 {
		cfg.ZombieMS = parsed.ZombieMS
	}
	if parsed.NudgeIntervalMS > 0 {
		cfg.NudgeIntervalMS = parsed.NudgeIntervalMS
	}
	if parsed.TickIntervalMS > 0 {
		cfg.TickIntervalMS = parsed.TickIntervalMS
	}
	if parsed.FailureDedupMS > 0 {
		cfg.FailureDedupMS = parsed.FailureDedupMS
	}
	if parsed.MassDeathWindowMS > 0 {
		cfg.MassDeathWindowMS = parsed.MassDeathWindowMS
	}
	if parsed.MassDeathThreshold > 0 {
		cfg.MassDeathThreshold = parsed.MassDeathThreshold
	}
	if parsed.RunCompletePollMS > 0 {
		cfg.RunCompletePollMS = parsed.RunCompletePollMS
	}
	return cfg, nil
}
