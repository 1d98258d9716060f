// Package daemon is the watchdog daemon (C8): a supervisor loop that ticks on
// a fixed interval, reconciling session state against observable liveness
// signals and driving progressive escalation for stalled agents, plus the
// run-complete notifier (C12) and failure recorder (C11). Process-management
// (PID file, advisory lock, persisted runtime state) follows the teacher's
// own daemon idiom (internal/daemon/daemon.go in the reference pack), adapted
// to this core's single-tick-loop model.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/overstory-dev/overstory/internal/config"
)

// State is the watchdog daemon's persisted runtime state, written after
// every tick so `overstory coordinator status`-style callers can report on
// it without attaching to the process.
type State struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	LastTick      time.Time `json:"last_tick"`
	TickCount     int64     `json:"tick_count"`
}

// LoadState reads the daemon's state file. A missing file yields a zero
// State, not an error.
func LoadState(layout config.Layout) (*State, error) {
	data, err := os.ReadFile(layout.DaemonStateFile())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("reading daemon state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing daemon state: %w", err)
	}
	return &s, nil
}

// SaveState writes s to the daemon's state file, creating its directory if
// necessary. Writes are not atomic-rename based (unlike the teacher's
// util.AtomicWriteJSON, not carried into this core's dependency set) but
// state-file staleness here is cosmetic — status reporting, not correctness.
func SaveState(layout config.Layout, s *State) error {
	if err := os.MkdirAll(layout.DaemonDir(), 0o755); err != nil {
		return fmt.Errorf("creating daemon dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon state: %w", err)
	}
	return os.WriteFile(layout.DaemonStateFile(), data, 0o644)
}

// IsRunning reports whether a watchdog daemon is currently running for the
// project at layout, by PID-file liveness (mirrors the teacher's own
// IsRunning, including stale-PID-file cleanup).
func IsRunning(layout config.Layout) (bool, int, error) {
	data, err := os.ReadFile(layout.DaemonPIDFile())
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false, 0, nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0, nil
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(layout.DaemonPIDFile())
		return false, 0, nil
	}
	return true, pid, nil
}

func ensureDaemonDir(layout config.Layout) error {
	return os.MkdirAll(filepath.Dir(layout.DaemonPIDFile()), 0o755)
}
