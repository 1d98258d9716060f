// Package coordinator owns the lifecycle of the single persistent top-level
// supervisor session (C9): start, stop, and status for the "coordinator"
// agent that the watchdog's run-complete notifier (internal/daemon) nudges
// once a run's workers finish.
package coordinator

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/overstory-dev/overstory/internal/config"
	"github.com/overstory-dev/overstory/internal/store"
)

// SessionName is the fixed tmux session name for the project's coordinator.
// One coordinator per project: lifecycle commands operate on this single
// well-known name rather than an agent-supplied one.
const SessionName = "overstory-coordinator"

// Multiplexer is the subset of terminal-multiplexer operations the
// coordinator lifecycle needs.
type Multiplexer interface {
	CreateSession(name, cwd, command string, env map[string]string) (int, error)
	IsSessionAlive(name string) bool
	KillSession(name string) error
}

// Options controls attach behavior for Start (spec.md §6):
// --attach forces attach regardless of TTY state; --no-attach forces
// detach; with both set, Attach wins; with neither, TTY state decides.
type Options struct {
	Attach   bool
	NoAttach bool
}

// ResolveAttach applies spec.md §6's precedence rule given the caller's
// actual options and whether stdout is a terminal.
func ResolveAttach(opts Options, stdoutIsTTY bool) bool {
	if opts.Attach {
		return true
	}
	if opts.NoAttach {
		return false
	}
	return stdoutIsTTY
}

// ErrAlreadyRunning is returned by Start when a coordinator session is
// already alive. The message must contain "already running" (spec.md §7).
var ErrAlreadyRunning = errors.New("coordinator already running")

// Start launches the coordinator session if none is alive, upserts its
// session row, and attaches the caller's terminal to it when attach
// resolves true.
func Start(layout config.Layout, mux Multiplexer, sessStore *store.Store, command string, opts Options) error {
	if mux.IsSessionAlive(SessionName) {
		return fmt.Errorf("coordinator: %w", ErrAlreadyRunning)
	}

	pid, err := mux.CreateSession(SessionName, layout.ProjectRoot, command, map[string]string{
		"OVERSTORY_AGENT_NAME":    "coordinator-1",
		"OVERSTORY_WORKTREE_PATH": layout.ProjectRoot,
	})
	if err != nil {
		return fmt.Errorf("coordinator: starting session: %w", err)
	}

	now := time.Now().UTC()
	sess := store.Session{
		ID:           uuid.NewString(),
		AgentName:    "coordinator-1",
		Capability:   "coordinator",
		WorktreePath: layout.ProjectRoot,
		BranchName:   "",
		TmuxSession:  SessionName,
		PID:          &pid,
		State:        store.StateBooting,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := sessStore.Upsert(sess); err != nil {
		return fmt.Errorf("coordinator: recording session: %w", err)
	}

	if ResolveAttach(opts, term.IsTerminal(int(os.Stdout.Fd()))) {
		return attach(SessionName)
	}
	return nil
}

// Stop kills the coordinator's multiplexer session and marks its row
// completed. A coordinator that isn't running is not an error — Stop is
// idempotent.
func Stop(sessStore *store.Store, mux Multiplexer) error {
	if mux.IsSessionAlive(SessionName) {
		if err := mux.KillSession(SessionName); err != nil {
			return fmt.Errorf("coordinator: stopping session: %w", err)
		}
	}
	if err := sessStore.UpdateState("coordinator-1", store.StateCompleted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("coordinator: updating session record: %w", err)
	}
	return nil
}

// Status reports whether the coordinator is running and its recorded state.
type Status struct {
	Running bool
	PID     int
	State   store.State
}

// GetStatus reports the coordinator's current liveness and recorded state.
func GetStatus(sessStore *store.Store, mux Multiplexer) (Status, error) {
	alive := mux.IsSessionAlive(SessionName)
	sess, err := sessStore.GetByAgent("coordinator-1")
	if errors.Is(err, store.ErrNotFound) {
		return Status{Running: alive}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("coordinator: reading session record: %w", err)
	}
	st := Status{Running: alive, State: sess.State}
	if sess.PID != nil {
		st.PID = *sess.PID
	}
	return st, nil
}

// attach replaces this process's terminal I/O with tmux's own attach-session,
// the same interactive-passthrough idiom the teacher uses for its own
// session-attach commands.
func attach(name string) error {
	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		return fmt.Errorf("tmux not found: %w", err)
	}
	cmd := exec.Command(tmuxPath, "attach-session", "-t", name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
