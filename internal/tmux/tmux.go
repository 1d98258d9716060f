// Package tmux wraps the tmux CLI: session lifecycle, pane introspection,
// keystroke delivery, and process-tree termination for agent panes.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Sentinel errors. Every distinct tmux failure mode the core cares about is
// mapped to one of these so callers can branch on Is(), not string matching.
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("can't find session")
)

// Session describes one running tmux session.
type Session struct {
	Name string
	PID  int
}

// Adapter wraps tmux subprocess operations. The zero value is ready to use.
type Adapter struct {
	// SelfDir, when non-empty, is prepended to PATH in spawned sessions so
	// agents can invoke this tool's own binary by short name.
	SelfDir string
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return "", wrapError(err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func wrapError(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	switch {
	case strings.Contains(stderr, "no server running"),
		strings.Contains(stderr, "error connecting to"),
		strings.Contains(stderr, "server exited unexpectedly"):
		return ErrNoServer
	case strings.Contains(stderr, "duplicate session"):
		return ErrSessionExists
	case strings.Contains(stderr, "can't find session"),
		strings.Contains(stderr, "session not found"):
		return ErrSessionNotFound
	case stderr != "":
		return fmt.Errorf("tmux: %s", stderr)
	default:
		return fmt.Errorf("tmux: %w", err)
	}
}

// CreateSession starts a detached session named name, rooted at cwd, running
// command with optional additional environment. When SelfDir is set, command
// is wrapped so SelfDir is prepended to PATH first (so agents can find this
// tool's own binary). It returns the root pane pid. Fails with
// ErrSessionExists when name is already taken.
func (a *Adapter) CreateSession(name, cwd, command string, env map[string]string) (int, error) {
	wrapped := command
	if a.SelfDir != "" {
		wrapped = fmt.Sprintf(`export PATH=%q:"$PATH"; %s`, a.SelfDir, command)
	}

	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, wrapped)

	if _, err := a.run(args...); err != nil {
		return 0, err
	}
	return a.GetPanePID(name)
}

// ListSessions returns every running session. An absent server or zero
// sessions are both reported as an empty, error-free result.
func (a *Adapter) ListSessions() ([]Session, error) {
	out, err := a.run("list-sessions", "-F", "#{session_name}:#{pane_pid}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var sessions []Session
	for _, line := range strings.Split(out, "\n") {
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		name := line[:idx]
		pid, err := strconv.Atoi(line[idx+1:])
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{Name: name, PID: pid})
	}
	return sessions, nil
}

// GetPanePID returns the root pane's pid, or 0 with a nil error when the
// session does not exist.
func (a *Adapter) GetPanePID(name string) (int, error) {
	out, err := a.run("display-message", "-t", name+":0.0", "-p", "#{pane_pid}")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return 0, nil
		}
		return 0, err
	}
	if out == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", out, err)
	}
	return pid, nil
}

// GetDescendantPIDs walks the process tree rooted at rootPID depth-first and
// returns descendants deepest-leaves-first, so killing in order never
// orphans a grandchild before its parent. Missing children are benign.
func GetDescendantPIDs(rootPID int) []int {
	var result []int
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(rootPID)).Output()
	if err != nil {
		return result
	}
	for _, f := range strings.Fields(strings.TrimSpace(string(out))) {
		childPID, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		result = append(result, GetDescendantPIDs(childPID)...)
		result = append(result, childPID)
	}
	return result
}

// IsProcessAlive reports process liveness via a no-op signal.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// killGracePeriod is how long kill_process_tree waits between the graceful
// signal phase and the force-kill sweep.
const killGracePeriod = 2 * time.Second

// getParentPID returns pid's parent pid, or 0 if it can't be determined
// (process already gone, or `ps` unavailable).
func getParentPID(pid int) int {
	out, err := exec.Command("ps", "-o", "ppid=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0
	}
	ppid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0
	}
	return ppid
}

// processGroupMembers returns every pid sharing process group pgid.
func processGroupMembers(pgid int) []int {
	out, err := exec.Command("pgrep", "-g", strconv.Itoa(pgid)).Output()
	if err != nil {
		return nil
	}
	var members []int
	for _, f := range strings.Fields(strings.TrimSpace(string(out))) {
		if pid, err := strconv.Atoi(f); err == nil {
			members = append(members, pid)
		}
	}
	return members
}

// reparentedSiblings finds processes that share rootPID's process group but
// fell outside the pgrep -P descendant walk because they called setsid() (or
// their intermediate parent already exited) and got reparented to init. A
// daemonizing agent subprocess is the common case this catches: pgrep -P only
// follows live PPID links, so once a process detaches into its own session it
// becomes invisible to GetDescendantPIDs even though it is still ours to
// clean up. Only members whose *current* parent is PID 1 are swept — other
// group members are left alone since reusing a pgid for an unrelated process
// is possible and killing the whole group blindly (kill(-pgid, sig)) would
// risk hitting it.
func reparentedSiblings(rootPID int, known map[int]bool) []int {
	pgid, err := unix.Getpgid(rootPID)
	if err != nil || pgid <= 1 {
		return nil
	}
	var reparented []int
	for _, member := range processGroupMembers(pgid) {
		if known[member] {
			continue
		}
		if getParentPID(member) == 1 {
			reparented = append(reparented, member)
		}
	}
	return reparented
}

// KillProcessTree sends a graceful termination signal to every descendant of
// rootPID (deepest first), any same-process-group sibling reparented to init
// by a setsid() call, then rootPID itself; after grace it force-kills any
// survivors. Errors signalling already-dead pids are swallowed — that is the
// expected outcome, not a failure.
func KillProcessTree(rootPID int, grace time.Duration) {
	if grace <= 0 {
		grace = killGracePeriod
	}
	descendants := GetDescendantPIDs(rootPID)

	known := make(map[int]bool, len(descendants)+1)
	known[rootPID] = true
	for _, pid := range descendants {
		known[pid] = true
	}
	descendants = append(descendants, reparentedSiblings(rootPID, known)...)

	ordered := append(append([]int{}, descendants...), rootPID)

	for _, pid := range ordered {
		_ = unix.Kill(pid, unix.SIGTERM)
	}
	time.Sleep(grace)
	for _, pid := range ordered {
		if IsProcessAlive(pid) {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
	}
}

// KillSession looks up the pane pid, kills its process tree, then kills the
// multiplexer session. A session-not-found error from the final step is
// silent (the session is already gone); any other failure is returned with
// the session name attached.
func (a *Adapter) KillSession(name string) error {
	pid, err := a.GetPanePID(name)
	if err != nil {
		return fmt.Errorf("session %s: %w", name, err)
	}
	if pid != 0 {
		KillProcessTree(pid, killGracePeriod)
	}

	_, err = a.run("kill-session", "-t", name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("session %s: %w", name, err)
	}
	return nil
}

// IsSessionAlive reports whether a named session currently exists.
func (a *Adapter) IsSessionAlive(name string) bool {
	_, err := a.run("has-session", "-t", "="+name)
	return err == nil
}

// ListSessionNames returns the name of every running session in one
// list-sessions call. Callers that need to check liveness for many agents in
// a single pass (the watchdog tick) use this instead of one has-session call
// per agent (spec.md §4.6: a tick over N agents should cost the multiplexer
// O(1) queries, not O(N)).
func (a *Adapter) ListSessionNames() ([]string, error) {
	sessions, err := a.ListSessions()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(sessions))
	for i, s := range sessions {
		names[i] = s.Name
	}
	return names, nil
}

// SendKeys collapses embedded newlines into spaces and always appends an
// Enter keystroke. Failures are classified into distinct messages so
// callers can branch without string-matching tmux's own text.
func (a *Adapter) SendKeys(name, text string) error {
	collapsed := strings.Join(strings.Split(text, "\n"), " ")
	if _, err := a.run("send-keys", "-t", name, "-l", collapsed); err != nil {
		return classifySendKeysError(name, err)
	}
	if _, err := a.run("send-keys", "-t", name, "Enter"); err != nil {
		return classifySendKeysError(name, err)
	}
	return nil
}

func classifySendKeysError(name string, err error) error {
	switch {
	case errors.Is(err, ErrNoServer):
		return fmt.Errorf("send-keys to %s: no server running", name)
	case errors.Is(err, ErrSessionNotFound):
		return fmt.Errorf("send-keys to %s: can't find session", name)
	default:
		return fmt.Errorf("send-keys to %s: %w", name, err)
	}
}

// CapturePaneContent returns the last n lines of pane output, or nil if the
// pane is empty or the session is missing.
func (a *Adapter) CapturePaneContent(name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := a.run("capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return "", nil
		}
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", nil
	}
	return out, nil
}

// WaitForTUIReady polls CapturePaneContent until it returns non-empty
// content or timeout elapses, sleeping poll between attempts.
func (a *Adapter) WaitForTUIReady(name string, timeout, poll time.Duration) (bool, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		content, err := a.CapturePaneContent(name, 50)
		if err != nil {
			return false, err
		}
		if content != "" {
			return true, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(poll)
	}
}
