package daemon

import (
	"time"

	"github.com/overstory-dev/overstory/internal/health"
)

// Multiplexer is the subset of terminal-multiplexer operations the watchdog
// needs. internal/tmux.Adapter satisfies this; tests substitute an in-memory
// fake (spec.md §9, "dependency injection" design note: multiplexer, triage,
// nudge, event store, and failure recorder are contract boundaries so every
// component using them stays testable without a real multiplexer).
type Multiplexer interface {
	IsSessionAlive(name string) bool
	SendKeys(name, text string) error
	KillSession(name string) error

	// ListSessionNames returns every currently-running session name in one
	// call, so a tick over N agents costs the multiplexer one query instead
	// of N has-session round trips (spec.md §4.6).
	ListSessionNames() ([]string, error)
}

// PIDAliveFunc reports whether pid is still a live process. Parameterized so
// tests never depend on a real process signal.
type PIDAliveFunc func(pid int) bool

// TriageResult is what a TriageFunc decides for a stalled agent at
// escalation level 2.
type TriageResult string

const (
	TriageRetry     TriageResult = "retry"
	TriageTerminate TriageResult = "terminate"
	TriageExtend    TriageResult = "extend"
)

// TriageFunc inspects a stalled agent (e.g. its pane output or logs) and
// decides whether to retry, terminate, or extend its grace period. Nil
// disables tier-2 triage: level 2 becomes a no-op and escalation proceeds to
// level 3 on the next qualifying tick (spec.md §4.6).
type TriageFunc func(agentName, projectRoot string, lastActivity time.Time) (TriageResult, error)

// HealthCheckFunc receives a session's health evaluation result after the
// tick has acted on it. The tick calls it only for results whose action is
// ActionInvestigate (zombie reconciliation notes, which have no other side
// effect); results with any other action are not passed to it. Nil disables
// the callback entirely.
type HealthCheckFunc func(agentName string, check health.Check)

// FailureRecorder writes a fire-and-forget learning note to the knowledge
// base when an agent is terminated (C11). Implementations must never
// propagate an error to the watchdog tick; swallow and log instead.
type FailureRecorder interface {
	RecordFailure(agentName, reason string)
}
