// Package health is the pure health evaluator (C5): the Zero-False-Crash
// (ZFC) decision cascade that reconciles observable liveness signals with a
// session's recorded state. Evaluate and TransitionState are pure functions
// with no I/O — the watchdog (internal/daemon) owns persistence.
package health

import (
	"time"

	"github.com/overstory-dev/overstory/internal/store"
)

// Action is the disposition the watchdog must act on for a session.
type Action string

const (
	ActionNone        Action = "none"
	ActionEscalate    Action = "escalate"
	ActionInvestigate Action = "investigate"
	ActionTerminate   Action = "terminate"
)

// Check is the ephemeral decision Evaluate returns.
type Check struct {
	AgentName          string
	Timestamp          time.Time
	TmuxAlive          bool
	PIDAlive           *bool
	ProcessAlive       bool
	LastActivity       time.Time
	State              store.State
	Action             Action
	ReconciliationNote string
}

// Thresholds are the watchdog's configured liveness windows.
type Thresholds struct {
	StaleMS  int64
	ZombieMS int64
}

// Evaluate runs the ordered ZFC decision cascade (spec.md §4.5): the first
// matching rule wins. pidAlive is nil when the session has no recorded pid.
func Evaluate(sess store.Session, tmuxAlive bool, pidAlive *bool, now time.Time, th Thresholds) Check {
	c := Check{
		AgentName:    sess.AgentName,
		Timestamp:    now,
		TmuxAlive:    tmuxAlive,
		PIDAlive:     pidAlive,
		ProcessAlive: pidAlive == nil || *pidAlive,
		LastActivity: sess.LastActivity,
	}

	switch {
	case sess.State == store.StateCompleted:
		c.State, c.Action = store.StateCompleted, ActionNone
		return c

	case !tmuxAlive:
		c.State, c.Action = store.StateZombie, ActionTerminate
		if sess.State == store.StateWorking || sess.State == store.StateBooting {
			c.ReconciliationNote = "tmux session absent; observable state overrode recorded state " + string(sess.State)
		}
		return c

	case tmuxAlive && sess.State == store.StateZombie:
		c.State, c.Action = store.StateZombie, ActionInvestigate
		c.ReconciliationNote = "tmux session alive but recorded state is zombie; holding for investigation"
		return c

	case pidAlive != nil && !*pidAlive:
		c.State, c.Action = store.StateZombie, ActionTerminate
		c.ReconciliationNote = "pane shell survived, agent process exited"
		return c
	}

	elapsed := now.Sub(sess.LastActivity)
	zombieDeadline := time.Duration(th.ZombieMS) * time.Millisecond
	staleDeadline := time.Duration(th.StaleMS) * time.Millisecond

	switch {
	case elapsed > zombieDeadline:
		c.State, c.Action = store.StateZombie, ActionTerminate
	case elapsed > staleDeadline:
		c.State, c.Action = store.StateStalled, ActionEscalate
	default:
		c.State, c.Action = store.StateWorking, ActionNone
	}
	return c
}

// TransitionState advances current to check's state only when check's state
// strictly outranks current, except ActionInvestigate always holds the
// current state. This is the sole state-advancement pathway (spec.md §4.5)
// and is the only thing enforcing the monotonic-state invariant.
func TransitionState(current store.State, c Check) store.State {
	if c.Action == ActionInvestigate {
		return current
	}
	if store.Rank(c.State) > store.Rank(current) {
		return c.State
	}
	return current
}
