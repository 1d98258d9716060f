package daemon

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/overstory-dev/overstory/internal/events"
	"github.com/overstory-dev/overstory/internal/health"
	"github.com/overstory-dev/overstory/internal/store"
)

// nudgeLevels is the number of progressive-escalation levels before
// termination (spec.md §4.6: warn=0, nudge=1, triage=2, terminate=3).
const nudgeLevels = 3

// Tick performs exactly one watchdog cycle (spec.md §4.6): open the session
// store, read the current run id, process every non-completed session,
// run the run-completion check, and close the store. Every step that can
// fail independently (per-session health check, nudging, failure recording)
// swallows its own error so one bad session never aborts the tick.
func (d *Daemon) Tick(now time.Time) error {
	sessStore, err := store.Open(d.cfg.Layout.SessionsDB())
	if err != nil {
		return fmt.Errorf("tick: open session store: %w", err)
	}
	defer sessStore.Close()

	evStore, err := events.Open(d.cfg.Layout.EventsDB())
	if err != nil {
		return fmt.Errorf("tick: open event store: %w", err)
	}
	defer evStore.Close()

	sessions, err := sessStore.GetAll()
	if err != nil {
		return fmt.Errorf("tick: list sessions: %w", err)
	}

	runID := d.readCurrentRunID()
	alive := d.snapshotAliveSessions()

	for _, sess := range sessions {
		if sess.State == store.StateCompleted {
			continue
		}
		d.processSession(sessStore, evStore, sess, now, alive)
	}

	if runID != "" {
		d.checkRunComplete(sessStore, evStore, runID)
	}

	return nil
}

func (d *Daemon) readCurrentRunID() string {
	data, err := os.ReadFile(d.cfg.Layout.CurrentRunFile())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// snapshotAliveSessions lists every running session once per tick so
// checking N agents costs one multiplexer query instead of N. A nil result
// (ListSessionNames failed, e.g. no server running) falls back to per-session
// has-session calls for the rest of this tick — never a false "all dead".
func (d *Daemon) snapshotAliveSessions() map[string]bool {
	names, err := d.cfg.Mux.ListSessionNames()
	if err != nil {
		d.cfg.Logger.Printf("watchdog: list sessions: %v", err)
		return nil
	}
	alive := make(map[string]bool, len(names))
	for _, n := range names {
		alive[n] = true
	}
	return alive
}

// isAlive consults the tick's session snapshot when available, falling back
// to a direct has-session call only if the snapshot couldn't be built.
func (d *Daemon) isAlive(alive map[string]bool, name string) bool {
	if alive != nil {
		return alive[name]
	}
	return d.cfg.Mux.IsSessionAlive(name)
}

// processSession runs steps 3a-3e of spec.md §4.6 for a single session.
func (d *Daemon) processSession(sessStore *store.Store, evStore *events.Store, sess store.Session, now time.Time, alive map[string]bool) {
	tmuxAlive := d.isAlive(alive, sess.TmuxSession)

	var pidAlive *bool
	if sess.PID != nil {
		alive := d.cfg.PIDAlive(*sess.PID)
		pidAlive = &alive
	}

	th := health.Thresholds{StaleMS: d.cfg.Thresholds.StaleMS, ZombieMS: d.cfg.Thresholds.ZombieMS}
	check := health.Evaluate(sess, tmuxAlive, pidAlive, now, th)

	nextState := health.TransitionState(sess.State, check)
	if nextState != sess.State {
		if err := sessStore.UpdateState(sess.AgentName, nextState); err != nil {
			d.cfg.Logger.Printf("watchdog: update state for %s: %v", sess.AgentName, err)
		}
	}

	switch check.Action {
	case health.ActionTerminate:
		d.dispatchTerminate(sessStore, evStore, sess, check, alive, now)
	case health.ActionInvestigate:
		if d.cfg.OnHealthCheck != nil {
			d.cfg.OnHealthCheck(sess.AgentName, check)
		}
	case health.ActionEscalate:
		d.dispatchEscalate(sessStore, evStore, sess, now, alive)
	case health.ActionNone:
		if sess.StalledSince != nil {
			if err := sessStore.UpdateEscalation(sess.AgentName, 0, nil); err != nil {
				d.cfg.Logger.Printf("watchdog: reset escalation for %s: %v", sess.AgentName, err)
			}
		}
	}
}

func (d *Daemon) dispatchTerminate(sessStore *store.Store, evStore *events.Store, sess store.Session, check health.Check, alive map[string]bool, now time.Time) {
	reason := check.ReconciliationNote
	if reason == "" {
		reason = "terminated by watchdog"
	}
	d.recordFailure(sess.AgentName, reason, now)
	if d.isAlive(alive, sess.TmuxSession) {
		if err := d.cfg.Mux.KillSession(sess.TmuxSession); err != nil {
			d.cfg.Logger.Printf("watchdog: kill session for %s: %v", sess.AgentName, err)
		}
	}
	if err := sessStore.UpdateState(sess.AgentName, store.StateZombie); err != nil {
		d.cfg.Logger.Printf("watchdog: mark zombie for %s: %v", sess.AgentName, err)
	}
	if err := sessStore.UpdateEscalation(sess.AgentName, 0, nil); err != nil {
		d.cfg.Logger.Printf("watchdog: reset escalation for %s: %v", sess.AgentName, err)
	}
	d.logEvent(evStore, sess, "terminate", reason)
	d.checkMassDeath(evStore, sess, now)
}

// dispatchEscalate drives progressive nudging (spec.md §4.6): initialize
// stalled_since on first escalation, advance the expected level from elapsed
// time (not tick count, per the design note in spec.md §9), persist the
// level if it changed, then execute the action for the *current* level.
func (d *Daemon) dispatchEscalate(sessStore *store.Store, evStore *events.Store, sess store.Session, now time.Time, alive map[string]bool) {
	stalledSince := sess.StalledSince
	level := sess.EscalationLevel
	if stalledSince == nil {
		t := now
		stalledSince = &t
		level = 0
		if err := sessStore.UpdateEscalation(sess.AgentName, level, stalledSince); err != nil {
			d.cfg.Logger.Printf("watchdog: init escalation for %s: %v", sess.AgentName, err)
		}
	}

	nudgeInterval := time.Duration(d.cfg.Thresholds.NudgeIntervalMS) * time.Millisecond
	if nudgeInterval <= 0 {
		nudgeInterval = time.Minute
	}
	elapsed := now.Sub(*stalledSince)
	expected := int(elapsed / nudgeInterval)
	if expected > nudgeLevels {
		expected = nudgeLevels
	}
	if expected != level {
		level = expected
		if err := sessStore.UpdateEscalation(sess.AgentName, level, stalledSince); err != nil {
			d.cfg.Logger.Printf("watchdog: update escalation level for %s: %v", sess.AgentName, err)
		}
	}

	switch level {
	case 0:
		d.logEvent(evStore, sess, "escalation_warn", "agent stalled; entering warn tier")
	case 1:
		msg := fmt.Sprintf("[WATCHDOG] Agent %q appears stalled. Please check your current task.", sess.AgentName)
		err := d.cfg.Mux.SendKeys(sess.TmuxSession, msg)
		status := "delivered"
		if err != nil {
			status = "failed: " + err.Error()
			d.cfg.Logger.Printf("watchdog: nudge %s: %v", sess.AgentName, err)
		}
		d.logEvent(evStore, sess, "escalation_nudge", "nudge "+status)
	case 2:
		d.dispatchTriage(sessStore, evStore, sess, alive, now)
	case 3:
		d.dispatchEscalationTerminate(sessStore, evStore, sess, alive, now)
	}
}

func (d *Daemon) dispatchTriage(sessStore *store.Store, evStore *events.Store, sess store.Session, alive map[string]bool, now time.Time) {
	if d.cfg.Triage == nil {
		// No triage function configured: let time advance to level 3 on a
		// later tick (spec.md §4.6).
		return
	}
	result, err := d.cfg.Triage(sess.AgentName, d.cfg.Layout.ProjectRoot, sess.LastActivity)
	if err != nil {
		d.cfg.Logger.Printf("watchdog: triage %s: %v", sess.AgentName, err)
		return
	}
	switch result {
	case TriageTerminate:
		reason := "triage decided terminate"
		d.recordFailure(sess.AgentName, reason, now)
		if d.isAlive(alive, sess.TmuxSession) {
			_ = d.cfg.Mux.KillSession(sess.TmuxSession)
		}
		_ = sessStore.UpdateState(sess.AgentName, store.StateZombie)
		_ = sessStore.UpdateEscalation(sess.AgentName, 0, nil)
		d.logEvent(evStore, sess, "escalation_triage", reason)
		d.checkMassDeath(evStore, sess, now)
	case TriageRetry:
		msg := fmt.Sprintf("[WATCHDOG] Recovery check for %q: please confirm you are still working.", sess.AgentName)
		_ = d.cfg.Mux.SendKeys(sess.TmuxSession, msg)
		d.logEvent(evStore, sess, "escalation_triage", "triage decided retry; recovery keystroke sent")
	case TriageExtend:
		d.logEvent(evStore, sess, "escalation_triage", "triage decided extend")
	}
}

func (d *Daemon) dispatchEscalationTerminate(sessStore *store.Store, evStore *events.Store, sess store.Session, alive map[string]bool, now time.Time) {
	reason := "progressive escalation reached terminal level"
	d.recordFailure(sess.AgentName, reason, now)
	if d.isAlive(alive, sess.TmuxSession) {
		if err := d.cfg.Mux.KillSession(sess.TmuxSession); err != nil {
			d.cfg.Logger.Printf("watchdog: kill session for %s: %v", sess.AgentName, err)
		}
	}
	_ = sessStore.UpdateState(sess.AgentName, store.StateZombie)
	_ = sessStore.UpdateEscalation(sess.AgentName, 0, nil)
	d.logEvent(evStore, sess, "escalation_terminate", reason)
	d.checkMassDeath(evStore, sess, now)
}

// checkMassDeath logs a single mass_death_detected event the first tick that
// crosses the mass-death threshold (spec.md §4.6 supplemented behavior): a
// cluster of terminations close together usually points at a shared cause
// (a dependency outage, a bad deploy) rather than N independent agent
// failures, and is worth a distinct signal from N ordinary terminate events.
func (d *Daemon) checkMassDeath(evStore *events.Store, sess store.Session, now time.Time) {
	if !d.noteTermination(now) {
		return
	}
	d.logEvent(evStore, sess, "mass_death_detected",
		fmt.Sprintf("%d agents terminated within the mass-death window", d.cfg.Thresholds.MassDeathThreshold))
}

func (d *Daemon) logEvent(evStore *events.Store, sess store.Session, eventType, data string) {
	err := evStore.Append(events.Event{
		RunID:     sess.RunID,
		AgentName: sess.AgentName,
		SessionID: sess.ID,
		EventType: eventType,
		Level:     "info",
		Data:      data,
	})
	if err != nil {
		d.cfg.Logger.Printf("watchdog: log event %s for %s: %v", eventType, sess.AgentName, err)
	}
}
