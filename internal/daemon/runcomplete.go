package daemon

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/overstory-dev/overstory/internal/events"
	"github.com/overstory-dev/overstory/internal/store"
)

// persistentCapabilities are excluded from the run-completion check (spec.md
// §4.7 step 2): they are not workers dispatched for a single run's phase and
// never reach state=completed in the ordinary lifecycle.
var persistentCapabilities = map[string]bool{
	"coordinator": true,
	"monitor":     true,
}

// phaseMessages maps a single shared capability to its targeted completion
// sentence (spec.md §4.7 step 5).
var phaseMessages = map[string]string{
	"scout":    "Ready for next phase",
	"builder":  "Ready for merge/cleanup",
	"lead":     "Ready for merge/cleanup",
	"reviewer": "Reviews done",
	"merger":   "Merges done",
}

// checkRunComplete implements C12 (spec.md §4.7): after per-session
// processing, nudge the coordinator exactly once per run id once every
// non-persistent worker in that run has reached state=completed.
func (d *Daemon) checkRunComplete(sessStore *store.Store, evStore *events.Store, runID string) {
	sessions, err := sessStore.GetByRun(runID)
	if err != nil {
		d.cfg.Logger.Printf("watchdog: run-complete lookup for %s: %v", runID, err)
		return
	}

	var workers []store.Session
	for _, sess := range sessions {
		if persistentCapabilities[sess.Capability] {
			continue
		}
		workers = append(workers, sess)
	}
	if len(workers) == 0 {
		return
	}
	for _, w := range workers {
		if w.State != store.StateCompleted {
			return
		}
	}

	if d.alreadyNotified(runID) {
		return
	}

	capabilities := make([]string, 0, len(workers))
	seen := map[string]bool{}
	var completedAgents []string
	for _, w := range workers {
		completedAgents = append(completedAgents, w.AgentName)
		if !seen[w.Capability] {
			seen[w.Capability] = true
			capabilities = append(capabilities, w.Capability)
		}
	}
	sort.Strings(capabilities)

	phase, message := runCompleteMessage(runID, len(workers), capabilities)

	coordinator := d.findCoordinator(sessStore)
	if coordinator != "" {
		if err := d.cfg.Mux.SendKeys(coordinator, fmt.Sprintf("[WATCHDOG] %s", message)); err != nil {
			d.cfg.Logger.Printf("watchdog: nudge coordinator for run %s: %v", runID, err)
		}
	}

	data := fmt.Sprintf("workerCount=%d completedAgents=%s capabilities=%s phase=%s",
		len(workers), strings.Join(completedAgents, ","), strings.Join(capabilities, ","), phase)
	if err := evStore.Append(events.Event{
		RunID:     &runID,
		AgentName: "watchdog",
		SessionID: runID,
		EventType: "run_complete",
		Level:     "info",
		Data:      data,
	}); err != nil {
		d.cfg.Logger.Printf("watchdog: record run_complete event for %s: %v", runID, err)
	}

	if err := os.WriteFile(d.cfg.Layout.RunCompleteNotifiedFile(), []byte(runID), 0o644); err != nil {
		d.cfg.Logger.Printf("watchdog: write run-complete marker for %s: %v", runID, err)
	}
}

func (d *Daemon) alreadyNotified(runID string) bool {
	data, err := os.ReadFile(d.cfg.Layout.RunCompleteNotifiedFile())
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == runID
}

// findCoordinator looks up the single persistent coordinator session by its
// fixed agent name, independent of run id: coordinator.Start never stamps a
// RunID on the coordinator's row (it isn't a per-run worker, spec.md §4.7
// step 2), so scoping this lookup to the run-filtered session slice the way
// the worker loop above does would never find it.
func (d *Daemon) findCoordinator(sessStore *store.Store) string {
	sess, err := sessStore.GetByAgent("coordinator-1")
	if err != nil {
		return ""
	}
	return sess.TmuxSession
}

// runCompleteMessage builds the phase-aware sentence (spec.md §4.7 step 5)
// and returns the phase label alongside the full message text.
func runCompleteMessage(runID string, workerCount int, capabilities []string) (phase, message string) {
	if len(capabilities) == 1 {
		cap := capabilities[0]
		phase = phaseMessages[cap]
		if phase == "" {
			phase = "Ready for next steps"
		}
		return phase, fmt.Sprintf("All %d %s(s) in run %s have completed. %s.", workerCount, cap, runID, phase)
	}

	phase = "Ready for next steps"
	return phase, fmt.Sprintf("All %d worker(s) in run %s have completed (%s). Ready for next steps.",
		workerCount, runID, strings.Join(capabilities, ", "))
}
