package daemon

import (
	"fmt"
	"log"
	"os/exec"
)

// MulchFailureRecorder is the default FailureRecorder (C11): it shells out to
// the knowledge-base CLI's record command, the same fire-and-forget
// subprocess-invocation idiom the teacher uses for its own knowledge-base and
// mail calls (internal/daemon's notifyWitnessOfCrashedPolecat in the
// reference pack). Every error is logged, never returned.
type MulchFailureRecorder struct {
	ProjectRoot string
	Logger      *log.Logger
}

// RecordFailure invokes `mulch record agent-termination --type failure
// --description <reason>` in ProjectRoot. Failures are logged and swallowed.
func (r *MulchFailureRecorder) RecordFailure(agentName, reason string) {
	desc := fmt.Sprintf("agent %s terminated: %s", agentName, reason)
	cmd := exec.Command("mulch", "record", "agent-termination", "--type", "failure", "--description", desc)
	cmd.Dir = r.ProjectRoot
	if err := cmd.Run(); err != nil {
		if r.Logger != nil {
			r.Logger.Printf("failure recorder: mulch record failed for %s: %v", agentName, err)
		}
	}
}
