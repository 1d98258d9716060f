package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/events"
	"github.com/overstory-dev/overstory/internal/store"
)

// logCmd records one of the three phases the universal logging hooks emit
// (tool-start, tool-end, session-end; spec.md §4.8). It is the command the
// logging entry of the PreToolUse/PostToolUse/Stop buckets invokes, always
// with --stdin.
var logCmd = &cobra.Command{
	Use:     "log {tool-start|tool-end|session-end}",
	GroupID: GroupHooks,
	Short:   "Append a tool/session event to the event log",
	Args:    cobra.ExactArgs(1),
	RunE:    runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	phase := args[0]
	switch phase {
	case "tool-start", "tool-end", "session-end":
	default:
		return fmt.Errorf("log: unknown phase %q (want tool-start, tool-end, or session-end)", phase)
	}

	agent := agentNameFromEnvOrFlag(cmd)
	if agent == "" {
		return fmt.Errorf("log: --agent (or OVERSTORY_AGENT_NAME) is required")
	}

	var payload []byte
	if fromStdin, _ := cmd.Flags().GetBool("stdin"); fromStdin {
		payload = readStdin(cmd)
	}

	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}

	evStore, err := events.Open(layout.EventsDB())
	if err != nil {
		return fmt.Errorf("log: opening event store: %w", err)
	}
	defer evStore.Close()

	sessStore, err := store.Open(layout.SessionsDB())
	if err != nil {
		return fmt.Errorf("log: opening session store: %w", err)
	}
	defer sessStore.Close()

	sess, err := sessStore.GetByAgent(agent)
	sessionID := agent
	var runID *string
	if err == nil {
		sessionID = sess.ID
		runID = sess.RunID
		_ = sessStore.UpdateLastActivity(agent, time.Now().UTC())
	}

	evt := events.Event{
		RunID:     runID,
		AgentName: agent,
		SessionID: sessionID,
		EventType: phase,
		Level:     "info",
		Data:      string(payload),
	}

	// tool-start/tool-end hooks can fire twice for the same invocation when a
	// client-side retry resends the callback; dedup on content so the log
	// stays one row per actual tool call. session-end only ever fires once.
	var appendErr error
	if phase == "session-end" {
		appendErr = evStore.Append(evt)
	} else {
		appendErr = evStore.AppendDeduped(evt)
	}
	if appendErr != nil {
		return fmt.Errorf("log: appending event: %w", appendErr)
	}
	return nil
}

func init() {
	logCmd.Flags().Bool("stdin", false, "read the tool payload from stdin")
	logCmd.Flags().String("agent", "", "agent name (defaults to OVERSTORY_AGENT_NAME)")
	rootCmd.AddCommand(logCmd)
}
