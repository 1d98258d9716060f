package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/guard"
	"github.com/overstory-dev/overstory/internal/overlay"
	"github.com/overstory-dev/overstory/internal/store"
	"github.com/overstory-dev/overstory/internal/tmux"
	"github.com/overstory-dev/overstory/internal/worktree"
)

// slingCmd spawns a new agent: a worktree, its hook document, its overlay,
// a multiplexer session, and a session-store row — the mechanism the guard
// synthesizer's native-team-tool blocks point agents at instead of the
// worker CLI's own Task tool (spec.md §4.8, "spawn agents via 'overstory
// sling', not the Task tool").
var slingCmd = &cobra.Command{
	Use:     "sling <task>",
	GroupID: GroupLifecycle,
	Short:   "Spawn a new agent for a task",
	Args:    cobra.ExactArgs(1),
	RunE:    runSling,
}

func runSling(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	capability, _ := cmd.Flags().GetString("capability")
	name, _ := cmd.Flags().GetString("name")
	parent, _ := cmd.Flags().GetString("parent")
	depth, _ := cmd.Flags().GetInt("depth")
	baseBranch, _ := cmd.Flags().GetString("base")
	command, _ := cmd.Flags().GetString("command")
	if capability == "" || name == "" {
		return fmt.Errorf("sling: --capability and --name are required")
	}

	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}

	mgr := worktree.NewManager(layout.ProjectRoot)
	result, err := mgr.Create(layout.WorktreeBase(), name, baseBranch, taskID)
	if err != nil {
		return fmt.Errorf("sling: creating worktree: %w", err)
	}

	if err := guard.Write(result.Path, name, capability); err != nil {
		return fmt.Errorf("sling: writing hook document: %w", err)
	}

	baseDefinition := ""
	if data, readErr := os.ReadFile(layout.AgentDef(capability)); readErr == nil {
		baseDefinition = string(data)
	}
	var parentAgent *string
	if parent != "" {
		parentAgent = &parent
	}
	overlayCfg := overlay.Config{
		AgentName:      name,
		TaskID:         taskID,
		BranchName:     result.Branch,
		WorktreePath:   result.Path,
		ParentAgent:    parentAgent,
		Depth:          depth,
		Capability:     capability,
		CanSpawn:       !guard.IsReadOnly(capability),
		BaseDefinition: baseDefinition,
	}
	if err := overlay.WriteOverlay(result.Path, overlayCfg, layout.ProjectRoot); err != nil {
		return fmt.Errorf("sling: writing overlay: %w", err)
	}

	tmuxSession := "sess-" + name
	mux := tmux.New()
	pid, err := mux.CreateSession(tmuxSession, result.Path, command, map[string]string{
		"OVERSTORY_AGENT_NAME":    name,
		"OVERSTORY_WORKTREE_PATH": result.Path,
	})
	if err != nil {
		return fmt.Errorf("sling: starting session: %w", err)
	}

	sessStore, err := store.Open(layout.SessionsDB())
	if err != nil {
		return fmt.Errorf("sling: opening session store: %w", err)
	}
	defer sessStore.Close()

	now := time.Now().UTC()
	sess := store.Session{
		ID:           uuid.NewString(),
		AgentName:    name,
		Capability:   capability,
		ParentAgent:  parentAgent,
		Depth:        depth,
		WorktreePath: result.Path,
		BranchName:   result.Branch,
		BeadID:       taskID,
		TmuxSession:  tmuxSession,
		PID:          &pid,
		State:        store.StateBooting,
		StartedAt:    now,
		LastActivity: now,
	}
	if runID := currentRunID(layout); runID != "" {
		sess.RunID = &runID
	}
	if err := sessStore.Upsert(sess); err != nil {
		return fmt.Errorf("sling: recording session: %w", err)
	}

	fmt.Printf("slung %s (%s) in %s\n", name, capability, result.Path)
	return nil
}

func currentRunID(layout interface{ CurrentRunFile() string }) string {
	data, err := os.ReadFile(layout.CurrentRunFile())
	if err != nil {
		return ""
	}
	runID := string(data)
	for len(runID) > 0 && (runID[len(runID)-1] == '\n' || runID[len(runID)-1] == '\r' || runID[len(runID)-1] == ' ') {
		runID = runID[:len(runID)-1]
	}
	return runID
}

func init() {
	slingCmd.Flags().String("capability", "", "agent capability (scout, builder, reviewer, ...)")
	slingCmd.Flags().String("name", "", "agent name")
	slingCmd.Flags().String("parent", "", "parent agent name (defaults to orchestrator)")
	slingCmd.Flags().Int("depth", 0, "spawn depth")
	slingCmd.Flags().String("base", "main", "base branch to fork the agent's worktree from")
	slingCmd.Flags().String("command", "claude", "command to run inside the agent's multiplexer session")
	rootCmd.AddCommand(slingCmd)
}
