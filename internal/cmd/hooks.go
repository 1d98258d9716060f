package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/guard"
	"github.com/overstory-dev/overstory/internal/store"
)

// hooksCmd lets an operator re-synthesize an agent's hook document without
// re-slinging it entirely — useful after a guard-policy change in this
// binary ships and existing worktrees need their settings.local.json
// refreshed.
var hooksCmd = &cobra.Command{
	Use:     "hooks",
	GroupID: GroupLifecycle,
	Short:   "Deploy hook documents to agent worktrees",
	RunE:    requireSubcommand,
}

var hooksDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Re-synthesize and write an agent's hook document",
	RunE:  runHooksDeploy,
}

func runHooksDeploy(cmd *cobra.Command, args []string) error {
	agent, _ := cmd.Flags().GetString("agent")
	if agent == "" {
		return fmt.Errorf("hooks deploy: --agent is required")
	}

	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}
	sessStore, err := store.Open(layout.SessionsDB())
	if err != nil {
		return fmt.Errorf("hooks deploy: %w", err)
	}
	defer sessStore.Close()

	sess, err := sessStore.GetByAgent(agent)
	if err != nil {
		return fmt.Errorf("hooks deploy: %w", err)
	}
	if err := guard.Write(sess.WorktreePath, agent, sess.Capability); err != nil {
		return fmt.Errorf("hooks deploy: %w", err)
	}
	fmt.Printf("deployed hooks for %s (%s) at %s\n", agent, sess.Capability, sess.WorktreePath)
	return nil
}

func init() {
	hooksDeployCmd.Flags().String("agent", "", "agent name")
	hooksCmd.AddCommand(hooksDeployCmd)
	rootCmd.AddCommand(hooksCmd)
}
