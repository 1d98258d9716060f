package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/store"
)

// primeCmd is the SessionStart/PreCompact hook entry point: it prints the
// agent's rendered overlay document (<worktree>/.claude/CLAUDE.md, written by
// the overlay generator when the agent was slung) so the worker CLI injects
// it back into context on boot or after compaction (spec.md §4.8, §4.9).
var primeCmd = &cobra.Command{
	Use:     "prime",
	GroupID: GroupHooks,
	Short:   "Print an agent's assignment overlay for context priming",
	RunE:    runPrime,
}

func runPrime(cmd *cobra.Command, args []string) error {
	agent, _ := cmd.Flags().GetString("agent")
	if agent == "" {
		agent = agentNameFromEnvOrFlag(cmd)
	}
	if agent == "" {
		return fmt.Errorf("prime: --agent (or OVERSTORY_AGENT_NAME) is required")
	}
	compact, _ := cmd.Flags().GetBool("compact")

	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}

	sessStore, err := store.Open(layout.SessionsDB())
	if err != nil {
		return fmt.Errorf("prime: opening session store: %w", err)
	}
	defer sessStore.Close()

	sess, err := sessStore.GetByAgent(agent)
	if err != nil {
		// A session row not yet existing (e.g. priming before the daemon's
		// first tick has observed it) is not fatal: priming is best-effort
		// context injection, not a correctness boundary.
		return nil
	}

	overlayPath := filepath.Join(sess.WorktreePath, ".claude", "CLAUDE.md")
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return nil
	}

	if compact {
		fmt.Println("# Context compacted — re-priming assignment")
		fmt.Println()
	}
	fmt.Print(string(data))
	return nil
}

func init() {
	primeCmd.Flags().String("agent", "", "agent name (defaults to OVERSTORY_AGENT_NAME)")
	primeCmd.Flags().Bool("compact", false, "priming after a context compaction")
	rootCmd.AddCommand(primeCmd)
}
