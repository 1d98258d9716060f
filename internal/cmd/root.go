// Package cmd is the command-line dispatcher: one cobra.Command per
// subcommand, each wiring a thin flag/IO layer onto the packages that hold
// the actual logic (internal/guard, internal/overlay, internal/worktree,
// internal/coordinator, internal/housekeeper, internal/daemon,
// internal/mailbox). Registration follows the teacher's own per-file
// init()-registers-on-rootCmd pattern (internal/cmd/*.go in the reference
// pack).
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/config"
)

// Command groups, mirroring the teacher's GroupID-based help sections.
const (
	GroupLifecycle = "lifecycle"
	GroupHooks     = "hooks"
	GroupComm      = "comm"
	GroupDiag      = "diag"
)

var rootCmd = &cobra.Command{
	Use:   "overstory",
	Short: "Agent supervision core: watchdog, worktrees, and hook scripts",
	Long: `overstory supervises a fleet of coding-agent sessions: a watchdog daemon
reconciles liveness and escalates stalled agents, a worktree manager isolates
each agent's git state, and a structural safety engine synthesizes the hook
scripts that keep agents inside their assigned boundaries.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupLifecycle, Title: "Lifecycle Commands:"},
		&cobra.Group{ID: GroupHooks, Title: "Hook Commands:"},
		&cobra.Group{ID: GroupComm, Title: "Communication Commands:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostic Commands:"},
	)
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// projectRoot resolves the project root a command should operate against:
// the value of --project-root if set, otherwise the current working
// directory. The core does not walk upward looking for a marker file the
// way the teacher's workspace.FindFromCwd does — every command here is
// expected to run from inside (or be pointed at) the project root directly.
func projectRoot(cmd *cobra.Command) (string, error) {
	if v, err := cmd.Flags().GetString("project-root"); err == nil && v != "" {
		return v, nil
	}
	return os.Getwd()
}

func layoutFor(cmd *cobra.Command) (config.Layout, error) {
	root, err := projectRoot(cmd)
	if err != nil {
		return config.Layout{}, fmt.Errorf("resolving project root: %w", err)
	}
	return config.New(root), nil
}

func addProjectRootFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("project-root", "", "project root (defaults to the current directory)")
}

// agentNameFromEnvOrFlag reads --agent, falling back to OVERSTORY_AGENT_NAME
// (the same environment contract the hook scripts rely on, spec.md §6).
func agentNameFromEnvOrFlag(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("agent"); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("OVERSTORY_AGENT_NAME"))
}

func init() {
	addProjectRootFlag(rootCmd)
}
