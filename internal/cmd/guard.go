package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/guard"
)

// guardCmd's subcommands are the hook-script entry points the synthesizer
// (internal/guard/synth.go) emits literally — "overstory guard block",
// "overstory guard path-boundary", etc. Each reads the tool's stdin JSON,
// evaluates the corresponding pure check, and reports the
// {"decision":"block","reason":...} contract on stdout (or nothing, to
// allow); the process exit code is 0 either way (spec.md §4.8, §7).
var guardCmd = &cobra.Command{
	Use:     "guard",
	GroupID: GroupHooks,
	Short:   "Evaluate a structural-safety hook check",
	RunE:    requireSubcommand,
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

func readStdin(cmd *cobra.Command) []byte {
	data, _ := io.ReadAll(cmd.InOrStdin())
	return data
}

// reportDecision prints the block JSON contract on stdout when blocked, or
// nothing to allow. Exit code stays 0 either way — the worker CLI reads the
// JSON body, not the process exit status (spec.md §4.8, §7).
func reportDecision(d guard.Decision) error {
	if body := d.JSON(); body != nil {
		fmt.Fprintln(os.Stdout, string(body))
	}
	return nil
}

var guardBlockCmd = &cobra.Command{
	Use:   "block",
	Short: "Unconditionally block the tool call",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		capability, _ := cmd.Flags().GetString("capability")
		if reason == "" && capability != "" {
			return reportDecision(guard.FullBlock(capability))
		}
		return reportDecision(guard.Decision{Block: true, Reason: reason})
	},
}

var guardPathBoundaryCmd = &cobra.Command{
	Use:   "path-boundary",
	Short: "Enforce a Write/Edit/NotebookEdit path stays inside the worktree",
	RunE: func(cmd *cobra.Command, args []string) error {
		field, _ := cmd.Flags().GetString("field")
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving cwd: %w", err)
		}
		d := guard.PathBoundaryCheck(readStdin(cmd), field, os.Getenv("OVERSTORY_WORKTREE_PATH"), cwd)
		return reportDecision(d)
	},
}

var guardDangerCmd = &cobra.Command{
	Use:   "danger",
	Short: "Block dangerous git operations regardless of capability",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := guard.DangerCheck(readStdin(cmd), os.Getenv("OVERSTORY_AGENT_NAME"))
		return reportDecision(d)
	},
}

var guardBashFileCmd = &cobra.Command{
	Use:   "bash-file",
	Short: "Block file-mutating Bash commands for read-only capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		capability, _ := cmd.Flags().GetString("capability")
		d := guard.BashFileGuardCheck(readStdin(cmd), capability)
		return reportDecision(d)
	},
}

var guardBashPathBoundaryCmd = &cobra.Command{
	Use:   "bash-path-boundary",
	Short: "Enforce Bash file-mutation targets stay inside the worktree",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := guard.BashPathBoundaryCheck(readStdin(cmd), os.Getenv("OVERSTORY_WORKTREE_PATH"))
		return reportDecision(d)
	},
}

func init() {
	guardBlockCmd.Flags().String("reason", "", "block reason")
	guardBlockCmd.Flags().String("capability", "", "capability name, for a generic full-block reason")
	guardPathBoundaryCmd.Flags().String("field", "file_path", "stdin JSON field carrying the path (file_path or notebook_path)")
	guardBashFileCmd.Flags().String("capability", "", "read-only capability name")

	guardCmd.AddCommand(guardBlockCmd, guardPathBoundaryCmd, guardDangerCmd, guardBashFileCmd, guardBashPathBoundaryCmd)
	rootCmd.AddCommand(guardCmd)
}
