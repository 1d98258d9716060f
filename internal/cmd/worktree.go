package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/housekeeper"
	"github.com/overstory-dev/overstory/internal/store"
	"github.com/overstory-dev/overstory/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	GroupID: GroupLifecycle,
	Short:   "List and clean agent worktrees",
	RunE:    requireSubcommand,
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent worktrees, decorated with session state",
	RunE:  runWorktreeList,
}

var worktreeCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove completed/zombie agent worktrees",
	RunE:  runWorktreeClean,
}

func runWorktreeList(cmd *cobra.Command, args []string) error {
	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}
	sessStore, err := store.Open(layout.SessionsDB())
	if err != nil {
		return fmt.Errorf("worktree list: %w", err)
	}
	defer sessStore.Close()

	mgr := worktree.NewManager(layout.ProjectRoot)
	entries, err := housekeeper.List(mgr, sessStore, layout.WorktreeBase())
	if err != nil {
		return fmt.Errorf("worktree list: %w", err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		data, _ := json.Marshal(entries)
		fmt.Println(string(data))
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-20s %-10s %-10s %s\n", e.AgentName, e.State, e.BeadID, e.Path)
	}
	return nil
}

func runWorktreeClean(cmd *cobra.Command, args []string) error {
	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}
	sessStore, err := store.Open(layout.SessionsDB())
	if err != nil {
		return fmt.Errorf("worktree clean: %w", err)
	}
	defer sessStore.Close()

	selectorFlag, _ := cmd.Flags().GetString("selector")
	force, _ := cmd.Flags().GetBool("force")
	baseBranch, _ := cmd.Flags().GetString("base")

	mgr := worktree.NewManager(layout.ProjectRoot)
	report, err := housekeeper.Clean(mgr, sessStore, baseBranch, housekeeper.Selector(selectorFlag), force)
	if err != nil {
		return fmt.Errorf("worktree clean: %w", err)
	}

	data, _ := json.Marshal(report)
	fmt.Println(string(data))
	return nil
}

func init() {
	worktreeListCmd.Flags().Bool("json", false, "emit listing as JSON")

	worktreeCleanCmd.Flags().String("selector", string(housekeeper.SelectorDefault), "which sessions to clean: default, completed, or all")
	worktreeCleanCmd.Flags().Bool("force", false, "remove worktrees even with unmerged branches")
	worktreeCleanCmd.Flags().String("base", "main", "base branch to check merge status against")

	worktreeCmd.AddCommand(worktreeListCmd, worktreeCleanCmd)
	rootCmd.AddCommand(worktreeCmd)
}
