package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/coordinator"
	"github.com/overstory-dev/overstory/internal/daemon"
	"github.com/overstory-dev/overstory/internal/store"
	"github.com/overstory-dev/overstory/internal/tmux"
)

var coordinatorCmd = &cobra.Command{
	Use:     "coordinator",
	GroupID: GroupLifecycle,
	Short:   "Manage the project's persistent coordinator session",
	RunE:    requireSubcommand,
}

var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordinator session and the watchdog daemon",
	RunE:  runCoordinatorStart,
}

var coordinatorStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the coordinator session",
	RunE:  runCoordinatorStop,
}

var coordinatorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator status",
	RunE:  runCoordinatorStatus,
}

func coordinatorOpts(cmd *cobra.Command) coordinator.Options {
	attach, _ := cmd.Flags().GetBool("attach")
	noAttach, _ := cmd.Flags().GetBool("no-attach")
	return coordinator.Options{Attach: attach, NoAttach: noAttach}
}

func openSessionStore(cmd *cobra.Command) (*store.Store, error) {
	layout, err := layoutFor(cmd)
	if err != nil {
		return nil, err
	}
	return store.Open(layout.SessionsDB())
}

func runCoordinatorStart(cmd *cobra.Command, args []string) error {
	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}
	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("coordinator start: %w", err)
	}

	sessStore, err := store.Open(layout.SessionsDB())
	if err != nil {
		return fmt.Errorf("coordinator start: %w", err)
	}
	defer sessStore.Close()

	command, _ := cmd.Flags().GetString("command")
	if err := coordinator.Start(layout, tmux.New(), sessStore, command, coordinatorOpts(cmd)); err != nil {
		return err
	}

	if running, _, _ := daemon.IsRunning(layout); !running {
		if startErr := startWatchdogDetached(layout); startErr != nil {
			fmt.Fprintf(os.Stderr, "coordinator start: watchdog did not start: %v\n", startErr)
		}
	}
	return nil
}

func runCoordinatorStop(cmd *cobra.Command, args []string) error {
	sessStore, err := openSessionStore(cmd)
	if err != nil {
		return fmt.Errorf("coordinator stop: %w", err)
	}
	defer sessStore.Close()
	return coordinator.Stop(sessStore, tmux.New())
}

func runCoordinatorStatus(cmd *cobra.Command, args []string) error {
	sessStore, err := openSessionStore(cmd)
	if err != nil {
		return fmt.Errorf("coordinator status: %w", err)
	}
	defer sessStore.Close()

	st, err := coordinator.GetStatus(sessStore, tmux.New())
	if err != nil {
		return fmt.Errorf("coordinator status: %w", err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		data, _ := json.Marshal(st)
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("running=%v pid=%d state=%s\n", st.Running, st.PID, st.State)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{coordinatorStartCmd, coordinatorStatusCmd} {
		c.Flags().Bool("attach", false, "force attaching to the coordinator's terminal")
		c.Flags().Bool("no-attach", false, "force detaching from the coordinator's terminal")
	}
	coordinatorStartCmd.Flags().String("command", "claude", "command to run inside the coordinator's multiplexer session")
	coordinatorStatusCmd.Flags().Bool("json", false, "emit status as JSON")

	coordinatorCmd.AddCommand(coordinatorStartCmd, coordinatorStopCmd, coordinatorStatusCmd)
	rootCmd.AddCommand(coordinatorCmd)
}
