package cmd

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/config"
	"github.com/overstory-dev/overstory/internal/daemon"
	"github.com/overstory-dev/overstory/internal/health"
	"github.com/overstory-dev/overstory/internal/tmux"
)

// daemonCmd manages the watchdog (C8) as a background process, following the
// teacher's own re-exec-self-as-"daemon run" idiom
// (internal/cmd/daemon.go, sibling reference fork): "start" launches a fully
// detached copy of this same binary running "daemon run", verifying via the
// PID file which of any racing starts actually won.
var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupLifecycle,
	Short:   "Manage the watchdog daemon",
	RunE:    requireSubcommand,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the watchdog daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := layoutFor(cmd)
		if err != nil {
			return err
		}
		return startWatchdogDetached(layout)
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the watchdog daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := layoutFor(cmd)
		if err != nil {
			return err
		}
		return daemon.StopDaemon(layout)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show watchdog daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := layoutFor(cmd)
		if err != nil {
			return err
		}
		running, pid, err := daemon.IsRunning(layout)
		if err != nil {
			return err
		}
		if !running {
			fmt.Println("watchdog not running")
			return nil
		}
		st, _ := daemon.LoadState(layout)
		fmt.Printf("watchdog running (PID %d), %d tick(s), last tick %s\n", pid, st.TickCount, st.LastTick.Format(time.RFC3339))
		return nil
	},
}

// daemonRunCmd is the actual long-running process entry point; "daemon
// start" re-execs into this. Not meant to be invoked directly by operators.
var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the watchdog daemon in the foreground (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := layoutFor(cmd)
		if err != nil {
			return err
		}
		projectCfg, err := config.LoadProjectConfig(layout.ConfigFile())
		if err != nil {
			return err
		}
		logFile, err := os.OpenFile(layout.DaemonLogFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			defer logFile.Close()
		}
		logger := log.New(os.Stderr, "", log.LstdFlags)
		if logFile != nil {
			logger = log.New(logFile, "", log.LstdFlags)
		}

		d := daemon.New(daemon.Config{
			Layout:          layout,
			Thresholds:      projectCfg,
			Mux:             tmux.New(),
			FailureRecorder: &daemon.MulchFailureRecorder{ProjectRoot: layout.ProjectRoot, Logger: logger},
			OnHealthCheck: func(agentName string, check health.Check) {
				logger.Printf("watchdog: investigate %s: %s", agentName, check.ReconciliationNote)
			},
			Logger: logger,
		})
		return d.Run()
	},
}

// startWatchdogDetached re-execs this same binary as "overstory daemon run",
// fully detached, then re-checks the PID file to see whether this process
// won the race to acquire the daemon lock (mirrors the teacher's own
// daemon-start idiom, internal/cmd/daemon.go in the reference fork).
func startWatchdogDetached(layout config.Layout) error {
	running, pid, err := daemon.IsRunning(layout)
	if err != nil {
		return fmt.Errorf("checking watchdog status: %w", err)
	}
	if running {
		fmt.Printf("watchdog already running (PID %d)\n", pid)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	child := exec.Command(exe, "daemon", "run", "--project-root", layout.ProjectRoot)
	child.Dir = layout.ProjectRoot
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting watchdog: %w", err)
	}

	time.Sleep(200 * time.Millisecond)

	running, pid, err = daemon.IsRunning(layout)
	if err != nil {
		return fmt.Errorf("checking watchdog status: %w", err)
	}
	if !running {
		return fmt.Errorf("watchdog failed to start (check .overstory/daemon/daemon.log)")
	}
	if pid != child.Process.Pid {
		fmt.Printf("watchdog already running (PID %d)\n", pid)
		return nil
	}
	fmt.Printf("watchdog started (PID %d)\n", pid)
	return nil
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd, daemonRunCmd)
	rootCmd.AddCommand(daemonCmd)
}
