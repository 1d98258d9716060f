package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/overstory-dev/overstory/internal/config"
	"github.com/overstory-dev/overstory/internal/events"
	"github.com/overstory-dev/overstory/internal/store"
	"github.com/overstory-dev/overstory/internal/tmux"
)

// Config configures one watchdog daemon run.
type Config struct {
	Layout          config.Layout
	Thresholds      config.ProjectConfig
	Mux             Multiplexer
	PIDAlive        PIDAliveFunc
	Triage          TriageFunc // nil disables tier-2 triage
	FailureRecorder FailureRecorder
	OnHealthCheck   HealthCheckFunc // nil disables the health-check callback
	Logger          *log.Logger
}

// Daemon is the watchdog's supervisor loop (C8): the sole long-running actor
// in the supervisor process (spec.md §5). Ticks run on a fixed interval,
// never overlapping — a slow tick delays the next rather than running
// concurrently, following the teacher's own single-timer daemon loop
// (internal/daemon/daemon.go in the reference pack) rather than a ticker that
// can pile up.
type Daemon struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	state              *State
	recentFailures     map[string]time.Time
	recentTerminations []time.Time
}

// New constructs a Daemon. The caller owns opening/closing store and events
// around the Daemon's lifetime is NOT required — Run opens a fresh store
// handle at the start of every tick and closes it at the end (spec.md §4.6
// step 1/5: "Open session store (scoped; closed at tick end)").
func New(cfg Config) *Daemon {
	if cfg.PIDAlive == nil {
		cfg.PIDAlive = tmux.IsProcessAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Run blocks, ticking on a fixed interval until Stop is called or the
// process receives SIGINT/SIGTERM. The first tick runs immediately
// (spec.md §5, "Scheduling").
func (d *Daemon) Run() error {
	if err := ensureDaemonDir(d.cfg.Layout); err != nil {
		return err
	}

	lockFile := flock.New(d.cfg.Layout.DaemonLockFile())
	locked, err := lockFile.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held by another process)")
	}
	defer func() { _ = lockFile.Unlock() }()

	if err := os.WriteFile(d.cfg.Layout.DaemonPIDFile(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() { _ = os.Remove(d.cfg.Layout.DaemonPIDFile()) }()

	d.mu.Lock()
	d.state = &State{Running: true, PID: os.Getpid(), StartedAt: time.Now().UTC()}
	d.mu.Unlock()
	_ = SaveState(d.cfg.Layout, d.state)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	interval := time.Duration(d.cfg.Thresholds.TickIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}

	d.runTick()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	runEvents, stopWatch := d.watchCurrentRun()
	defer stopWatch()

	runCompleteInterval := time.Duration(d.cfg.Thresholds.RunCompletePollMS) * time.Millisecond
	if runCompleteInterval <= 0 {
		runCompleteInterval = 5 * time.Second
	}
	runCompleteTicker := time.NewTicker(runCompleteInterval)
	defer runCompleteTicker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return d.shutdown()
		case <-sigChan:
			d.cfg.Logger.Println("watchdog: received shutdown signal")
			return d.shutdown()
		case <-timer.C:
			d.runTick()
			timer.Reset(interval)
		case <-runEvents:
			// A new run started (sling/coordinator rewrote current-run.txt):
			// tick immediately instead of waiting out the rest of the
			// interval, then resume the normal cadence from here.
			d.runTick()
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(interval)
		case <-runCompleteTicker.C:
			// Run-completion polling runs on its own cadence, independent of
			// the main health-check tick, so a slow pass over many agents
			// never delays the coordinator nudge a finished run is waiting on.
			d.pollRunComplete()
		}
	}
}

// pollRunComplete runs the run-completion check alone, outside the main
// tick, on its own store handles.
func (d *Daemon) pollRunComplete() {
	defer func() {
		if r := recover(); r != nil {
			d.cfg.Logger.Printf("watchdog: run-complete poll panicked: %v", r)
		}
	}()

	runID := d.readCurrentRunID()
	if runID == "" {
		return
	}

	sessStore, err := store.Open(d.cfg.Layout.SessionsDB())
	if err != nil {
		d.cfg.Logger.Printf("watchdog: run-complete poll: open session store: %v", err)
		return
	}
	defer sessStore.Close()

	evStore, err := events.Open(d.cfg.Layout.EventsDB())
	if err != nil {
		d.cfg.Logger.Printf("watchdog: run-complete poll: open event store: %v", err)
		return
	}
	defer evStore.Close()

	d.checkRunComplete(sessStore, evStore, runID)
}

// watchCurrentRun watches the directory holding current-run.txt and returns
// a channel that receives a value whenever that file is created or written,
// plus a stop func. fsnotify can't watch a file that doesn't exist yet, so
// this watches the parent directory and filters by basename. If the watcher
// can't be established (e.g. the directory doesn't exist), it degrades to a
// nil channel that never fires: the timer-driven tick is the only mandatory
// path, this is a latency optimization on top of it.
func (d *Daemon) watchCurrentRun() (<-chan struct{}, func()) {
	out := make(chan struct{}, 1)
	noop := func() {}

	runFile := d.cfg.Layout.CurrentRunFile()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cfg.Logger.Printf("watchdog: fsnotify unavailable, falling back to polling only: %v", err)
		return nil, noop
	}
	if err := watcher.Add(filepath.Dir(runFile)); err != nil {
		d.cfg.Logger.Printf("watchdog: fsnotify watch failed, falling back to polling only: %v", err)
		_ = watcher.Close()
		return nil, noop
	}

	base := filepath.Base(runFile)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-d.ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = watcher.Close() }
}

// runTick executes exactly one tick, never letting a panic or error escape
// (spec.md §4.6, "Supervisor error policy": any exception from a tick is
// swallowed so the daemon survives).
func (d *Daemon) runTick() {
	defer func() {
		if r := recover(); r != nil {
			d.cfg.Logger.Printf("watchdog: tick panicked: %v", r)
		}
	}()

	if err := d.Tick(time.Now().UTC()); err != nil {
		d.cfg.Logger.Printf("watchdog: tick error: %v", err)
	}

	d.mu.Lock()
	if d.state != nil {
		d.state.LastTick = time.Now().UTC()
		d.state.TickCount++
	}
	st := d.state
	d.mu.Unlock()
	if st != nil {
		_ = SaveState(d.cfg.Layout, st)
	}
}

func (d *Daemon) shutdown() error {
	d.mu.Lock()
	if d.state != nil {
		d.state.Running = false
	}
	st := d.state
	d.mu.Unlock()
	if st != nil {
		_ = SaveState(d.cfg.Layout, st)
	}
	d.cfg.Logger.Println("watchdog: stopped")
	return nil
}

// Stop signals Run to exit after the in-flight tick completes (cooperative
// cancellation, spec.md §5).
func (d *Daemon) Stop() { d.cancel() }

// StopDaemon terminates the watchdog daemon running for the project at
// layout, by PID-file signal (mirrors the teacher's own StopDaemon).
func StopDaemon(layout config.Layout) error {
	running, pid, err := IsRunning(layout)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}
	time.Sleep(500 * time.Millisecond)
	if err := process.Signal(syscall.Signal(0)); err == nil {
		_ = process.Signal(syscall.SIGKILL)
	}
	_ = os.Remove(layout.DaemonPIDFile())
	return nil
}
