package coordinator

import (
	"errors"
	"strings"
	"testing"

	"github.com/overstory-dev/overstory/internal/config"
	"github.com/overstory-dev/overstory/internal/store"
)

type fakeMux struct {
	alive   map[string]bool
	created bool
}

func newFakeMux() *fakeMux { return &fakeMux{alive: map[string]bool{}} }

func (f *fakeMux) CreateSession(name, cwd, command string, env map[string]string) (int, error) {
	f.alive[name] = true
	f.created = true
	return 4242, nil
}
func (f *fakeMux) IsSessionAlive(name string) bool { return f.alive[name] }
func (f *fakeMux) KillSession(name string) error {
	f.alive[name] = false
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/sessions.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestResolveAttachPrecedence(t *testing.T) {
	cases := []struct {
		opts   Options
		tty    bool
		expect bool
	}{
		{Options{Attach: true, NoAttach: true}, false, true},
		{Options{NoAttach: true}, true, false},
		{Options{}, true, true},
		{Options{}, false, false},
	}
	for _, c := range cases {
		if got := ResolveAttach(c.opts, c.tty); got != c.expect {
			t.Errorf("ResolveAttach(%+v, tty=%v) = %v, want %v", c.opts, c.tty, got, c.expect)
		}
	}
}

func TestStartRefusesWhenAlreadyRunning(t *testing.T) {
	mux := newFakeMux()
	mux.alive[SessionName] = true
	sessStore := newTestStore(t)
	layout := config.New(t.TempDir())

	err := Start(layout, mux, sessStore, "overstory-agent", Options{NoAttach: true})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Fatalf("error message must contain 'already running', got %q", err.Error())
	}
}

func TestStartCreatesSessionAndRecordsRow(t *testing.T) {
	mux := newFakeMux()
	sessStore := newTestStore(t)
	layout := config.New(t.TempDir())

	if err := Start(layout, mux, sessStore, "overstory-agent", Options{NoAttach: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !mux.created {
		t.Fatal("expected CreateSession to be invoked")
	}

	sess, err := sessStore.GetByAgent("coordinator-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sess.Capability != "coordinator" {
		t.Fatalf("expected capability coordinator, got %s", sess.Capability)
	}
	if sess.State != store.StateBooting {
		t.Fatalf("expected booting state, got %s", sess.State)
	}
}

func TestStopIsIdempotentWhenNotRunning(t *testing.T) {
	mux := newFakeMux()
	sessStore := newTestStore(t)

	if err := Stop(sessStore, mux); err != nil {
		t.Fatalf("stop on absent coordinator should not error: %v", err)
	}
}

func TestStopKillsSessionAndMarksCompleted(t *testing.T) {
	mux := newFakeMux()
	sessStore := newTestStore(t)
	layout := config.New(t.TempDir())

	if err := Start(layout, mux, sessStore, "overstory-agent", Options{NoAttach: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := Stop(sessStore, mux); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if mux.alive[SessionName] {
		t.Fatal("expected session to be killed")
	}
	sess, err := sessStore.GetByAgent("coordinator-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sess.State != store.StateCompleted {
		t.Fatalf("expected completed state, got %s", sess.State)
	}
}

func TestGetStatusReportsRunningAndState(t *testing.T) {
	mux := newFakeMux()
	sessStore := newTestStore(t)
	layout := config.New(t.TempDir())

	if err := Start(layout, mux, sessStore, "overstory-agent", Options{NoAttach: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err := GetStatus(sessStore, mux)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running {
		t.Fatal("expected running")
	}
	if st.State != store.StateBooting {
		t.Fatalf("expected booting, got %s", st.State)
	}
	if st.PID != 4242 {
		t.Fatalf("expected pid 4242, got %d", st.PID)
	}
}

func TestGetStatusWhenNeverStarted(t *testing.T) {
	mux := newFakeMux()
	sessStore := newTestStore(t)

	st, err := GetStatus(sessStore, mux)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Running {
		t.Fatal("expected not running")
	}
}
