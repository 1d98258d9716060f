package cmd

import (
	"testing"

	"github.com/overstory-dev/overstory/internal/config"
	"github.com/overstory-dev/overstory/internal/events"
)

func TestLogAppendsEvent(t *testing.T) {
	root := t.TempDir()
	if _, err := execRoot(t, `{"tool":"Bash"}`, "log", "tool-start", "--project-root", root,
		"--agent", "builder-1", "--stdin"); err != nil {
		t.Fatalf("log tool-start: %v", err)
	}

	layout := config.New(root)
	evStore, err := events.Open(layout.EventsDB())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	defer evStore.Close()

	got, err := evStore.ByAgent("builder-1")
	if err != nil {
		t.Fatalf("ByAgent: %v", err)
	}
	if len(got) != 1 || got[0].EventType != "tool-start" {
		t.Errorf("events = %+v", got)
	}
}

func TestLogDedupesRepeatedToolEndDelivery(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 2; i++ {
		if _, err := execRoot(t, `{"tool":"Bash","ok":true}`, "log", "tool-end", "--project-root", root,
			"--agent", "builder-1", "--stdin"); err != nil {
			t.Fatalf("log tool-end (%d): %v", i, err)
		}
	}

	layout := config.New(root)
	evStore, err := events.Open(layout.EventsDB())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	defer evStore.Close()

	got, err := evStore.ByAgent("builder-1")
	if err != nil {
		t.Fatalf("ByAgent: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected a retried tool-end delivery to collapse to 1 event, got %d", len(got))
	}
}

func TestLogRejectsUnknownPhase(t *testing.T) {
	root := t.TempDir()
	_, err := execRoot(t, "", "log", "bogus-phase", "--project-root", root, "--agent", "a")
	if err == nil {
		t.Fatal("expected an error for an unknown log phase")
	}
}

func TestLogRequiresAgent(t *testing.T) {
	root := t.TempDir()
	_, err := execRoot(t, "", "log", "tool-start", "--project-root", root)
	if err == nil {
		t.Fatal("expected an error for a missing agent")
	}
}
