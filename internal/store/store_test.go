package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSession(agent string) Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	parent := "coordinator"
	pid := 4242
	return Session{
		ID:           "sess-" + agent,
		AgentName:    agent,
		Capability:   "builder",
		ParentAgent:  &parent,
		Depth:        1,
		WorktreePath: "/proj/.overstory/worktrees/" + agent,
		BranchName:   "overstory/" + agent + "/task-1",
		BeadID:       "task-1",
		TmuxSession:  "overstory-" + agent,
		PID:          &pid,
		State:        StateBooting,
		StartedAt:    now,
		LastActivity: now,
	}
}

func TestUpsertThenGetByAgentRoundTrips(t *testing.T) {
	s := openTestStore(t)
	rec := sampleSession("agent-a")

	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.GetByAgent("agent-a")
	if err != nil {
		t.Fatalf("GetByAgent: %v", err)
	}
	if got.AgentName != rec.AgentName || got.Capability != rec.Capability ||
		got.WorktreePath != rec.WorktreePath || got.BranchName != rec.BranchName ||
		got.State != rec.State || got.TmuxSession != rec.TmuxSession {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, rec)
	}
	if got.ParentAgent == nil || *got.ParentAgent != *rec.ParentAgent {
		t.Errorf("ParentAgent round trip: got %v, want %v", got.ParentAgent, rec.ParentAgent)
	}
	if got.PID == nil || *got.PID != *rec.PID {
		t.Errorf("PID round trip: got %v, want %v", got.PID, rec.PID)
	}
	if got.RunID != nil {
		t.Errorf("expected nil RunID preserved as null, got %v", got.RunID)
	}
}

func TestGetByAgentNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetByAgent("nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertDoesNotRegressState(t *testing.T) {
	s := openTestStore(t)
	rec := sampleSession("agent-b")
	rec.State = StateStalled
	rec.EscalationLevel = 2
	stalledSince := time.Now().UTC().Truncate(time.Millisecond)
	rec.StalledSince = &stalledSince
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// A later upsert (e.g. a hook updating last_activity) carries a lower
	// rank state ("booting"); it must not regress the stored state.
	regress := rec
	regress.State = StateBooting
	regress.LastActivity = time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Upsert(regress); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := s.GetByAgent("agent-b")
	if err != nil {
		t.Fatalf("GetByAgent: %v", err)
	}
	if got.State != StateStalled {
		t.Errorf("state regressed: got %s, want %s", got.State, StateStalled)
	}
	if got.EscalationLevel != 2 {
		t.Errorf("escalation_level regressed: got %d, want 2", got.EscalationLevel)
	}
}

func TestGetByRun(t *testing.T) {
	s := openTestStore(t)
	runA := "run-a"
	runB := "run-b"

	a := sampleSession("agent-c")
	a.RunID = &runA
	b := sampleSession("agent-d")
	b.RunID = &runA
	c := sampleSession("agent-e")
	c.RunID = &runB

	for _, r := range []Session{a, b, c} {
		if err := s.Upsert(r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := s.GetByRun(runA)
	if err != nil {
		t.Fatalf("GetByRun: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 sessions in run-a, got %d", len(got))
	}
}

func TestUpdateStateAndEscalation(t *testing.T) {
	s := openTestStore(t)
	rec := sampleSession("agent-f")
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.UpdateState("agent-f", StateWorking); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	since := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpdateEscalation("agent-f", 1, &since); err != nil {
		t.Fatalf("UpdateEscalation: %v", err)
	}

	got, err := s.GetByAgent("agent-f")
	if err != nil {
		t.Fatalf("GetByAgent: %v", err)
	}
	if got.State != StateWorking {
		t.Errorf("state = %s, want working", got.State)
	}
	if got.EscalationLevel != 1 {
		t.Errorf("escalation_level = %d, want 1", got.EscalationLevel)
	}
	if got.StalledSince == nil {
		t.Error("expected stalled_since to be set")
	}

	if err := s.UpdateEscalation("agent-f", 0, nil); err != nil {
		t.Fatalf("UpdateEscalation clear: %v", err)
	}
	got, err = s.GetByAgent("agent-f")
	if err != nil {
		t.Fatalf("GetByAgent: %v", err)
	}
	if got.StalledSince != nil {
		t.Error("expected stalled_since cleared to nil")
	}
}

func TestUpdateLastActivity(t *testing.T) {
	s := openTestStore(t)
	rec := sampleSession("agent-g")
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	later := rec.LastActivity.Add(time.Hour).Truncate(time.Millisecond)
	if err := s.UpdateLastActivity("agent-g", later); err != nil {
		t.Fatalf("UpdateLastActivity: %v", err)
	}

	got, err := s.GetByAgent("agent-g")
	if err != nil {
		t.Fatalf("GetByAgent: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Errorf("last_activity = %v, want %v", got.LastActivity, later)
	}
}

func TestUpdateLastActivityUnknownAgent(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateLastActivity("ghost", time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStateUnknownAgent(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateState("ghost", StateZombie)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLegacyRowBackfillsEscalationFields(t *testing.T) {
	s := openTestStore(t)
	// Simulate a legacy row written without escalation bookkeeping by
	// inserting directly with the column defaults.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, agent_name, capability, depth, worktree_path, branch_name,
			bead_id, tmux_session, state, started_at, last_activity)
		VALUES ('sess-legacy', 'legacy', 'builder', 0, '/p/w/legacy', 'overstory/legacy/t', 't',
			'overstory-legacy', 'working', ?, ?)
	`, now, now)
	if err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}

	got, err := s.GetByAgent("legacy")
	if err != nil {
		t.Fatalf("GetByAgent: %v", err)
	}
	if got.EscalationLevel != 0 {
		t.Errorf("escalation_level = %d, want 0", got.EscalationLevel)
	}
	if got.StalledSince != nil {
		t.Errorf("stalled_since = %v, want nil", got.StalledSince)
	}
}

func TestGetAllEmptyStoreReturnsNoRows(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no rows, got %d", len(got))
	}
}
