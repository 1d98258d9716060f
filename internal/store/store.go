// Package store is the durable session store (C3): a SQLite-backed,
// agent-name-keyed table of session records. Only the watchdog writes state,
// escalation_level, and stalled_since; other callers may upsert activity
// fields but must never regress state (see Upsert).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an operation targets an unknown agent_name.
var ErrNotFound = errors.New("session not found")

// State is one of the five session lifecycle states (spec.md §3).
type State string

const (
	StateBooting   State = "booting"
	StateWorking   State = "working"
	StateStalled   State = "stalled"
	StateZombie    State = "zombie"
	StateCompleted State = "completed"
)

// stateRank gives the total order booting < working < stalled < zombie,
// with completed placed above everything else. transition_state (see
// internal/health) never receives completed as a target from the daemon
// loop since completed rows are skipped before evaluation, so this ranking
// only needs to be correct along the booting→working→stalled→zombie chain.
var stateRank = map[State]int{
	StateBooting:   0,
	StateWorking:   1,
	StateStalled:   2,
	StateZombie:    3,
	StateCompleted: 4,
}

// Rank returns s's position in the monotonic state ordering.
func Rank(s State) int { return stateRank[s] }

// Session is one agent session record.
type Session struct {
	ID              string
	AgentName       string
	Capability      string
	ParentAgent     *string
	Depth           int
	WorktreePath    string
	BranchName      string
	BeadID          string
	TmuxSession     string
	PID             *int
	State           State
	EscalationLevel int
	StalledSince    *time.Time
	StartedAt       time.Time
	LastActivity    time.Time
	RunID           *string
}

// Store wraps a SQLite-backed session table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the session store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	agent_name       TEXT NOT NULL UNIQUE,
	capability       TEXT NOT NULL,
	parent_agent     TEXT,
	depth            INTEGER NOT NULL DEFAULT 0,
	worktree_path    TEXT NOT NULL,
	branch_name      TEXT NOT NULL,
	bead_id          TEXT NOT NULL DEFAULT '',
	tmux_session     TEXT NOT NULL,
	pid              INTEGER,
	state            TEXT NOT NULL,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	stalled_since    TEXT,
	started_at       TEXT NOT NULL,
	last_activity    TEXT NOT NULL,
	run_id           TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_run ON sessions(run_id);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts a new session row, or merges activity fields
// (worktree_path, branch_name, bead_id, tmux_session, pid, last_activity,
// run_id, parent_agent, depth, capability) into an existing one. state is
// only applied on insert or when it advances the existing row's rank — a
// caller cannot use Upsert to regress state; use UpdateState for the
// watchdog's own authoritative writes.
func (s *Store) Upsert(rec Session) error {
	if rec.ID == "" {
		return errors.New("upsert: id is required")
	}
	if rec.AgentName == "" {
		return errors.New("upsert: agent_name is required")
	}

	existing, err := s.GetByAgent(rec.AgentName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("upsert %s: %w", rec.AgentName, err)
	}

	state := rec.State
	escalation := rec.EscalationLevel
	stalledSince := rec.StalledSince
	id := rec.ID
	startedAt := rec.StartedAt
	if existing != nil {
		id = existing.ID
		startedAt = existing.StartedAt
		if Rank(existing.State) > Rank(state) {
			state = existing.State
			escalation = existing.EscalationLevel
			stalledSince = existing.StalledSince
		}
	}
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, agent_name, capability, parent_agent, depth, worktree_path,
			branch_name, bead_id, tmux_session, pid, state, escalation_level, stalled_since,
			started_at, last_activity, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET
			capability = excluded.capability,
			parent_agent = excluded.parent_agent,
			depth = excluded.depth,
			worktree_path = excluded.worktree_path,
			branch_name = excluded.branch_name,
			bead_id = excluded.bead_id,
			tmux_session = excluded.tmux_session,
			pid = excluded.pid,
			state = excluded.state,
			escalation_level = excluded.escalation_level,
			stalled_since = excluded.stalled_since,
			last_activity = excluded.last_activity,
			run_id = excluded.run_id
	`, id, rec.AgentName, rec.Capability, nullableString(rec.ParentAgent), rec.Depth,
		rec.WorktreePath, rec.BranchName, rec.BeadID, rec.TmuxSession, nullableInt(rec.PID),
		string(state), escalation, nullableTime(stalledSince), formatTime(startedAt),
		formatTime(rec.LastActivity), nullableString(rec.RunID))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.AgentName, err)
	}
	return nil
}

// GetAll returns every session row, in no particular guaranteed order beyond
// what SQLite's natural scan produces (callers needing ordering must sort).
func (s *Store) GetAll() ([]Session, error) {
	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("get all sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// GetByRun returns every session row sharing runID.
func (s *Store) GetByRun(runID string) ([]Session, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM sessions WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("get sessions by run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// GetByAgent returns the row for agentName, or ErrNotFound.
func (s *Store) GetByAgent(agentName string) (*Session, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM sessions WHERE agent_name = ?`, agentName)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", agentName, err)
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return &sessions[0], nil
}

// UpdateState is the watchdog's authoritative state write. It does not
// enforce monotonicity itself — callers (internal/health's transition_state)
// are responsible for computing the next state correctly; this method
// simply persists whatever is passed.
func (s *Store) UpdateState(agentName string, state State) error {
	res, err := s.db.Exec(`UPDATE sessions SET state = ? WHERE agent_name = ?`, string(state), agentName)
	if err != nil {
		return fmt.Errorf("update state %s: %w", agentName, err)
	}
	return checkAffected(res, agentName)
}

// UpdateEscalation persists escalation bookkeeping. A nil stalledSince
// clears the column.
func (s *Store) UpdateEscalation(agentName string, level int, stalledSince *time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET escalation_level = ?, stalled_since = ? WHERE agent_name = ?`,
		level, nullableTime(stalledSince), agentName)
	if err != nil {
		return fmt.Errorf("update escalation %s: %w", agentName, err)
	}
	return checkAffected(res, agentName)
}

// UpdateLastActivity records an agent's most recent observed activity. This
// is the one state-adjacent field non-watchdog callers (hook scripts) are
// permitted to write directly (spec.md §5, "shared-resource discipline").
func (s *Store) UpdateLastActivity(agentName string, t time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE agent_name = ?`, formatTime(t), agentName)
	if err != nil {
		return fmt.Errorf("update last_activity %s: %w", agentName, err)
	}
	return checkAffected(res, agentName)
}

// Delete removes the row for agentName. Deleting an unknown agent is not an
// error — the housekeeper's pruning pass (internal/housekeeper) calls this
// on rows it has already confirmed are stale.
func (s *Store) Delete(agentName string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE agent_name = ?`, agentName)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", agentName, err)
	}
	return nil
}

func checkAffected(res sql.Result, agentName string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", agentName, ErrNotFound)
	}
	return nil
}

const selectColumns = `id, agent_name, capability, parent_agent, depth, worktree_path, branch_name,
	bead_id, tmux_session, pid, state, escalation_level, stalled_since, started_at, last_activity, run_id`

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		var rec Session
		var parentAgent, stalledSince, startedAt, lastActivity, runID sql.NullString
		var pid sql.NullInt64
		var state string

		err := rows.Scan(&rec.ID, &rec.AgentName, &rec.Capability, &parentAgent, &rec.Depth,
			&rec.WorktreePath, &rec.BranchName, &rec.BeadID, &rec.TmuxSession, &pid, &state,
			&rec.EscalationLevel, &stalledSince, &startedAt, &lastActivity, &runID)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}

		rec.State = State(state)
		if parentAgent.Valid {
			v := parentAgent.String
			rec.ParentAgent = &v
		}
		if pid.Valid {
			v := int(pid.Int64)
			rec.PID = &v
		}
		if stalledSince.Valid {
			t, err := time.Parse(time.RFC3339Nano, stalledSince.String)
			if err == nil {
				rec.StalledSince = &t
			}
		}
		if runID.Valid {
			v := runID.String
			rec.RunID = &v
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt.String)
		rec.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity.String)

		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
