// Package metrics is the telemetry store: a separate database from the
// session and event stores (spec.md §6), recording one row per completed
// (agent, task) and a time series of token snapshots.
package metrics

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SessionMetric is one completed agent/task record.
type SessionMetric struct {
	AgentName   string
	BeadID      string
	RunID       string
	DurationMS  int64
	ExitCode    int
	InputTokens int64
	OutputTokens int64
	CostUSD     float64
	Model       string
	MergeResult string // e.g. "merged", "conflict", "abandoned"
	RecordedAt  time.Time
}

// TokenSnapshot is one (agent, timestamp) token-usage sample.
type TokenSnapshot struct {
	AgentName    string
	Timestamp    time.Time
	InputTokens  int64
	OutputTokens int64
}

// Store wraps the SQLite-backed telemetry tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metrics store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open metrics store: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init metrics store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_metrics (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name    TEXT NOT NULL,
	bead_id       TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	exit_code     INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	model         TEXT NOT NULL DEFAULT '',
	merge_result  TEXT NOT NULL DEFAULT '',
	recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_metrics_agent ON session_metrics(agent_name);
CREATE INDEX IF NOT EXISTS idx_session_metrics_run ON session_metrics(run_id);

CREATE TABLE IF NOT EXISTS token_snapshots (
	agent_name    TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (agent_name, timestamp)
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordSession appends one completed (agent, task) metric row.
func (s *Store) RecordSession(m SessionMetric) error {
	recordedAt := m.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO session_metrics (agent_name, bead_id, run_id, duration_ms, exit_code,
			input_tokens, output_tokens, cost_usd, model, merge_result, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.AgentName, m.BeadID, m.RunID, m.DurationMS, m.ExitCode, m.InputTokens, m.OutputTokens,
		m.CostUSD, m.Model, m.MergeResult, recordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record session metric for %s: %w", m.AgentName, err)
	}
	return nil
}

// SessionsByAgent returns every recorded metric for agentName, oldest first.
func (s *Store) SessionsByAgent(agentName string) ([]SessionMetric, error) {
	rows, err := s.db.Query(`
		SELECT agent_name, bead_id, run_id, duration_ms, exit_code, input_tokens, output_tokens,
			cost_usd, model, merge_result, recorded_at
		FROM session_metrics WHERE agent_name = ? ORDER BY id ASC
	`, agentName)
	if err != nil {
		return nil, fmt.Errorf("session metrics for %s: %w", agentName, err)
	}
	defer rows.Close()

	var out []SessionMetric
	for rows.Next() {
		var m SessionMetric
		var recordedAt string
		err := rows.Scan(&m.AgentName, &m.BeadID, &m.RunID, &m.DurationMS, &m.ExitCode,
			&m.InputTokens, &m.OutputTokens, &m.CostUSD, &m.Model, &m.MergeResult, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("scan session metric: %w", err)
		}
		m.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordTokenSnapshot upserts a (agent, timestamp) token sample.
func (s *Store) RecordTokenSnapshot(snap TokenSnapshot) error {
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO token_snapshots (agent_name, timestamp, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_name, timestamp) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens
	`, snap.AgentName, ts.UTC().Format(time.RFC3339Nano), snap.InputTokens, snap.OutputTokens)
	if err != nil {
		return fmt.Errorf("record token snapshot for %s: %w", snap.AgentName, err)
	}
	return nil
}

// TokenSnapshotsByAgent returns every token snapshot for agentName, oldest first.
func (s *Store) TokenSnapshotsByAgent(agentName string) ([]TokenSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT agent_name, timestamp, input_tokens, output_tokens
		FROM token_snapshots WHERE agent_name = ? ORDER BY timestamp ASC
	`, agentName)
	if err != nil {
		return nil, fmt.Errorf("token snapshots for %s: %w", agentName, err)
	}
	defer rows.Close()

	var out []TokenSnapshot
	for rows.Next() {
		var snap TokenSnapshot
		var ts string
		if err := rows.Scan(&snap.AgentName, &ts, &snap.InputTokens, &snap.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan token snapshot: %w", err)
		}
		snap.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}
