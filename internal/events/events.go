// Package events is the append-only event log (C4): tool invocations and
// custom events, indexed by run id and agent, with per-tool aggregate
// statistics.
package events

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"
)

// Event is one append-only log entry.
type Event struct {
	RunID         *string
	AgentName     string
	SessionID     string
	EventType     string
	ToolName      string
	ToolArgs      string // raw JSON, opaque to this store
	ToolDurationMS *int64
	Level         string // e.g. "info", "warn", "error"
	Data          string // raw JSON, opaque to this store
	CreatedAt     time.Time
}

// Store wraps a SQLite-backed append-only event table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the event store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT,
	agent_name       TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	tool_name        TEXT NOT NULL DEFAULT '',
	tool_args        TEXT NOT NULL DEFAULT '',
	tool_duration_ms INTEGER,
	level            TEXT NOT NULL DEFAULT 'info',
	data             TEXT NOT NULL DEFAULT '',
	dedup_key        TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_name);
CREATE INDEX IF NOT EXISTS idx_events_tool ON events(tool_name);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(dedup_key) WHERE dedup_key != '';
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append writes one event row. There is no update path: events are
// append-only by design.
func (s *Store) Append(e Event) error {
	return s.insert(e, "")
}

// AppendDeduped writes one event row keyed by a content hash of its agent,
// event type, tool name, and data, so that a hook firing the same custom
// event twice for the same agent (e.g. a retried tool-end callback) only
// ever lands one row. The second call is a silent no-op, not an error.
func (s *Store) AppendDeduped(e Event) error {
	return s.insert(e, contentHash(e))
}

// contentHash returns a stable, content-addressed key for an event so
// duplicate deliveries of the same logical event collapse to one row.
func contentHash(e Event) string {
	h := xxhash.New()
	h.WriteString(e.AgentName)
	h.WriteString("\x00")
	h.WriteString(e.EventType)
	h.WriteString("\x00")
	h.WriteString(e.ToolName)
	h.WriteString("\x00")
	h.WriteString(e.Data)
	return strconv.FormatUint(h.Sum64(), 16)
}

func (s *Store) insert(e Event, dedupKey string) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO events (run_id, agent_name, session_id, event_type, tool_name, tool_args,
			tool_duration_ms, level, data, dedup_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, nullableString(e.RunID), e.AgentName, e.SessionID, e.EventType, e.ToolName, e.ToolArgs,
		nullableInt64(e.ToolDurationMS), e.Level, e.Data, dedupKey, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append event for %s: %w", e.AgentName, err)
	}
	return nil
}

// ByAgent returns every event for agentName, oldest first.
func (s *Store) ByAgent(agentName string) ([]Event, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM events WHERE agent_name = ? ORDER BY id ASC`, agentName)
	if err != nil {
		return nil, fmt.Errorf("events for agent %s: %w", agentName, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ByRun returns every event for runID, oldest first.
func (s *Store) ByRun(runID string) ([]Event, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("events for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ToolStat is a per-tool aggregate.
type ToolStat struct {
	ToolName   string
	Count      int64
	AvgDuration float64 // milliseconds
	ErrorCount int64
}

// ToolStats returns per-tool aggregates (count, average duration, error
// count), optionally scoped to a single agent. An empty agentName scopes
// across all agents.
func (s *Store) ToolStats(agentName string) ([]ToolStat, error) {
	query := `
		SELECT tool_name,
			COUNT(*) AS cnt,
			COALESCE(AVG(tool_duration_ms), 0) AS avg_duration,
			SUM(CASE WHEN level = 'error' THEN 1 ELSE 0 END) AS error_count
		FROM events
		WHERE tool_name != ''`
	args := []any{}
	if agentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, agentName)
	}
	query += ` GROUP BY tool_name ORDER BY tool_name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("tool stats: %w", err)
	}
	defer rows.Close()

	var stats []ToolStat
	for rows.Next() {
		var st ToolStat
		if err := rows.Scan(&st.ToolName, &st.Count, &st.AvgDuration, &st.ErrorCount); err != nil {
			return nil, fmt.Errorf("scan tool stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Purge deletes every event row. This is the only deletion path (spec.md §4.4).
func (s *Store) Purge() error {
	_, err := s.db.Exec(`DELETE FROM events`)
	if err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	return nil
}

const selectColumns = `run_id, agent_name, session_id, event_type, tool_name, tool_args,
	tool_duration_ms, level, data, created_at`

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var runID sql.NullString
		var duration sql.NullInt64
		var createdAt string

		err := rows.Scan(&runID, &e.AgentName, &e.SessionID, &e.EventType, &e.ToolName, &e.ToolArgs,
			&duration, &e.Level, &e.Data, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if runID.Valid {
			v := runID.String
			e.RunID = &v
		}
		if duration.Valid {
			v := duration.Int64
			e.ToolDurationMS = &v
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt64(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
