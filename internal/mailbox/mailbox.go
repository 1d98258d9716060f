// Package mailbox implements the file-drop message bus the "overstory mail"
// commands read and write. The bus directory itself (.overstory/mail/) is an
// external collaborator concern (other tooling may also drop files there);
// this package only owns the subset of the format this core's own send/check
// commands need: one JSON file per message, one subdirectory per recipient
// agent, and a per-agent debounce marker so a PostToolUse hook firing on
// every tool call doesn't re-check the bus more often than it should.
package mailbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Message is one piece of mail.
type Message struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Type     string `json:"type"` // result | worker_done | error
	Priority string `json:"priority,omitempty"`
	SentAt   string `json:"sent_at"`
}

func inboxDir(mailDir, agent string) string {
	return filepath.Join(mailDir, agent)
}

// Send resolves the recipient to an inbox directory and writes msg as a new
// file there. Direct agent addresses and "coordinator" are both just inbox
// names under mailDir; this core does not implement the teacher's
// group/queue/channel address grammar, only the direct-address case spec.md
// §6 requires.
func Send(mailDir string, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("mailbox: send: recipient address is required")
	}
	dir := inboxDir(mailDir, msg.To)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mailbox: creating inbox %s: %w", msg.To, err)
	}
	if msg.SentAt == "" {
		msg.SentAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mailbox: marshal message: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", msg.SentAt, sanitizeForFilename(msg.From))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mailbox: writing message to %s: %w", msg.To, err)
	}
	return nil
}

func sanitizeForFilename(s string) string {
	if s == "" {
		return "anon"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// debounceMarker is where Check records the last time it ran for agent, so
// repeated invocations inside one debounce window are a no-op.
func debounceMarker(mailDir, agent string) string {
	return filepath.Join(inboxDir(mailDir, agent), ".last-check")
}

// Check lists unread messages for agent (every file in its inbox), honoring
// a debounce window: if the marker file was last touched less than
// debounceMS ago, Check returns (nil, false, nil) without reading the inbox.
// On an actual check, messages are consumed (removed) and the marker is
// updated to now.
func Check(mailDir, agent string, debounceMS int64, now time.Time) ([]Message, bool, error) {
	dir := inboxDir(mailDir, agent)
	marker := debounceMarker(mailDir, agent)

	if debounceMS > 0 {
		if info, err := os.Stat(marker); err == nil {
			if now.Sub(info.ModTime()) < time.Duration(debounceMS)*time.Millisecond {
				return nil, false, nil
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, touchMarker(marker, now)
		}
		return nil, true, fmt.Errorf("mailbox: reading inbox %s: %w", agent, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Message
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}
		var msg Message
		if jsonErr := json.Unmarshal(data, &msg); jsonErr == nil {
			out = append(out, msg)
		}
		os.Remove(path)
	}

	return out, true, touchMarker(marker, now)
}

func touchMarker(path string, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mailbox: preparing marker: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.FormatInt(now.Unix(), 10)), 0o644); err != nil {
		return fmt.Errorf("mailbox: writing marker: %w", err)
	}
	return os.Chtimes(path, now, now)
}

// FormatForInjection renders messages as the plain-text block a
// UserPromptSubmit/PostToolUse hook injects into the agent's context.
func FormatForInjection(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new mail message(s):\n", len(messages))
	for _, m := range messages {
		fmt.Fprintf(&b, "\n--- from %s (%s) ---\nSubject: %s\n%s\n", m.From, m.Type, m.Subject, m.Body)
	}
	return b.String()
}
