package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// preamble guards every emitted command so hooks deployed outside an agent
// context (e.g. accidentally checked into the canonical project root) lie
// dormant (spec.md §4.8).
const preamble = `[ -z "$OVERSTORY_AGENT_NAME" ] && exit 0; `

// HookEntry is one {matcher, hooks} entry in a hook-class list.
type HookEntry struct {
	Matcher string `json:"matcher"`
	Hooks   []Hook `json:"hooks"`
}

// Hook is a single external command a hook class invokes.
type Hook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// HooksConfig holds the six hook-class lists a settings document carries.
type HooksConfig struct {
	SessionStart     []HookEntry `json:"SessionStart,omitempty"`
	UserPromptSubmit []HookEntry `json:"UserPromptSubmit,omitempty"`
	PreToolUse       []HookEntry `json:"PreToolUse,omitempty"`
	PostToolUse      []HookEntry `json:"PostToolUse,omitempty"`
	Stop             []HookEntry `json:"Stop,omitempty"`
	PreCompact       []HookEntry `json:"PreCompact,omitempty"`
}

// Document is the top-level shape of .claude/settings.local.json.
type Document struct {
	Hooks HooksConfig `json:"hooks"`
}

// readOnlyCapabilities never write files; they get full Write/Edit/
// NotebookEdit blocks and the bash file guard. Every other capability is
// writable and gets the narrower path-boundary variants instead. "monitor"
// is grouped with the read-only set: like coordinator it is a persistent,
// non-file-mutating supervisory role (see spec.md §4.7's persistent-
// capability list), and the spec names no writable behavior for it.
var readOnlyCapabilities = map[string]bool{
	"scout": true, "reviewer": true, "lead": true,
	"coordinator": true, "supervisor": true, "monitor": true,
}

// IsReadOnly reports whether capability belongs to the read-only guard set.
func IsReadOnly(capability string) bool { return readOnlyCapabilities[capability] }

// nativeTeamTools is the universal 10-entry block list every capability
// receives: the worker CLI's native multi-agent primitives are replaced by
// this core's own CLI surface (spec.md §4.8).
var nativeTeamTools = []struct{ tool, reason string }{
	{"Task", "spawn agents via 'overstory sling', not the Task tool"},
	{"TeamCreate", "team topology is managed by the coordinator, not agents"},
	{"TeamCreateWorker", "worker spawn goes through 'overstory sling'"},
	{"SendMessage", "use 'overstory mail send' instead of direct agent messaging"},
	{"ReceiveMessage", "mail is delivered via 'overstory mail check'"},
	{"TaskCreate", "tasks are tracked with 'bd', not the native task tool"},
	{"TaskUpdate", "tasks are tracked with 'bd', not the native task tool"},
	{"TaskList", "tasks are tracked with 'bd', not the native task tool"},
	{"TaskGet", "tasks are tracked with 'bd', not the native task tool"},
	{"ScheduleWakeup", "scheduling goes through the watchdog daemon, not native wakeups"},
}

func commandHook(cmd string) []Hook {
	return []Hook{{Type: "command", Command: preamble + cmd}}
}

// fieldCarryingTools lists the Write/Edit/NotebookEdit matchers and the
// stdin JSON field each carries a path in.
var fieldCarryingTools = []struct{ tool, field string }{
	{"Write", "file_path"},
	{"Edit", "file_path"},
	{"NotebookEdit", "notebook_path"},
}

// pathBoundaryOrBlockEntries builds the first PreToolUse bucket: for
// read-only capabilities each field-carrying tool gets an unconditional
// block; for writable capabilities it gets the path-boundary check instead
// (spec.md §4.8, §8 testable property).
func pathBoundaryOrBlockEntries(capability string) []HookEntry {
	readOnly := IsReadOnly(capability)
	entries := make([]HookEntry, 0, len(fieldCarryingTools))
	for _, f := range fieldCarryingTools {
		var cmd string
		if readOnly {
			cmd = fmt.Sprintf("overstory guard block --reason %q", capability+" agents cannot modify files")
		} else {
			cmd = fmt.Sprintf("overstory guard path-boundary --field %s", f.field)
		}
		entries = append(entries, HookEntry{Matcher: f.tool, Hooks: commandHook(cmd)})
	}
	return entries
}

func dangerEntry() HookEntry {
	return HookEntry{Matcher: "Bash", Hooks: commandHook("overstory guard danger")}
}

// capabilityGuardEntries builds the third PreToolUse bucket: the universal
// native-team-tool blocks, plus the capability-specific Bash guard (file
// guard for read-only, path-boundary guard for writable).
func capabilityGuardEntries(capability string) []HookEntry {
	entries := make([]HookEntry, 0, len(nativeTeamTools)+1)
	for _, t := range nativeTeamTools {
		cmd := fmt.Sprintf("overstory guard block --reason %q", t.reason)
		entries = append(entries, HookEntry{Matcher: t.tool, Hooks: commandHook(cmd)})
	}

	if IsReadOnly(capability) {
		cmd := fmt.Sprintf("overstory guard bash-file --capability %s", capability)
		entries = append(entries, HookEntry{Matcher: "Bash", Hooks: commandHook(cmd)})
	} else {
		entries = append(entries, HookEntry{Matcher: "Bash", Hooks: commandHook("overstory guard bash-path-boundary")})
	}
	return entries
}

func loggingHookEntry(phase string) HookEntry {
	cmd := fmt.Sprintf(`overstory log %s --stdin --agent "$OVERSTORY_AGENT_NAME"`, phase)
	return HookEntry{Matcher: "", Hooks: commandHook(cmd)}
}

// Synthesize builds the hook document for an agent's (name, capability).
// PreToolUse concatenation order is contractual: path-boundary guards →
// danger guards → capability guards → base logging hook (spec.md §4.8).
func Synthesize(agentName, capability string) *HooksConfig {
	cfg := &HooksConfig{}

	cfg.PreToolUse = append(cfg.PreToolUse, pathBoundaryOrBlockEntries(capability)...)
	cfg.PreToolUse = append(cfg.PreToolUse, dangerEntry())
	cfg.PreToolUse = append(cfg.PreToolUse, capabilityGuardEntries(capability)...)
	cfg.PreToolUse = append(cfg.PreToolUse, loggingHookEntry("tool-start"))

	cfg.PostToolUse = []HookEntry{
		loggingHookEntry("tool-end"),
		{Matcher: "", Hooks: commandHook(`overstory mail check --inject --agent "$OVERSTORY_AGENT_NAME" --debounce 500`)},
	}

	cfg.SessionStart = []HookEntry{
		{Matcher: "", Hooks: commandHook(fmt.Sprintf(`overstory prime --agent %q`, agentName))},
	}
	cfg.PreCompact = []HookEntry{
		{Matcher: "", Hooks: commandHook(fmt.Sprintf(`overstory prime --agent %q --compact`, agentName))},
	}
	cfg.UserPromptSubmit = []HookEntry{
		{Matcher: "", Hooks: commandHook(`overstory mail check --inject --agent "$OVERSTORY_AGENT_NAME" --debounce 30000`)},
	}
	cfg.Stop = []HookEntry{
		loggingHookEntry("session-end"),
		{Matcher: "", Hooks: commandHook("mulch learn")},
	}

	return cfg
}

// eventTypes enumerates the hook classes Merge walks.
var eventTypes = []string{"SessionStart", "UserPromptSubmit", "PreToolUse", "PostToolUse", "Stop", "PreCompact"}

func getEntries(cfg *HooksConfig, eventType string) []HookEntry {
	switch eventType {
	case "SessionStart":
		return cfg.SessionStart
	case "UserPromptSubmit":
		return cfg.UserPromptSubmit
	case "PreToolUse":
		return cfg.PreToolUse
	case "PostToolUse":
		return cfg.PostToolUse
	case "Stop":
		return cfg.Stop
	case "PreCompact":
		return cfg.PreCompact
	}
	return nil
}

func setEntries(cfg *HooksConfig, eventType string, entries []HookEntry) {
	switch eventType {
	case "SessionStart":
		cfg.SessionStart = entries
	case "UserPromptSubmit":
		cfg.UserPromptSubmit = entries
	case "PreToolUse":
		cfg.PreToolUse = entries
	case "PostToolUse":
		cfg.PostToolUse = entries
	case "Stop":
		cfg.Stop = entries
	case "PreCompact":
		cfg.PreCompact = entries
	}
}

// Merge layers override onto base, matcher by matcher, within each hook
// class: for a matcher present in both, the first base entry with that
// matcher keeps its position but takes override's hooks (an override
// carrying no hooks for a matcher removes every base entry with that
// matcher outright — an explicit disable); a matcher only in override is
// appended; matchers base carries that override doesn't are left untouched.
func Merge(base, override *HooksConfig) *HooksConfig {
	result := &HooksConfig{
		SessionStart:     append([]HookEntry{}, base.SessionStart...),
		UserPromptSubmit: append([]HookEntry{}, base.UserPromptSubmit...),
		PreToolUse:       append([]HookEntry{}, base.PreToolUse...),
		PostToolUse:      append([]HookEntry{}, base.PostToolUse...),
		Stop:             append([]HookEntry{}, base.Stop...),
		PreCompact:       append([]HookEntry{}, base.PreCompact...),
	}

	for _, eventType := range eventTypes {
		overrideEntries := getEntries(override, eventType)
		if len(overrideEntries) == 0 {
			continue
		}

		baseEntries := getEntries(result, eventType)
		for _, oe := range overrideEntries {
			if len(oe.Hooks) == 0 {
				kept := baseEntries[:0]
				for _, be := range baseEntries {
					if be.Matcher != oe.Matcher {
						kept = append(kept, be)
					}
				}
				baseEntries = kept
				continue
			}
			replaced := false
			for i, be := range baseEntries {
				if be.Matcher == oe.Matcher {
					replaced = true
					baseEntries[i] = oe
					break
				}
			}
			if !replaced {
				baseEntries = append(baseEntries, oe)
			}
		}
		setEntries(result, eventType, baseEntries)
	}

	return result
}

// overrideFileName is the optional per-agent customization file an operator
// can drop into a worktree's .claude directory before a sling/prime-triggered
// Write. It carries the same shape as the synthesized document and is
// layered on top with Merge — most agents have none, so Write's synthesized
// base document passes through unchanged.
const overrideFileName = "hooks.override.json"

// loadOverride reads worktreePath's optional per-agent hook override. A
// missing file is not an error — Write treats it as "no override".
func loadOverride(worktreePath string) (*HooksConfig, error) {
	path := filepath.Join(worktreePath, ".claude", overrideFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &HooksConfig{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var override HooksConfig
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &override, nil
}

// Write synthesizes the capability's base hook document, layers any
// worktree-local hooks.override.json on top via Merge (spec.md §4.8: a
// per-agent override takes precedence over the capability's synthesized
// defaults, matcher by matcher), and writes the merged result to
// <worktreePath>/.claude/settings.local.json.
func Write(worktreePath, agentName, capability string) error {
	base := Synthesize(agentName, capability)

	override, err := loadOverride(worktreePath)
	if err != nil {
		return fmt.Errorf("loading hook override for %s: %w", agentName, err)
	}
	cfg := Merge(base, override)

	doc := Document{Hooks: *cfg}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hook document for %s: %w", agentName, err)
	}
	data = append(data, '\n')

	dir := filepath.Join(worktreePath, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "settings.local.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
