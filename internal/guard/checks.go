// Package guard is the structural safety engine (C6): the decision logic
// behind the hook scripts the synthesizer (synth.go) emits, plus the
// synthesis itself. Every check here is a pure function over a tool's stdin
// payload so it can be unit-tested without a shell, matching the ZFC-style
// discipline used elsewhere in this core (internal/health).
package guard

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Decision is what a hook script reports back to the worker CLI.
type Decision struct {
	Block  bool
	Reason string
}

// Allow is the zero-value pass-through decision.
var Allow = Decision{}

func blockf(format string, args ...any) Decision {
	return Decision{Block: true, Reason: fmt.Sprintf(format, args...)}
}

// JSON renders the {"decision":"block","reason":...} contract, or nothing
// (an allow is communicated by exit 0, not a JSON body).
func (d Decision) JSON() []byte {
	if !d.Block {
		return nil
	}
	b, _ := json.Marshal(struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}{Decision: "block", Reason: d.Reason})
	return b
}

// toolInput is the subset of a tool-invocation stdin payload the guards read.
type toolInput struct {
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
	Command      string `json:"command"`
}

func parseToolInput(stdin []byte) toolInput {
	var in toolInput
	_ = json.Unmarshal(stdin, &in) // malformed/empty stdin resolves to zero-value fields
	return in
}

// PathBoundaryCheck enforces that a Write/Edit/NotebookEdit path field stays
// within worktreePath. field is "file_path" or "notebook_path". Relative
// paths are resolved against cwd. An empty path field fails open (spec.md §4.8).
func PathBoundaryCheck(stdin []byte, field, worktreePath, cwd string) Decision {
	in := parseToolInput(stdin)
	var path string
	if field == "notebook_path" {
		path = in.NotebookPath
	} else {
		path = in.FilePath
	}
	if path == "" {
		return Allow
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	path = filepath.Clean(path)
	boundary := filepath.Clean(worktreePath)

	if path == boundary || strings.HasPrefix(path, boundary+string(filepath.Separator)) {
		return Allow
	}
	return blockf("Path boundary violation: %s is outside worktree %s", path, worktreePath)
}

// FullBlock is the unconditional "agents cannot modify files" decision read
// capability's Write/Edit/NotebookEdit entries carry (spec.md §4.8, §8).
func FullBlock(capability string) Decision {
	return blockf("%s agents cannot modify files", capability)
}

var (
	gitPushPattern      = regexp.MustCompile(`\bgit\s+push\b`)
	gitResetHardPattern = regexp.MustCompile(`\bgit\s+reset\s+--hard\b`)
	gitCheckoutBPattern = regexp.MustCompile(`\bgit\s+checkout\s+-b\s+(\S+)`)
)

// DangerCheck blocks git push, git reset --hard (unconditionally), and
// git checkout -b outside the agent's own overstory/<agent>/ branch
// namespace — irrespective of capability (spec.md §4.8).
func DangerCheck(stdin []byte, agentName string) Decision {
	cmd := parseToolInput(stdin).Command
	if cmd == "" {
		return Allow
	}

	switch {
	case gitPushPattern.MatchString(cmd):
		return blockf("danger guard: git push is not permitted")
	case gitResetHardPattern.MatchString(cmd):
		return blockf("danger guard: git reset --hard is not permitted")
	}

	if m := gitCheckoutBPattern.FindStringSubmatch(cmd); m != nil {
		ownedPrefix := fmt.Sprintf("overstory/%s/", agentName)
		if !strings.HasPrefix(m[1], ownedPrefix) {
			return blockf("danger guard: git checkout -b %s is outside this agent's branch namespace", m[1])
		}
	}
	return Allow
}

// safePrefixesBase is the always-allowed command-prefix whitelist for the
// bash file guard, before per-capability additions.
var safePrefixesBase = []string{
	"overstory ", "bd ", "git status", "git log", "git diff", "mulch ", "bun test", "bun run lint",
}

var capabilityExtraPrefixes = map[string][]string{
	"coordinator": {"git add", "git commit"},
}

// fileModifyingPatterns matches shell constructs that mutate the filesystem.
var fileModifyingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsed\s+-i\b`),
	regexp.MustCompile(`\bsed\s+--in-place\b`),
	regexp.MustCompile(`\btee\b`),
	regexp.MustCompile(`\b(vim|nano)\b`),
	regexp.MustCompile(`\bmv\b`),
	regexp.MustCompile(`\bcp\b`),
	regexp.MustCompile(`\brm\b`),
	regexp.MustCompile(`\bmkdir\b`),
	regexp.MustCompile(`\btouch\b`),
	regexp.MustCompile(`\bchmod\b`),
	regexp.MustCompile(`\bchown\b`),
	regexp.MustCompile(`>>`),
}

var installerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bbun\s+(install|add)\b`),
	regexp.MustCompile(`\bnpm\s+install\b`),
}

var runtimeEvalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bbun\s+(-e|--eval)\b`),
	regexp.MustCompile(`\bnode\s+-e\b`),
	regexp.MustCompile(`\bdeno\s+eval\b`),
	regexp.MustCompile(`\bpython3?\s+-c\b`),
	regexp.MustCompile(`\bperl\s+-e\b`),
	regexp.MustCompile(`\bruby\s+-e\b`),
}

var gitMutationPattern = regexp.MustCompile(`\bgit\s+(add|commit|push)\b`)

var dangerousBashPatterns = func() []*regexp.Regexp {
	all := append([]*regexp.Regexp{}, fileModifyingPatterns...)
	all = append(all, installerPatterns...)
	all = append(all, runtimeEvalPatterns...)
	all = append(all, gitMutationPattern)
	return all
}()

// BashFileGuardCheck gates Bash commands for read-only capabilities: accept
// a whitelisted safe-prefix set (plus per-capability additions), otherwise
// reject anything matching a dangerous pattern. Anything else passes.
func BashFileGuardCheck(stdin []byte, capability string) Decision {
	cmd := strings.TrimSpace(parseToolInput(stdin).Command)
	if cmd == "" {
		return Allow
	}

	prefixes := append(append([]string{}, safePrefixesBase...), capabilityExtraPrefixes[capability]...)
	for _, p := range prefixes {
		if strings.HasPrefix(cmd, p) {
			return Allow
		}
	}
	for _, re := range dangerousBashPatterns {
		if re.MatchString(cmd) {
			return FullBlock(capability)
		}
	}
	return Allow
}

var rsyncPattern = regexp.MustCompile(`\brsync\b`)

var bashPathBoundaryTriggerPatterns = append(append([]*regexp.Regexp{}, dangerousBashPatterns...), rsyncPattern)

// BashPathBoundaryCheck gates Bash commands for writable capabilities
// (builder, merger): if the command contains a file-modifying construct,
// every absolute-path token it contains must resolve under worktreePath,
// /dev/*, or /tmp/*. Commands with no absolute path tokens pass.
func BashPathBoundaryCheck(stdin []byte, worktreePath string) Decision {
	cmd := parseToolInput(stdin).Command
	if cmd == "" {
		return Allow
	}

	modifies := false
	for _, re := range bashPathBoundaryTriggerPatterns {
		if re.MatchString(cmd) {
			modifies = true
			break
		}
	}
	if !modifies {
		return Allow
	}

	boundary := filepath.Clean(worktreePath)
	for _, tok := range strings.Fields(cmd) {
		tok = strings.Trim(tok, `";>`)
		if !strings.HasPrefix(tok, "/") {
			continue
		}
		clean := filepath.Clean(tok)
		if strings.HasPrefix(clean, "/dev/") || strings.HasPrefix(clean, "/tmp/") {
			continue
		}
		if clean == boundary || strings.HasPrefix(clean, boundary+"/") {
			continue
		}
		return blockf("Path boundary violation: %s is outside worktree %s", clean, worktreePath)
	}
	return Allow
}
