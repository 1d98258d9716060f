// Package overlay renders the per-agent assignment document (C7): the
// Markdown file an agent reads on boot describing its task, file scope,
// knowledge domains, and capability-specific constraints. Template storage
// follows the teacher's own go:embed convention for bundled document
// templates (internal/web/templates.go).
package overlay

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

//go:embed templates/assignment.md.tmpl
var assignmentTemplate string

// Config is the input to the overlay generator (spec.md §3, "Overlay config").
type Config struct {
	AgentName        string
	TaskID           string
	SpecPath         *string
	BranchName       string
	WorktreePath     string
	FileScope        []string
	KnowledgeDomains []string
	ParentAgent      *string // defaults to "orchestrator" when nil
	Depth            int
	Capability       string
	CanSpawn         bool
	BaseDefinition   string

	PreloadedExpertise *string
	Mode               *string // "plan" or "execute"
	PlanPath           *string // path to an existing plan document
	CurrentDate        *string
}

func (c Config) parentAgent() string {
	if c.ParentAgent == nil || *c.ParentAgent == "" {
		return "orchestrator"
	}
	return *c.ParentAgent
}

func fileScopeBlock(scope []string) string {
	if len(scope) == 0 {
		return "No file scope restrictions."
	}
	var b strings.Builder
	for _, p := range scope {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return strings.TrimRight(b.String(), "\n")
}

func knowledgeDomainsBlock(domains []string) string {
	if len(domains) == 0 {
		return "No knowledge domains preloaded."
	}
	return fmt.Sprintf("```\nmulch prime %s\n```", strings.Join(domains, " "))
}

func canSpawnBlock(canSpawn bool, agentName string) string {
	if !canSpawn {
		return "This agent cannot spawn sub-agents."
	}
	return fmt.Sprintf(
		"This agent may spawn sub-agents, e.g.:\n```\noverstory sling <task> --capability builder --name %s-sub --parent %s --depth 1\n```",
		agentName, agentName,
	)
}

var readOnlyCapabilities = map[string]bool{
	"scout": true, "reviewer": true, "lead": true,
	"coordinator": true, "supervisor": true, "monitor": true,
}

func isReadOnly(capability string) bool { return readOnlyCapabilities[capability] }

func qualityGatesBlock(capability string) string {
	if isReadOnly(capability) {
		return "Produce findings and hand off; this capability does not merge or close tasks directly. " +
			"Completion means the assigned investigation or review is written up, not that code has been changed."
	}
	return "Tests pass and lint is clean before requesting merge. Completion means the task is closed via `bd close` " +
		"with a reason and the branch is ready to merge."
}

func constraintsBlock(capability string) string {
	if isReadOnly(capability) {
		return "Read-only: this agent must not modify files. All file-mutating Bash commands are blocked."
	}
	return "Worktree isolation: this agent may only modify files under its own worktree path. " +
		"File-mutating commands outside that path are blocked."
}

func optionalLine(label, value string) string {
	if value == "" {
		return ""
	}
	return fmt.Sprintf("**%s:** %s", label, value)
}

func modeBlock(mode, planPath *string) string {
	if mode == nil || *mode == "" {
		return ""
	}
	switch *mode {
	case "plan":
		return "## Mode\n\nThis agent is in plan mode: produce a plan document before making changes."
	case "execute":
		block := "## Mode\n\nThis agent is in execute mode: carry out the assigned plan."
		if planPath != nil && *planPath != "" {
			block += fmt.Sprintf(" Existing plan: %s", *planPath)
		}
		return block
	default:
		return fmt.Sprintf("## Mode\n\n%s", *mode)
	}
}

func expertiseBlock(expertise *string) string {
	if expertise == nil || *expertise == "" {
		return ""
	}
	return "## Pre-loaded expertise\n\n" + *expertise
}

// Render produces the overlay Markdown body. The output never contains a
// remaining {{PLACEHOLDER}} token (spec.md §8 testable property).
func Render(cfg Config) string {
	specLine := ""
	if cfg.SpecPath != nil && *cfg.SpecPath != "" {
		specLine = optionalLine("Spec", *cfg.SpecPath)
	}
	planLine := ""
	if cfg.PlanPath != nil && *cfg.PlanPath != "" {
		planLine = optionalLine("Existing plan", *cfg.PlanPath)
	}
	dateLine := ""
	if cfg.CurrentDate != nil && *cfg.CurrentDate != "" {
		dateLine = optionalLine("Date", *cfg.CurrentDate)
	}

	replacer := strings.NewReplacer(
		"{{AGENT_NAME}}", cfg.AgentName,
		"{{TASK_ID}}", cfg.TaskID,
		"{{CAPABILITY}}", cfg.Capability,
		"{{BRANCH_NAME}}", cfg.BranchName,
		"{{WORKTREE_PATH}}", cfg.WorktreePath,
		"{{PARENT_AGENT}}", cfg.parentAgent(),
		"{{DEPTH}}", strconv.Itoa(cfg.Depth),
		"{{SPEC_PATH_LINE}}", specLine,
		"{{EXISTING_PLAN_LINE}}", planLine,
		"{{CURRENT_DATE_LINE}}", dateLine,
		"{{FILE_SCOPE}}", fileScopeBlock(cfg.FileScope),
		"{{KNOWLEDGE_DOMAINS}}", knowledgeDomainsBlock(cfg.KnowledgeDomains),
		"{{CAN_SPAWN_BLOCK}}", canSpawnBlock(cfg.CanSpawn, cfg.AgentName),
		"{{MODE_BLOCK}}", modeBlock(cfg.Mode, cfg.PlanPath),
		"{{EXPERTISE_BLOCK}}", expertiseBlock(cfg.PreloadedExpertise),
		"{{QUALITY_GATES}}", qualityGatesBlock(cfg.Capability),
		"{{CONSTRAINTS}}", constraintsBlock(cfg.Capability),
		"{{BASE_DEFINITION}}", cfg.BaseDefinition,
	)

	out := replacer.Replace(assignmentTemplate)

	// Collapse blank lines left behind by omitted optional lines so the
	// rendered document doesn't carry runs of empty space.
	lines := strings.Split(out, "\n")
	var kept []string
	blankRun := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if blankRun {
				continue
			}
			blankRun = true
		} else {
			blankRun = false
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// resolve canonicalizes path: absolute, cleaned, and with symlinks resolved
// when the path exists (a path that doesn't exist yet falls back to the
// cleaned absolute form, since EvalSymlinks can't resolve it). Comparison
// must use resolved paths, not existence heuristics, because a
// canonical-root marker file may be present (via git tracking) in every
// worktree (spec.md §4.9), and because the canonical root or a worktree may
// be reached through a symlinked ancestor directory — without
// EvalSymlinks, writing at the canonical root via such an alias would
// compare unequal to the root's own resolved form and slip past this guard.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}
	return resolved, nil
}

// WriteOverlay renders cfg and writes it to <worktreePath>/.claude/CLAUDE.md,
// refusing when worktreePath resolves to the same path as canonicalRoot.
func WriteOverlay(worktreePath string, cfg Config, canonicalRoot string) error {
	resolvedWorktree, err := resolve(worktreePath)
	if err != nil {
		return fmt.Errorf("resolving worktree path %s: %w", worktreePath, err)
	}
	resolvedCanonical, err := resolve(canonicalRoot)
	if err != nil {
		return fmt.Errorf("resolving canonical root %s: %w", canonicalRoot, err)
	}
	if resolvedWorktree == resolvedCanonical {
		return fmt.Errorf("refusing to write overlay at canonical project root %s", resolvedCanonical)
	}

	return writeFile(worktreePath, cfg)
}
