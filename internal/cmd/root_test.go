package cmd

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestAgentNameFromEnvOrFlagPrefersFlag(t *testing.T) {
	t.Setenv("OVERSTORY_AGENT_NAME", "env-agent")
	c := &cobra.Command{Use: "x"}
	c.Flags().String("agent", "", "")
	c.Flags().Set("agent", "flag-agent")

	if got := agentNameFromEnvOrFlag(c); got != "flag-agent" {
		t.Errorf("agentNameFromEnvOrFlag() = %q, want %q", got, "flag-agent")
	}
}

func TestAgentNameFromEnvOrFlagFallsBackToEnv(t *testing.T) {
	t.Setenv("OVERSTORY_AGENT_NAME", "  env-agent  ")
	c := &cobra.Command{Use: "x"}
	c.Flags().String("agent", "", "")

	if got := agentNameFromEnvOrFlag(c); got != "env-agent" {
		t.Errorf("agentNameFromEnvOrFlag() = %q, want %q", got, "env-agent")
	}
}

func TestProjectRootDefaultsToCwd(t *testing.T) {
	c := &cobra.Command{Use: "x"}
	c.Flags().String("project-root", "", "")

	root, err := projectRoot(c)
	if err != nil {
		t.Fatalf("projectRoot: %v", err)
	}
	if root == "" {
		t.Error("expected a non-empty default project root")
	}
}

func TestProjectRootHonorsFlag(t *testing.T) {
	c := &cobra.Command{Use: "x"}
	c.Flags().String("project-root", "", "")
	c.Flags().Set("project-root", "/tmp/example-project")

	root, err := projectRoot(c)
	if err != nil {
		t.Fatalf("projectRoot: %v", err)
	}
	if root != "/tmp/example-project" {
		t.Errorf("projectRoot() = %q, want /tmp/example-project", root)
	}
}
