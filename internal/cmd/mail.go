package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-dev/overstory/internal/mailbox"
)

// mailCmd wraps the file-drop message bus (internal/mailbox) the
// UserPromptSubmit/PostToolUse hooks and agent-to-agent coordination rely on
// (spec.md §6).
var mailCmd = &cobra.Command{
	Use:     "mail",
	GroupID: GroupComm,
	Short:   "Send or check agent mail",
	RunE:    requireSubcommand,
}

var mailCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for and optionally inject pending mail",
	RunE:  runMailCheck,
}

var mailSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a mail message to another agent",
	RunE:  runMailSend,
}

func runMailCheck(cmd *cobra.Command, args []string) error {
	agent := agentNameFromEnvOrFlag(cmd)
	if agent == "" {
		return fmt.Errorf("mail check: --agent (or OVERSTORY_AGENT_NAME) is required")
	}
	debounceMS, _ := cmd.Flags().GetInt64("debounce")
	inject, _ := cmd.Flags().GetBool("inject")

	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}

	messages, checked, err := mailbox.Check(layout.MailDir(), agent, debounceMS, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mail check: %w", err)
	}
	if inject && checked {
		if out := mailbox.FormatForInjection(messages); out != "" {
			fmt.Print(out)
		}
	}
	return nil
}

func runMailSend(cmd *cobra.Command, args []string) error {
	to, _ := cmd.Flags().GetString("to")
	subject, _ := cmd.Flags().GetString("subject")
	body, _ := cmd.Flags().GetString("body")
	msgType, _ := cmd.Flags().GetString("type")
	priority, _ := cmd.Flags().GetString("priority")
	agent := agentNameFromEnvOrFlag(cmd)

	layout, err := layoutFor(cmd)
	if err != nil {
		return err
	}

	return mailbox.Send(layout.MailDir(), mailbox.Message{
		To:       to,
		From:     agent,
		Subject:  subject,
		Body:     body,
		Type:     msgType,
		Priority: priority,
	})
}

func init() {
	mailCheckCmd.Flags().String("agent", "", "agent name (defaults to OVERSTORY_AGENT_NAME)")
	mailCheckCmd.Flags().Bool("inject", false, "print pending mail to stdout for context injection")
	mailCheckCmd.Flags().Int64("debounce", 0, "minimum milliseconds between checks for this agent")

	mailSendCmd.Flags().String("to", "", "recipient address")
	mailSendCmd.Flags().String("subject", "", "message subject")
	mailSendCmd.Flags().String("body", "", "message body")
	mailSendCmd.Flags().String("type", "result", "message type (result, worker_done, error)")
	mailSendCmd.Flags().String("agent", "", "sending agent name (defaults to OVERSTORY_AGENT_NAME)")
	mailSendCmd.Flags().String("priority", "", "delivery priority, e.g. urgent")
	mailSendCmd.MarkFlagRequired("to")

	mailCmd.AddCommand(mailCheckCmd, mailSendCmd)
	rootCmd.AddCommand(mailCmd)
}
