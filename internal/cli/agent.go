package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/TaskClaw/internal/config"
)

var (
	agentMessage   string
	agentSessionID string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Send one message to the agent over the CLI channel",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Message to send to the agent")
	agentCmd.Flags().StringVarP(&agentSessionID, "session", "s", "cli:default", "Session key (channel:chat)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	if agentMessage == "" {
		return errors.New("--message is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reply, err := rt.loop.ProcessDirect(ctx, agentMessage, agentSessionID)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, color.CyanString("🤖"), reply)
	return nil
}
