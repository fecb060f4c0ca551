package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/TaskClaw/internal/config"
	"github.com/KafClaw/TaskClaw/internal/session"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskclaw %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and channel status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "📊 TaskClaw Status")
	fmt.Fprintf(out, "Version:  %s\n", version)

	path, err := config.ConfigPath()
	if err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	fmt.Fprintf(out, "Config:   %s %s\n", check(statErr == nil), path)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Model:    %s\n", cfg.Model.Name)
	fmt.Fprintf(out, "API key:  %s\n", check(cfg.Providers.OpenAI.APIKey != ""))
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Paths.Workspace)

	fmt.Fprintln(out, "\nChannels:")
	fmt.Fprintf(out, "  slack     %s\n", check(cfg.Channels.Slack.Enabled))
	fmt.Fprintf(out, "  telegram  %s\n", check(cfg.Channels.Telegram.Enabled))
	fmt.Fprintf(out, "  whatsapp  %s\n", check(cfg.Channels.WhatsApp.Enabled))
	if cfg.Channels.WhatsApp.Enabled {
		if _, err := os.Stat(cfg.Channels.WhatsApp.StorePath); err == nil {
			fmt.Fprintln(out, "            session linked")
		} else {
			fmt.Fprintf(out, "            not linked, QR code will be written to %s\n", cfg.Channels.WhatsApp.QRPath)
		}
	}
	fmt.Fprintf(out, "  kafka     %s\n", check(cfg.Channels.Kafka.Enabled))

	if sessions, err := session.NewManager(cfg.Paths.SessionsDir); err == nil {
		infos := sessions.List()
		tasks := 0
		for _, info := range infos {
			tasks += info.Tasks
		}
		fmt.Fprintf(out, "\nSessions: %d (%d tasks)\n", len(infos), tasks)
	}
	return nil
}
