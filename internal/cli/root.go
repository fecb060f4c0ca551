package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/TaskClaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _____         _     ____ _\n" +
		" |_   _|_ _ ___| | __/ ___| | __ ___      __\n" +
		"   | |/ _` / __| |/ / |   | |/ _` \\ \\ /\\ / /\n" +
		"   | | (_| \\__ \\   <| |___| | (_| |\\ V  V /\n" +
		"   |_|\\__,_|___/_|\\_\\\\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "taskclaw",
	Short: "TaskClaw - conversational task agent",
	Long:  color.CyanString(logo) + "\nA chat agent that turns development requests into tracked, refinable tasks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(taskCmd)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func check(ok bool) string {
	if ok {
		return color.GreenString("✓")
	}
	return color.RedString("✗")
}
