package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/TaskClaw/internal/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage credentials in the OS keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name> [value]",
	Short: "Store a credential; the value is read from stdin when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if !secrets.Known(name) {
			return fmt.Errorf("unknown secret %q (known: %s)", name, strings.Join(secrets.Names(), ", "))
		}
		value := ""
		if len(args) == 2 {
			value = args[1]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no value on stdin")
			}
			value = line
		}
		if err := secrets.Set(name, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s stored %s\n", check(true), name)
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s deleted %s\n", check(true), args[0])
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show which credentials are stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range secrets.Names() {
			_, err := secrets.Get(name)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", check(err == nil), name)
		}
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	secretCmd.AddCommand(secretListCmd)
	rootCmd.AddCommand(secretCmd)
}
