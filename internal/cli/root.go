package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute builds the command tree and runs it
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "security-core",
		Short: "Security core for the ISP platform portals",
		Long: `Security core for the ISP platform: RBAC, RS256 tokens with key rotation,
sessions, MFA, rate limiting, portal admission, tenant security and audit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				return os.Setenv("CONFIG_FILE", cfgFile)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (overrides CONFIG_FILE)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return cmd
}
