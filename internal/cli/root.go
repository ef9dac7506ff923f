package cli

import (
	"stackup/internal/cli/commands"
	"stackup/internal/logger"

	"github.com/spf13/cobra"
)

// createRootCommand creates the root command with global flags
func createRootCommand(env *commands.Env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackup",
		Short: "Declarative service provisioning with health verification",
		Long: `stackup installs a set of interdependent services on one host, starts them
in dependency order and verifies each one is healthy before moving on.
Services are described in a YAML descriptor set; the installer backend is
chosen from the host OS (apt + systemd, or a declarative NixOS module).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := env.Load(); err != nil {
				return err
			}
			logger.SetLevel(env.Config.Log.Level)
			logger.SetFormat(env.Config.Log.Format)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logger.SetLevel("debug")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Default to showing help if no subcommand
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&env.ConfigPath, "config", "c", "", "Path to config.toml (default $XDG_CONFIG_HOME/stackup/config.toml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	return rootCmd
}
