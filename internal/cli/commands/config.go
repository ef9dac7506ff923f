package commands

import (
	"fmt"
	"os"
	"strings"

	"stackup/internal/config"
	"stackup/internal/descriptor"
	"stackup/internal/errors"
	"stackup/internal/logger"
	"stackup/internal/scheduler"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ConfigCommands creates configuration management commands
func ConfigCommands(env *Env) []*cobra.Command {
	commands := []*cobra.Command{}

	// stackup config init
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return initConfig(cmd, env, force)
		},
	}
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing configuration file")
	commands = append(commands, initCmd)

	// stackup config show
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := toml.Marshal(env.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", env.ConfigPath, data)
			return nil
		},
	}
	commands = append(commands, showCmd)

	// stackup config validate <descriptors.yaml>
	validateCmd := &cobra.Command{
		Use:   "validate <descriptors.yaml>",
		Short: "Validate a descriptor set and print its plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := descriptor.Load(args[0])
			if err != nil {
				return err
			}
			plan, err := scheduler.Plan(set)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d services, valid\nPlan: %s\n",
				set.Name, set.Len(), strings.Join(plan, " -> "))
			return nil
		},
	}
	commands = append(commands, validateCmd)

	return commands
}

func initConfig(cmd *cobra.Command, env *Env, force bool) error {
	path := env.ConfigPath
	if _, err := os.Stat(path); err == nil && !force {
		return errors.NewWithDetails(errors.ErrConfigValidation, "Configuration already exists", path)
	}

	if err := config.DefaultGlobalConfig().Save(path); err != nil {
		return errors.FileWriteError(path, err)
	}
	logger.WithField("path", path).Info("Wrote default configuration")
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}
