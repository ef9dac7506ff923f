package cli

import (
	"context"

	"stackup/internal/cli/commands"

	"github.com/spf13/cobra"
)

// Manager handles CLI operations
type Manager struct {
	env     *commands.Env
	rootCmd *cobra.Command
}

// New creates a new CLI manager
func New(env *commands.Env) *Manager {
	if env == nil {
		env = commands.NewEnv()
	}
	m := &Manager{
		env:     env,
		rootCmd: createRootCommand(env),
	}
	m.setupCommands()
	return m
}

// Root returns the root command
func (m *Manager) Root() *cobra.Command {
	return m.rootCmd
}

// Execute executes the CLI with the given arguments
func (m *Manager) Execute(args []string) error {
	return m.ExecuteWithContext(context.Background(), args)
}

// ExecuteWithContext executes the CLI with the given arguments and context
func (m *Manager) ExecuteWithContext(ctx context.Context, args []string) error {
	m.rootCmd.SetArgs(args)
	if m.env.Out != nil {
		m.rootCmd.SetOut(m.env.Out)
	}
	return m.rootCmd.ExecuteContext(ctx)
}

// setupCommands sets up all CLI commands
func (m *Manager) setupCommands() {
	m.rootCmd.AddCommand(commands.ProvisionCommand(m.env))
	m.rootCmd.AddCommand(commands.ProbeCommand(m.env))
	m.rootCmd.AddCommand(commands.StatusCommand(m.env))
	m.rootCmd.AddCommand(commands.HistoryCommands(m.env))
	m.rootCmd.AddCommand(commands.ServeCommand(m.env))

	configCmd := &cobra.Command{
		Use:     "config",
		Short:   "Configuration management commands",
		Aliases: []string{"cfg"},
	}
	for _, cmd := range commands.ConfigCommands(m.env) {
		configCmd.AddCommand(cmd)
	}
	m.rootCmd.AddCommand(configCmd)
}
