// Package app wires the command line to the provisioning engine.
package app

import (
	"context"
	"io"

	"stackup/internal/cli"
	"stackup/internal/cli/commands"
)

// App represents the main application
type App struct {
	Env *commands.Env
	CLI *cli.Manager
}

// New creates a new application instance
func New() *App {
	env := commands.NewEnv()
	return &App{
		Env: env,
		CLI: cli.New(env),
	}
}

// Run starts the application
func (a *App) Run(args []string) error {
	return a.RunWithContext(context.Background(), args)
}

// RunWithContext executes the command line; cancelling ctx interrupts a run
func (a *App) RunWithContext(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"--help"}
	}
	return a.CLI.ExecuteWithContext(ctx, args)
}

// Exit reports err on w and returns the process exit code
func Exit(w io.Writer, err error) int {
	return commands.PrintError(w, err)
}
