package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"stackup/internal/constants"
	"stackup/internal/logger"
)

// CommandExecutor interface for mocking command execution
type CommandExecutor interface {
	CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd
}

// DefaultCommandExecutor uses the real exec.CommandContext
type DefaultCommandExecutor struct{}

// CommandContext creates a new command with context
func (e *DefaultCommandExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// CommandError is a failed external command with its captured output
type CommandError struct {
	Command    string
	Output     string
	Underlying error
}

// Error implements the error interface
func (e *CommandError) Error() string {
	parts := []string{fmt.Sprintf("%s: %v", e.Command, e.Underlying)}

	if output := strings.TrimSpace(e.Output); output != "" {
		if len(output) > constants.MaxOutputLength {
			output = output[:constants.MaxOutputLength] + "..."
		}
		parts = append(parts, fmt.Sprintf("output=%s", output))
	}
	return strings.Join(parts, ", ")
}

// Unwrap returns the underlying error
func (e *CommandError) Unwrap() error {
	return e.Underlying
}

// ExitCode returns the process exit code, or -1 when it never ran
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Underlying, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// run executes a command and returns its combined output
func run(ctx context.Context, executor CommandExecutor, env []string, name string, args ...string) ([]byte, error) {
	cmd := executor.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	logger.WithFields(logger.Fields{"command": name, "args": args}).Debug("Running command")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return output, ctx.Err()
		}
		return output, &CommandError{
			Command:    strings.Join(append([]string{name}, args...), " "),
			Output:     string(output),
			Underlying: err,
		}
	}
	return output, nil
}

// exitedNonZero reports whether err is a command that ran and failed
func exitedNonZero(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && cmdErr.ExitCode() > 0
}
