package commands

import (
	"fmt"
	"io"
	"strings"

	"stackup/internal/config"
	"stackup/internal/engine"
	"stackup/internal/errors"
	"stackup/internal/operations"

	"github.com/spf13/cobra"
)

// ProvisionCommand creates the provision command
func ProvisionCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision <descriptors.yaml>",
		Short: "Install, start and verify a set of services",
		Long: `Provision applies every service in the descriptor set in dependency order,
starts it and waits until its health check passes.

Exit codes:
  0  every service is healthy
  1  some services are healthy, the rest were skipped
  2  at least one service failed, or the descriptor set is invalid
  3  the host failed a pre-flight check or another run holds the lock`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := operations.ProvisionRequest{DescriptorPath: args[0]}
			req.DryRun, _ = cmd.Flags().GetBool("dry-run")
			req.TimeoutScale, _ = cmd.Flags().GetFloat64("timeout-scale")
			req.Backend, _ = cmd.Flags().GetString("backend")
			req.Only, _ = cmd.Flags().GetStringSlice("only")
			req.SkipProbe, _ = cmd.Flags().GetBool("skip-probe")
			req.ReportPath, _ = cmd.Flags().GetString("report")
			req.Listen, _ = cmd.Flags().GetString("listen")
			return runProvision(cmd, env, req)
		},
	}

	cmd.Flags().Bool("dry-run", false, "Show the plan and what would change without touching the host")
	cmd.Flags().Float64("timeout-scale", 1.0, "Multiplier applied to every health-check budget")
	cmd.Flags().String("backend", "", "Installer backend: auto, apt-systemd or nix-declarative (default from config)")
	cmd.Flags().StringSlice("only", nil, "Provision only these services and their dependencies")
	cmd.Flags().Bool("skip-probe", false, "Skip the pre-flight host checks")
	cmd.Flags().String("report", "", "Write the run report to this path instead of the configured one")
	cmd.Flags().String("listen", "", "Serve the status API on host:port while the run is active")

	return cmd
}

func runProvision(cmd *cobra.Command, env *Env, req operations.ProvisionRequest) error {
	switch req.Backend {
	case "", config.BackendAuto, config.BackendAptSystemd, config.BackendNixDeclarative:
	default:
		return errors.ConfigValidationError("backend", fmt.Sprintf("unknown backend %q", req.Backend))
	}
	if req.TimeoutScale <= 0 {
		return errors.ConfigValidationError("timeout-scale", "must be greater than zero")
	}

	out := cmd.OutOrStdout()
	req.Observer = progressPrinter(out)

	ops := operations.NewProvisionOperations(env.Config, env.Deps)
	rep, err := ops.Provision(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	if err := rep.Render(out); err != nil {
		return err
	}
	if rep.ExitCode != errors.ExitSuccess {
		return errors.WithExitCode(rep.ExitCode, nil)
	}
	return nil
}

// progressPrinter prints one line per terminal service transition
func progressPrinter(out io.Writer) engine.Observer {
	return engine.ObserverFunc(func(e engine.Event) {
		switch e.Type {
		case engine.EventRunStarted:
			fmt.Fprintf(out, "Plan: %s\n", strings.Join(e.Plan, " -> "))
		case engine.EventServiceState:
			switch e.State {
			case engine.StateInstalling, engine.StateVerifying:
				fmt.Fprintf(out, "  %-20s %s\n", e.ServiceID, e.State)
			case engine.StateHealthy, engine.StateFailed, engine.StateSkipped:
				line := fmt.Sprintf("  %-20s %s", e.ServiceID, strings.ToUpper(string(e.State)))
				if e.Reason != "" {
					line += " (" + e.Reason + ")"
				}
				fmt.Fprintln(out, line)
			}
		case engine.EventConvergeStarted:
			fmt.Fprintln(out, "  switching system configuration...")
		}
	})
}
