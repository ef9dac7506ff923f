package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"stackup/internal/constants"
	"stackup/internal/db"
	"stackup/internal/operations"

	"github.com/spf13/cobra"
)

// HistoryCommands creates the history command and its show subcommand
func HistoryCommands(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past provisioning runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := operations.NewHistoryOperations(env.Config).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", constants.DefaultHistoryLimit, "Maximum number of runs to show")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the per-service results of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := operations.NewHistoryOperations(env.Config).GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
	cmd.AddCommand(showCmd)

	return cmd
}

func printRuns(out io.Writer, runs []db.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tDURATION\tSET\tBACKEND\tOUTCOME\tEXIT")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			run.ID,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second),
			run.SetName,
			run.Backend,
			run.Outcome,
			run.ExitCode,
		)
	}
	w.Flush()
}

func printRun(out io.Writer, run *db.Run) {
	fmt.Fprintf(out, "Run %s: %s on %s, %s (exit %d)\n\n", run.ID, run.SetName, run.Backend, run.Outcome, run.ExitCode)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tINSTALLED\tCODE\tREASON")
	for _, res := range run.Results {
		installed := "-"
		if res.Installed {
			installed = "yes"
		}
		code := res.Code
		if code == "" {
			code = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", res.ServiceID, res.State, installed, code, res.Reason)
	}
	w.Flush()
}
