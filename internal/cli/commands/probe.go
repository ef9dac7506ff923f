package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"stackup/internal/probe"

	"github.com/spf13/cobra"
)

// ProbeCommand creates the probe command
func ProbeCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether this host can run the stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			prober := env.Deps.Prober
			if prober == nil {
				prober = probe.New(env.Config.Probe)
			}
			info, err := prober.Probe(cmd.Context())
			if info != nil {
				if asJSON {
					if encErr := writeJSON(cmd.OutOrStdout(), info); encErr != nil {
						return encErr
					}
				} else {
					printTarget(cmd.OutOrStdout(), info, env.Config.Backend.Type)
				}
			}
			return err
		},
	}
	cmd.Flags().Bool("json", false, "Print the target information as JSON")
	return cmd
}

func printTarget(out io.Writer, info *probe.TargetInfo, configured string) {
	name := info.OSPrettyName
	if name == "" {
		name = info.OSID + " " + info.OSVersion
	}
	fmt.Fprintf(out, "Host:    %s\n", name)
	fmt.Fprintf(out, "Backend: %s\n\n", info.SelectBackend(configured))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tRESULT\tOBSERVED\tREQUIRED")
	for _, c := range info.Checks {
		result := "ok"
		switch {
		case !c.Passed && c.Hard:
			result = "FAIL"
		case !c.Passed:
			result = "warn"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, result, c.Observed, c.Required)
	}
	w.Flush()

	for _, warning := range info.Warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
