package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Render writes the human-readable summary
func (r *Report) Render(w io.Writer) error {
	title := "Provisioning summary"
	if r.DryRun {
		title = "Provisioning plan (dry run)"
	}
	fmt.Fprintf(w, "%s: %s [%s]\n", title, r.SetName, r.Backend)
	if r.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", r.RunID)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATE\tINSTALLED\tATTEMPTS\tDURATION\tDETAIL")
	for _, svc := range r.Services {
		installed := "-"
		if svc.Installed {
			installed = "yes"
		}
		attempts := "-"
		if svc.Attempts > 0 {
			attempts = fmt.Sprintf("%d", svc.Attempts)
		}
		duration := "-"
		if svc.StartedAt != nil && svc.FinishedAt != nil {
			duration = svc.FinishedAt.Sub(*svc.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			svc.ServiceID,
			strings.ToUpper(string(svc.State)),
			installed,
			attempts,
			duration,
			svc.Reason,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Endpoints) > 0 {
		fmt.Fprintln(w, "\nAccess endpoints:")
		for _, ep := range r.Endpoints {
			marker := "up"
			if !ep.Healthy {
				marker = "down"
			}
			fmt.Fprintf(w, "  %-20s %s (%s)\n", ep.ServiceID, ep.URL, marker)
		}
	}

	if len(r.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range r.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}

	if r.Cancelled {
		fmt.Fprintln(w, "\nRun was cancelled; re-run to finish provisioning.")
	}
	_, err := fmt.Fprintf(w, "\nOutcome: %s (%d healthy, %d failed, %d skipped), exit code %d\n",
		r.Outcome, len(r.Healthy), len(r.Failed), len(r.Skipped), r.ExitCode)
	return err
}
