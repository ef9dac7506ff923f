package commands

import (
	"stackup/internal/operations"

	"github.com/spf13/cobra"
)

// StatusCommand creates the status command
func StatusCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the report of the last provisioning run",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			rep, err := operations.NewHistoryOperations(env.Config).LastReport()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			return rep.Render(cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}
