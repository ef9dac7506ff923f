package commands

import (
	"stackup/internal/db"
	"stackup/internal/logger"
	"stackup/internal/metrics"
	"stackup/internal/server"

	"github.com/spf13/cobra"
)

// ServeCommand creates the serve command
func ServeCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API: last report, run history and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.DefaultConfig()
			cfg.Host = env.Config.Server.Host
			cfg.Port = env.Config.Server.Port
			if cmd.Flags().Changed("host") {
				cfg.Host, _ = cmd.Flags().GetString("host")
			}
			if cmd.Flags().Changed("port") {
				cfg.Port, _ = cmd.Flags().GetInt("port")
			}

			database, err := db.Open(env.Config.State.DatabasePath)
			if err != nil {
				return err
			}
			defer database.Close()

			srv := server.New(cfg, server.Dependencies{
				History:    db.NewRunRepository(database),
				Database:   database,
				ReportPath: env.Config.State.ReportPath,
				Gatherer:   metrics.NewCollector().Registry(),
			})

			logger.WithField("addr", cfg.Addr()).Info("Press Ctrl+C to stop")
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().String("host", "", "Address to bind (default from config)")
	cmd.Flags().IntP("port", "p", 0, "Port to listen on (default from config)")
	return cmd
}
