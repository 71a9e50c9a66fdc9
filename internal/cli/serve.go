package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetcap/internal/app"
)

// shutdownTimeout bounds the ordered teardown after the run loop exits.
const shutdownTimeout = 15 * time.Second

func newServeCmd(o *options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture agent and its local control API",
		Long: "Run the session controller and serve the control API on server.listen_addr.\n" +
			"The config file is watched and hot-reloadable settings apply without a restart.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				o.cfg.Server.ListenAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []app.Option
			if o.configPath != "" {
				opts = append(opts, app.WithConfigPath(o.configPath))
			}
			a, cleanup, err := o.newApp(ctx, opts...)
			if err != nil {
				return err
			}
			defer cleanup()

			NewFormatter(cmd.OutOrStdout()).StartupSummary(o.cfg)
			slog.Info("meetcap starting",
				"config", o.configPath,
				"listen_addr", o.cfg.Server.ListenAddr,
				"log_level", o.cfg.Server.LogLevel,
			)

			runErr := a.Run(ctx)
			if runErr != nil {
				slog.Error("run error", "err", runErr)
			} else {
				slog.Info("shutdown signal received, stopping")
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := a.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			slog.Info("goodbye")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "override server.listen_addr")

	return cmd
}
