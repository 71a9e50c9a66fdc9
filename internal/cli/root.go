// Package cli implements the meetcap command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetcap/internal/app"
	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/version"
)

// options carries the global flags and the config loaded from them.
type options struct {
	configPath string
	envFiles   []string

	level *slog.LevelVar
	cfg   *config.Config
}

func NewRootCmd() *cobra.Command {
	o := &options{level: new(slog.LevelVar)}

	rootCmd := &cobra.Command{
		Use:   "meetcap",
		Short: "Capture meeting audio and stream it for transcription",
		Long: "meetcap captures a microphone, loopback device or display audio and streams it " +
			"to the transcription backend in realtime, or uploads a finished recording.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd)
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "path to the YAML configuration file (defaults plus environment when empty)")
	pf.StringSliceVar(&o.envFiles, "env", nil, "dotenv files to load before the config (default .env)")

	rootCmd.AddCommand(newServeCmd(o))
	rootCmd.AddCommand(newRecordCmd(o))
	rootCmd.AddCommand(newUploadCmd(o))
	rootCmd.AddCommand(newSessionsCmd(o))
	rootCmd.AddCommand(newArtifactCmd(o))
	rootCmd.AddCommand(newDoctorCmd(o))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// load reads the dotenv files and the config, then installs the logger.
func (o *options) load(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; run without --config to use the defaults", o.configPath)
		}
		return err
	}
	o.cfg = cfg

	o.level.Set(app.ParseLogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: o.level})))
	return nil
}

// newApp installs the telemetry providers and builds the application. The
// returned cleanup flushes telemetry and must be called after Shutdown.
func (o *options) newApp(ctx context.Context, opts ...app.Option) (*app.App, func(), error) {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    o.cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	cleanup := func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}

	opts = append([]app.Option{app.WithLogLevel(o.level)}, opts...)
	a, err := app.New(ctx, o.cfg, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// No config is needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
