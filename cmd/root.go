// Package cmd defines the CLI commands of the translation poller.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/config"
	"github.com/kxc663/translation-client/internal/logging"
	"github.com/kxc663/translation-client/internal/telemetry"
)

const serviceName = "translation"

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App carries what every subcommand needs.
type App struct {
	Config config.Config
	Logger *zap.Logger
	Tracer *sdktrace.TracerProvider
}

// Close flushes spans and the logger. Commands defer it themselves because
// cobra skips post-run hooks when RunE fails.
func (a *App) Close() {
	if a.Tracer != nil {
		if err := a.Tracer.Shutdown(context.Background()); err != nil {
			a.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on a console logger fails with EINVAL/ENOTTY; nothing useful to report.
	_ = a.Logger.Sync()
}

// newApp is the application factory. It's a variable so tests can inject
// a quieter logger.
var newApp = func(cfgFile string) (*App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	tp, err := telemetry.InitTracerProvider(context.Background(), serviceName)
	if err != nil {
		return nil, err
	}
	return &App{Config: cfg, Logger: logger, Tracer: tp}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "translation",
		Short: "Poll translation job status and run the mock job server.",
		Long: `translation watches long-running translation jobs. The poll command
queries a job server with exponential backoff until the job completes, fails,
times out or is interrupted. The serve command runs a mock job server together
with a websocket relay that streams status to browsers.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newPollCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey).(*App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
