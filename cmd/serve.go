package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/jobserver"
	"github.com/kxc663/translation-client/internal/policy/ratelimit"
	"github.com/kxc663/translation-client/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mock job server and the websocket relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			if port > 0 {
				app.Config.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, app)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger

	tracker := jobserver.NewTracker(jobserver.TrackerConfig{
		ProcessingTime: cfg.Server.ProcessingTime,
		FailureRate:    cfg.Server.FailureRate,
		IdleTTL:        cfg.Server.IdleTTL,
		Logger:         logger.Named("tracker"),
	})
	var serverOpts []jobserver.Option
	if cfg.Server.RateLimitRPS > 0 {
		serverOpts = append(serverOpts, jobserver.WithRateLimiter(ratelimit.New(ratelimit.Config{
			RPS:   cfg.Server.RateLimitRPS,
			Burst: cfg.Server.RateLimitBurst,
		})))
	}
	server := jobserver.NewServer(tracker, logger.Named("jobserver"), serverOpts...)
	watch := relay.NewHandler(clientOptions(cfg.Client, logger.Named("relay")), logger.Named("relay"))
	server.Router().Method(http.MethodGet, "/v1/watch", watch)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go server.Run(ctx, cfg.Server.SweepInterval, cfg.Server.IdleTTL)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.Duration("processing_time", cfg.Server.ProcessingTime),
			zap.Float64("failure_rate", cfg.Server.FailureRate),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutdown initiated")

	watch.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return serveErr
}
