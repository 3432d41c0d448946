/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the renewal alert server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults, YAML, .env, ALERTS_* environment)
  3. Build logger and metrics
  4. Initialize SQLite store
  5. Build the notifier router and API handler
  6. Start the scheduler (dispatch loop, reconcile and stuck sweeps)
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -addr    HTTP listen address, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database
  -no-dispatch  Serve the API without running the dispatcher loop

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Stop the scheduler; in-flight deliveries still record their outcome
  3. Wait for active requests to complete
  4. Close database connection

EXAMPLES:
  ./server -config=alerts.yaml
  ./server -db=":memory:" -addr=":3000"
  ALERTS_WEBHOOK_URL=https://hooks.example.com/alerts ./server

SEE ALSO:
  - config/config.go: Configuration keys and environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Background loops
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/renewal-alerts/alerting"
	"github.com/warp/renewal-alerts/api"
	"github.com/warp/renewal-alerts/config"
	"github.com/warp/renewal-alerts/notify"
	"github.com/warp/renewal-alerts/store/sqlite"
	"github.com/warp/renewal-alerts/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	noDispatch := flag.Bool("no-dispatch", false, "do not run the dispatcher loop")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)
	metrics := telemetry.NewMetrics()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	handler := api.NewHandler(store, buildNotifier(cfg, logger), cfg.DispatcherConfig(), logger,
		alerting.WithRecorder(metrics),
	)

	scheduler := api.NewScheduler(handler, api.ScheduleConfig{
		Reconcile:  cfg.Schedule.Reconcile,
		StuckSweep: cfg.Schedule.StuckSweep,
		Dispatch:   !*noDispatch,
	}, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, metrics.Handler(), cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	scheduler.Stop()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// buildNotifier routes URL contacts to a webhook, email contacts to SMTP
// when configured, and everything else to the configured webhook or the log.
func buildNotifier(cfg config.Config, logger *slog.Logger) alerting.Notifier {
	timeout := cfg.Dispatch.NotifyTimeout
	router := &notify.Router{
		Webhook:  notify.NewWebhook("", timeout),
		Fallback: notify.NewLog(logger),
	}
	if cfg.Notify.SMTP.Host != "" {
		router.Email = notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
		})
	}
	if cfg.Notify.WebhookURL != "" {
		router.Fallback = notify.NewWebhook(cfg.Notify.WebhookURL, timeout)
	}
	return router
}
