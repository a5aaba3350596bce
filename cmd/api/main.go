// Package main is the entry point for the bulk mail API.
//
// It loads configuration, builds the job status store and queue publisher
// through the app registry, mounts the email handlers on the core chassis
// and serves requests.
//
// Inside AWS Lambda the chi router is driven by API Gateway proxy events.
// Elsewhere it runs as a standard HTTP server on the configured port with
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/go-chi/chi/v5"

	"bulkmail/internal/api/handlers"
	"bulkmail/internal/app"
	"bulkmail/internal/config"
	"bulkmail/internal/core"
	"bulkmail/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := app.LoadConfig(os.Getenv("AWS_REGION"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("bulkmail API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"queue_backend", cfg.Queue.Backend,
		"status_backend", cfg.Worker.StatusBackend,
	)

	ctx := context.Background()
	reg := app.New(cfg, logger)

	srv, err := buildServer(ctx, reg)
	if err != nil {
		_ = reg.Close()
		return err
	}

	if isLambdaEnvironment() {
		logger.Info("running in Lambda mode")
		lambda.Start(core.LambdaHandler(srv.Handler()))
		return nil
	}

	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires the registry's collaborators into a mounted Server.
func buildServer(ctx context.Context, reg *app.Registry) (*core.Server, error) {
	srv, err := core.NewServer(reg.Config, reg.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.OnShutdown(reg.Close)

	store := reg.DeferredStatusStore(ctx)
	publisher, err := reg.Publisher(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing queue publisher: %w", err)
	}
	metrics, err := reg.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	emailHandler := handlers.NewEmailHandler(publisher, store, srv.Validator, reg.Logger, types.RealClock{}).
		WithStatusTimeout(reg.Config.Worker.StatusWriteTimeout)
	if metrics != nil {
		srv.Metrics = metrics
		emailHandler.WithMetrics(metrics)
	}

	srv.HealthProbes = append(srv.HealthProbes, reg.Probes()...)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Route("/email", emailHandler.RegisterRoutes)
	})

	srv.MountRoutes()
	return srv, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Drains NATS and closes the DB pool and Redis client.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
