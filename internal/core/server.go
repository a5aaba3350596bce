// Package core provides the API chassis for the bulk mail service.
// It creates a chi router that serves both standard HTTP (for local dev)
// and API Gateway proxy events (via LambdaHandler), and enforces the
// cross-cutting concerns of logging, auth, metrics and error handling
// before requests reach the email handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bulkmail/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
type MetricsCollector interface {
	// RecordRequest records API request latency and count.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server encapsulates all dependencies for the API, allowing for easy
// injection during testing and distinct configuration per environment.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector
	Keys      *APIKeyAuthenticator // nil disables authentication

	// HealthProbes are run by GET /health/detailed.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handlers under /v1. They are populated
	// by the entry point to avoid an import cycle with the handler package.
	V1RouteRegistrars []func(chi.Router)

	// closers run on Shutdown in registration order.
	closers []func() error

	startedAt time.Time
	router    *chi.Mux
}

// NewServer validates critical configuration and prepares the router.
// The caller mounts routes via MountRoutes after wiring registrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		startedAt: time.Now(),
		router:    chi.NewRouter(),
	}

	if len(cfg.Server.APIKeys) > 0 {
		keys, err := NewAPIKeyAuthenticator(cfg.Server.APIKeys)
		if err != nil {
			return nil, fmt.Errorf("api keys: %w", err)
		}
		s.Keys = keys
	} else if cfg.Environment != "local" {
		logger.Warn("API_KEYS is empty; requests are not authenticated")
	}

	return s, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run during Shutdown.
func (s *Server) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases resources registered through OnShutdown. All closers run
// even if one fails; the first error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var first error
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			s.Logger.Error("error during shutdown", "error", err)
			if first == nil {
				first = fmt.Errorf("shutdown: %w", err)
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return first
}

func (s *Server) version() string {
	if s.Config.Build.Version != "" {
		return s.Config.Build.Version
	}
	return "dev"
}
