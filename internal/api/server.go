// Package api provides the HTTP API server for the allocator.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/mpi-allocator/internal/api/handlers"
	"github.com/narvanalabs/mpi-allocator/internal/api/health"
	"github.com/narvanalabs/mpi-allocator/internal/api/middleware"
	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/internal/events"
	"github.com/narvanalabs/mpi-allocator/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	guard         *auth.Guard
	auth          *auth.Service
	broker        *events.Broker
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server. A nil checker gets a pool-only health check.
func NewServer(cfg *config.Config, guard *auth.Guard, authSvc *auth.Service, broker *events.Broker, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = health.NewChecker(Version)
		checker.Register("pool", health.PoolCheck(guard.Allocator()))
	}

	s := &Server{
		guard:         guard,
		auth:          authSvc,
		broker:        broker,
		config:        cfg,
		logger:        logger,
		healthChecker: checker,
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	// Health check endpoint (no auth required)
	r.With(chimiddleware.Timeout(10*time.Second)).Get("/health", s.healthChecker.Handler())

	allocHandler := handlers.NewAllocatorHandler(s.guard, s.logger)
	eventsHandler := handlers.NewEventsHandler(s.guard, s.broker, s.logger)

	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(s.auth, s.logger)
		r.Use(authMiddleware.Authenticate)

		// Long-lived stream, outside the request timeout.
		r.Get("/pool/events", eventsHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Post("/compatibility", allocHandler.CheckCompatibility)
			r.Post("/estimate", allocHandler.Estimate)
			r.Post("/max-servers", allocHandler.MaxServers)

			r.Route("/servers", func(r chi.Router) {
				r.Post("/", allocHandler.Deploy)
				r.Get("/", allocHandler.List)
				r.Get("/{handleID}", allocHandler.Get)
				r.Delete("/{handleID}", allocHandler.Release)
			})

			r.Get("/pool", allocHandler.Status)
			r.Put("/config", allocHandler.Configure)
		})
	})

	s.router = r
}

// HTTPServer builds the underlying http.Server without starting it.
func (s *Server) HTTPServer() *http.Server {
	if s.httpServer == nil {
		addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
		s.httpServer = &http.Server{
			Addr:         addr,
			Handler:      s.router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // event streams stay open
			IdleTimeout:  120 * time.Second,
		}
	}
	return s.httpServer
}

// Start starts the HTTP server and blocks until ctx is done or the server fails.
func (s *Server) Start(ctx context.Context) error {
	srv := s.HTTPServer()
	s.logger.Info("starting API server", "addr", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.HTTPServer().Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
