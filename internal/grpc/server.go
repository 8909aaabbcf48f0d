// Package grpc exposes the allocator over gRPC.
package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/internal/events"
)

// Config holds the gRPC server configuration.
type Config struct {
	Port                 int
	TLSCertFile          string
	TLSKeyFile           string
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
	MaxRecvMsgSize       int
	StopTimeout          time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                 9090,
		MaxConcurrentStreams: 1000,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		MaxRecvMsgSize:       4 * 1024 * 1024, // 4MB
		StopTimeout:          30 * time.Second,
	}
}

// AuthService defines the interface for authentication operations.
type AuthService interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// Server serves the allocator and the standard health service.
type Server struct {
	config      *Config
	guard       *auth.Guard
	broker      *events.Broker
	authService AuthService
	logger      *slog.Logger

	grpcServer *grpc.Server
	health     *healthServer

	serving atomic.Bool
	mu      sync.Mutex
}

// NewServer creates a new gRPC server instance. broker may be nil, in which
// case WatchPool is unavailable.
func NewServer(cfg *Config, guard *auth.Guard, broker *events.Broker, authSvc AuthService, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil || authSvc == nil {
		return nil, fmt.Errorf("grpc server requires a guard and an auth service")
	}

	s := &Server{
		config:      cfg,
		guard:       guard,
		broker:      broker,
		authService: authSvc,
		logger:      logger,
	}
	s.health = newHealthServer(s, guard.Allocator())
	return s, nil
}

// SetHealthPinger adds a dependency the health service must reach before
// reporting SERVING.
func (s *Server) SetHealthPinger(p Pinger) {
	s.health.setPinger(p)
}

// buildServerOptions constructs the gRPC server options.
func (s *Server) buildServerOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams),
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			s.loggingInterceptor(),
			s.recoveryInterceptor(),
			s.authInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			s.streamLoggingInterceptor(),
			s.streamRecoveryInterceptor(),
			s.streamAuthInterceptor(),
		),
	}

	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS credentials: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	return opts, nil
}

// build creates the grpc.Server once and registers both services.
func (s *Server) build() (*grpc.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcServer != nil {
		return s.grpcServer, nil
	}
	opts, err := s.buildServerOptions()
	if err != nil {
		return nil, fmt.Errorf("building server options: %w", err)
	}

	s.grpcServer = grpc.NewServer(opts...)
	RegisterAllocatorServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	return s.grpcServer, nil
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	gs, err := s.build()
	if err != nil {
		return err
	}

	s.serving.Store(true)
	s.logger.Info("gRPC server starting", "address", lis.Addr().String())

	if err := gs.Serve(lis); err != nil {
		s.serving.Store(false)
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

// Start listens on the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	return s.Serve(lis)
}

// Stop gracefully stops the gRPC server, forcing it after StopTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.serving.Store(false)
	s.logger.Info("gRPC server stopping")

	s.mu.Lock()
	gs := s.grpcServer
	s.mu.Unlock()
	if gs == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()

	timeout := s.config.StopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(timeout):
		s.logger.Warn("gRPC server graceful stop timed out, forcing stop")
		gs.Stop()
	case <-ctx.Done():
		s.logger.Warn("context cancelled, forcing stop")
		gs.Stop()
	}

	return nil
}

// IsServing returns whether the server is currently serving requests.
func (s *Server) IsServing() bool {
	return s.serving.Load()
}

// extractToken extracts the auth token from gRPC metadata.
func extractToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokens := md.Get("authorization")
	if len(tokens) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization header")
	}

	return auth.ExtractBearerToken(tokens[0]), nil
}
