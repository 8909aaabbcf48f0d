package grpc

import (
	"context"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/pkg/logger"
)

// healthCheckMethods contains the methods that should skip authentication.
var healthCheckMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
}

// authenticate validates the bearer token in ctx and attaches the caller.
func (s *Server) authenticate(ctx context.Context) (context.Context, error) {
	token, err := extractToken(ctx)
	if err != nil {
		return nil, err
	}

	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing auth token")
	}

	claims, err := s.authService.ValidateToken(token)
	if err != nil {
		s.logger.Debug("auth token validation failed", "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid auth token")
	}

	principal := claims.Principal()
	ctx = auth.WithPrincipal(ctx, principal)
	return logger.ContextWithPrincipalID(ctx, principal.ID), nil
}

// authInterceptor returns a unary server interceptor that validates auth tokens.
func (s *Server) authInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if healthCheckMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		ctx, err := s.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// streamAuthInterceptor returns a stream server interceptor that validates auth tokens.
func (s *Server) streamAuthInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if healthCheckMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		ctx, err := s.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// loggingInterceptor returns a unary server interceptor that logs requests.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		s.logger.Info("grpc request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", duration,
		)
		return resp, err
	}
}

// streamLoggingInterceptor returns a stream server interceptor that logs requests.
func (s *Server) streamLoggingInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		duration := time.Since(start)

		s.logger.Info("grpc stream",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", duration,
		)
		return err
	}
}

// recovered logs a handler panic and converts it into codes.Internal.
func (s *Server) recovered(ctx context.Context, method string, rec any) error {
	logger.ForContext(ctx, s.logger).Error("panic recovered",
		"method", method,
		"error", rec,
		"stack_trace", string(debug.Stack()),
	)
	return status.Error(codes.Internal, "internal error")
}

// recoveryInterceptor returns a unary server interceptor that turns handler
// panics into internal errors instead of crashing the process.
func (s *Server) recoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				resp, err = nil, s.recovered(ctx, info.FullMethod, rec)
			}
		}()
		return handler(ctx, req)
	}
}

// streamRecoveryInterceptor is the streaming counterpart of recoveryInterceptor.
func (s *Server) streamRecoveryInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = s.recovered(ss.Context(), info.FullMethod, rec)
			}
		}()
		return handler(srv, ss)
	}
}

// authenticatedServerStream wraps a grpc.ServerStream with an authenticated context.
type authenticatedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context with authentication info.
func (s *authenticatedServerStream) Context() context.Context {
	return s.ctx
}
