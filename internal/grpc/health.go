package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Pinger is a dependency the health service probes, such as the journal.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolCounter reports the size of the node pool.
type PoolCounter interface {
	Capacity() int
}

// watchInterval is how often Watch re-evaluates the status.
var watchInterval = 5 * time.Second

// healthServer implements grpc.health.v1.Health for the whole server and
// for the allocator service.
type healthServer struct {
	healthpb.UnimplementedHealthServer

	srv  *Server
	pool PoolCounter

	mu     sync.RWMutex
	pinger Pinger
}

func newHealthServer(srv *Server, pool PoolCounter) *healthServer {
	return &healthServer{srv: srv, pool: pool}
}

func (h *healthServer) setPinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinger = p
}

// evaluate reports NOT_SERVING while stopping, when the pool is empty or
// when the pinger fails.
func (h *healthServer) evaluate(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if !h.srv.IsServing() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if h.pool != nil && h.pool.Capacity() == 0 {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}

	h.mu.RLock()
	pinger := h.pinger
	h.mu.RUnlock()
	if pinger != nil {
		if err := pinger.Ping(ctx); err != nil {
			h.srv.logger.Warn("health check failed: journal unavailable", "error", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

func knownService(name string) bool {
	return name == "" || name == ServiceName
}

// Check implements the gRPC Health Check protocol.
func (h *healthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if !knownService(req.GetService()) {
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return &healthpb.HealthCheckResponse{Status: h.evaluate(ctx)}, nil
}

// Watch sends the current status and then every change until the client
// goes away.
func (h *healthServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	ctx := stream.Context()
	last := healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	if knownService(req.GetService()) {
		last = h.evaluate(ctx)
	}
	if err := stream.Send(&healthpb.HealthCheckResponse{Status: last}); err != nil {
		return err
	}
	if last == healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := h.evaluate(ctx)
			if current == last {
				continue
			}
			last = current
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: current}); err != nil {
				return err
			}
		}
	}
}
