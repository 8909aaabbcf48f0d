package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/narvanalabs/mpi-allocator/internal/allocator"
	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/internal/models"
	"github.com/narvanalabs/mpi-allocator/internal/nodepool"
	"github.com/narvanalabs/mpi-allocator/pkg/logger"
)

// CheckCompatibility answers whether the allocator can ever satisfy the
// request. Incompatibility is a normal answer, not an error.
func (s *Server) CheckCompatibility(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	err := s.guard.CheckCompatibility(ctx, models.ParseResourceRequest(in.AsMap()))
	var ie *allocator.IncompatibleError
	switch {
	case err == nil:
		return structpb.NewStruct(map[string]any{"compatible": true})
	case errors.As(err, &ie):
		return structpb.NewStruct(map[string]any{
			"compatible": false,
			"key":        ie.Key,
			"reason":     ie.Reason,
			"transient":  ie.Transient,
		})
	default:
		return nil, s.toStatus(ctx, err)
	}
}

// Estimate scores the request against the current pool.
func (s *Server) Estimate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	score, criteria, err := s.guard.Estimate(ctx, models.ParseResourceRequest(in.AsMap()))
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return toStruct(struct {
		Score    int              `json:"score"`
		Criteria *models.Criteria `json:"criteria,omitempty"`
	}{score, criteria})
}

// MaxServers reports how many servers of the request's shape fit.
func (s *Server) MaxServers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.guard.MaxServers(ctx, models.ParseResourceRequest(in.AsMap()))
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return structpb.NewStruct(map[string]any{"max_servers": n})
}

// Deploy reserves nodes and starts a server. The message carries "name",
// a "request" mapping and optional "criteria" from a prior Estimate.
func (s *Server) Deploy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		Name     string           `json:"name"`
		Request  map[string]any   `json:"request"`
		Criteria *models.Criteria `json:"criteria"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed deploy message")
	}
	if body.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}

	handle, err := s.guard.Deploy(ctx, body.Name, models.ParseResourceRequest(body.Request), body.Criteria)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return toStruct(handle)
}

// Release stops a server and frees its nodes.
func (s *Server) Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	ctx = logger.ContextWithHandleID(ctx, id)

	err := s.guard.Release(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, allocator.ErrTeardown):
		s.logger.Warn("server released with teardown error", "handle_id", id, "error", err)
	default:
		return nil, s.toStatus(ctx, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
}

// Status returns the pool snapshot.
func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.guard.Status(ctx)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return toStruct(st)
}

// WatchPool streams pool events, opening with a snapshot. An optional
// "handle_id" limits the stream to one server.
func (s *Server) WatchPool(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	if s.broker == nil {
		return status.Error(codes.Unimplemented, "event stream not configured")
	}

	st, err := s.guard.Status(ctx)
	if err != nil {
		return s.toStatus(ctx, err)
	}

	sub := s.broker.Subscribe(in.GetFields()["handle_id"].GetStringValue())
	defer s.broker.Unsubscribe(sub)

	snapshot := &models.PoolEvent{
		Type:      models.PoolEventSnapshot,
		Allocator: st.Name,
		Free:      st.Free,
		Busy:      st.Busy,
		Timestamp: time.Now().UTC(),
	}
	if err := sendEvent(stream, snapshot); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-sub.Ch:
			if !ok {
				return status.Error(codes.Unavailable, "shutting down")
			}
			if err := sendEvent(stream, event); err != nil {
				s.logger.Debug("event stream send failed", "subscriber_id", sub.ID, "error", err)
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func sendEvent(stream grpc.ServerStream, event *models.PoolEvent) error {
	msg, err := toStruct(event)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

// toStatus maps allocator and auth errors onto gRPC codes.
func (s *Server) toStatus(ctx context.Context, err error) error {
	var (
		ie *allocator.IncompatibleError
		ce *nodepool.ConflictError
		ue *nodepool.UnavailableError
	)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, allocator.ErrHandleNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &ie):
		return status.Error(codes.FailedPrecondition, ie.Error())
	case errors.As(err, &ce), errors.Is(err, nodepool.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &ue), errors.Is(err, nodepool.ErrUnavailable):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, allocator.ErrProvisioning):
		return status.Error(codes.Unavailable, err.Error())
	default:
		logger.ForContext(ctx, s.logger).Error("grpc call failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

// toStruct converts v to a Struct through its JSON form so field names
// match the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encoding response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "encoding response")
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
