package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the allocator service.
const ServiceName = "mpialloc.v1.Allocator"

// AllocatorServer is the server side of the allocator service. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP API.
type AllocatorServer interface {
	CheckCompatibility(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Estimate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MaxServers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deploy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchPool(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(AllocatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AllocatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AllocatorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchPoolHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AllocatorServer).WatchPool(in, stream)
}

// AllocatorServiceDesc describes the allocator service for grpc.Server.
var AllocatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AllocatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("CheckCompatibility", AllocatorServer.CheckCompatibility),
		unaryHandler("Estimate", AllocatorServer.Estimate),
		unaryHandler("MaxServers", AllocatorServer.MaxServers),
		unaryHandler("Deploy", AllocatorServer.Deploy),
		unaryHandler("Release", AllocatorServer.Release),
		unaryHandler("Status", AllocatorServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchPool",
			Handler:       watchPoolHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mpialloc/v1/allocator.proto",
}

// RegisterAllocatorServer registers srv on s.
func RegisterAllocatorServer(s grpc.ServiceRegistrar, srv AllocatorServer) {
	s.RegisterService(&AllocatorServiceDesc, srv)
}

// Client calls a remote allocator.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckCompatibility asks whether the allocator can ever satisfy req.
func (c *Client) CheckCompatibility(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CheckCompatibility", req, opts...)
}

// Estimate scores req against the current pool.
func (c *Client) Estimate(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Estimate", req, opts...)
}

// MaxServers reports how many servers of req's shape fit in the pool.
func (c *Client) MaxServers(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "MaxServers", req, opts...)
}

// Deploy starts a server. in carries name, request and optional criteria.
func (c *Client) Deploy(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Deploy", in, opts...)
}

// Release stops the server with the given handle id.
func (c *Client) Release(ctx context.Context, id string, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, "Release", in, opts...)
	return err
}

// Status returns the pool snapshot.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Status", nil, opts...)
}

// PoolWatcher receives pool events from WatchPool.
type PoolWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (w *PoolWatcher) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchPool opens an event stream. An empty handleID watches every server.
func (c *Client) WatchPool(ctx context.Context, handleID string, opts ...grpc.CallOption) (*PoolWatcher, error) {
	desc := &AllocatorServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, "/"+ServiceName+"/WatchPool", opts...)
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"handle_id": handleID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &PoolWatcher{stream: stream}, nil
}

// TokenCredentials attaches a bearer token to every call.
type TokenCredentials struct {
	Token string
	// Secure requires a TLS transport before sending the token.
	Secure bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (t TokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + t.Token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (t TokenCredentials) RequireTransportSecurity() bool {
	return t.Secure
}
