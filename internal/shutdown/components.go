package shutdown

import (
	"context"
	"io"
	"net/http"
)

// HTTPServerComponent wraps an http.Server for graceful shutdown.
type HTTPServerComponent struct {
	name   string
	server *http.Server
}

// NewHTTPServerComponent creates a new HTTP server shutdown component.
func NewHTTPServerComponent(name string, server *http.Server) *HTTPServerComponent {
	return &HTTPServerComponent{
		name:   name,
		server: server,
	}
}

// Name returns the component name.
func (c *HTTPServerComponent) Name() string {
	return c.name
}

// Shutdown gracefully shuts down the HTTP server.
// It stops accepting new connections and waits for in-flight requests to complete.
func (c *HTTPServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent wraps an io.Closer for graceful shutdown.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{
		name:   name,
		closer: closer,
	}
}

// Name returns the component name.
func (c *CloserComponent) Name() string {
	return c.name
}

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a shutdown function as a component.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a new function-based shutdown component.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{
		name: name,
		fn:   fn,
	}
}

// Name returns the component name.
func (c *FuncComponent) Name() string {
	return c.name
}

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// GRPCServerStopper is implemented by servers that drain in-flight calls
// before stopping.
type GRPCServerStopper interface {
	Stop(ctx context.Context) error
}

// GRPCServerComponent wraps a gRPC server for graceful shutdown.
type GRPCServerComponent struct {
	name   string
	server GRPCServerStopper
}

// NewGRPCServerComponent creates a new gRPC server shutdown component.
func NewGRPCServerComponent(name string, server GRPCServerStopper) *GRPCServerComponent {
	return &GRPCServerComponent{
		name:   name,
		server: server,
	}
}

// Name returns the component name.
func (c *GRPCServerComponent) Name() string {
	return c.name
}

// Shutdown stops the gRPC server, forcing it when ctx expires.
func (c *GRPCServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Stop(ctx)
}

// Releaser tears down every live server and frees its nodes.
type Releaser interface {
	ReleaseAll(ctx context.Context) error
}

// ReleaserComponent releases all outstanding allocations on shutdown so no
// MPI server outlives the allocator.
type ReleaserComponent struct {
	name     string
	releaser Releaser
}

// NewReleaserComponent creates a new releaser shutdown component.
func NewReleaserComponent(name string, releaser Releaser) *ReleaserComponent {
	return &ReleaserComponent{
		name:     name,
		releaser: releaser,
	}
}

// Name returns the component name.
func (c *ReleaserComponent) Name() string {
	return c.name
}

// Shutdown releases every allocation.
func (c *ReleaserComponent) Shutdown(ctx context.Context) error {
	return c.releaser.ReleaseAll(ctx)
}
