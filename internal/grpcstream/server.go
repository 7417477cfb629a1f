// Package grpcstream runs the gRPC server that node daemons connect to.
// Each daemon holds one bidirectional StreamEvents stream; the handler
// fans node events into the store and KV buffers and lets the rest of the
// control plane dispatch commands over the same stream.
package grpcstream

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/quota"
	"github.com/sandchest/sandchest/internal/registry"
	"github.com/sandchest/sandchest/internal/store"
)

// Server wraps the gRPC server node daemons connect to.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	handler    *StreamHandler
	logger     *slog.Logger
}

// NewServer creates a gRPC server listening on addr and registers the
// NodeService stream handler behind the node token interceptor.
func NewServer(
	addr string,
	reg *registry.Registry,
	st store.Store,
	kvc *kv.Client,
	quotas *quota.Resolver,
	logger *slog.Logger,
	cfg Config,
	opts ...grpc.ServerOption,
) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	opts = append(opts,
		grpc.ForceServerCodec(nodewire.Codec{}),
		grpc.StreamInterceptor(auth.NodeTokenStreamInterceptor(st)),
	)
	gs := grpc.NewServer(opts...)

	handler := NewStreamHandler(reg, st, kvc, quotas, logger, cfg)
	nodewire.RegisterNodeServiceServer(gs, handler)

	return &Server{
		listener:   lis,
		grpcServer: gs,
		handler:    handler,
		logger:     logger.With("component", "grpc"),
	}, nil
}

// Handler returns the stream handler, allowing the orchestrator to
// dispatch commands to connected nodes.
func (s *Server) Handler() *StreamHandler {
	return s.handler
}

// Start begins accepting connections. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", "addr", s.listener.Addr().String())
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown of the gRPC server.
func (s *Server) Stop() {
	s.logger.Info("gRPC server stopping")
	s.grpcServer.GracefulStop()
}
