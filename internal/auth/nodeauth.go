package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/sandchest/sandchest/internal/store"
)

type nodeNameKey struct{}
type nodeTokenIDKey struct{}

// NodeNameFromContext returns the node name attached to a gRPC context by
// the node token interceptor.
func NodeNameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(nodeNameKey{}).(string)
	return v
}

// NodeTokenIDFromContext returns the node token id attached to a gRPC
// context by the node token interceptor.
func NodeTokenIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(nodeTokenIDKey{}).(string)
	return v
}

// NodeTokenStreamInterceptor returns a gRPC stream server interceptor that
// validates bearer tokens from node daemons. On success it attaches the
// token's node name to the stream context.
func NodeTokenStreamInterceptor(st store.Store) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}

		vals := md.Get("authorization")
		if len(vals) == 0 {
			return status.Error(codes.Unauthenticated, "missing authorization header")
		}

		raw := vals[0]
		if after, found := strings.CutPrefix(raw, "Bearer "); found {
			raw = after
		}

		token, err := st.GetNodeTokenByHash(ss.Context(), HashToken(raw))
		if err != nil {
			return status.Error(codes.Unauthenticated, "invalid node token")
		}

		ctx := context.WithValue(ss.Context(), nodeNameKey{}, token.NodeName)
		ctx = context.WithValue(ctx, nodeTokenIDKey{}, token.ID)
		wrapped := &wrappedStream{ServerStream: ss, ctx: ctx}
		return handler(srv, wrapped)
	}
}

// WithNodeName returns a context carrying the given node name.
// Exported for use in tests that bypass the interceptor.
func WithNodeName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, nodeNameKey{}, name)
}

// wrappedStream overrides Context() to return an enriched context.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
