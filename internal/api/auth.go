package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/identity"
)

const authorizationKey = "authorization"

// Verifier checks a bearer token and returns its user id.
// *identity.Tokens satisfies it.
type Verifier interface {
	Verify(token string) (string, error)
}

// authenticate attaches the user named by the request's bearer token to ctx.
func authenticate(ctx context.Context, v Verifier) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, grpcstatus.Error(codes.Unauthenticated, "metadata is missing")
	}
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return nil, grpcstatus.Error(codes.Unauthenticated, "authorization token is missing")
	}
	token := strings.TrimPrefix(values[0], "Bearer ")
	userID, err := v.Verify(token)
	if err != nil {
		return nil, grpcstatus.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return identity.WithUser(ctx, userID), nil
}

// UnaryAuthInterceptor rejects calls without a valid bearer token.
func UnaryAuthInterceptor(v Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, v)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is UnaryAuthInterceptor for streaming calls.
func StreamAuthInterceptor(v Verifier) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), v)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// bearer attaches a token to every outgoing call.
type bearer string

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authorizationKey: "Bearer " + string(b)}, nil
}

// RequireTransportSecurity is false: the agent is only reachable over a
// local socket.
func (bearer) RequireTransportSecurity() bool { return false }
