package grpcx

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const AuthorizationMetadataKey = "authorization"

// UnaryServerTokenInterceptor requires a bearer token whose bcrypt hash matches
// tokenHash. Methods listed in skip (e.g. health checks) are let through.
// An empty tokenHash disables the check.
func UnaryServerTokenInterceptor(tokenHash string, skip ...string) grpc.UnaryServerInterceptor {
	hash := []byte(strings.TrimSpace(tokenHash))
	skipped := make(map[string]struct{}, len(skip))
	for _, m := range skip {
		skipped[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(hash) == 0 {
			return handler(ctx, req)
		}
		if _, ok := skipped[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		token := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(AuthorizationMetadataKey); len(vals) > 0 {
				token = strings.TrimSpace(strings.TrimPrefix(vals[0], "Bearer "))
			}
		}
		if token == "" || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid internal token")
		}
		return handler(ctx, req)
	}
}

// UnaryClientTokenInterceptor attaches a bearer token to outgoing calls.
func UnaryClientTokenInterceptor(token string) grpc.UnaryClientInterceptor {
	token = strings.TrimSpace(token)
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, AuthorizationMetadataKey, "Bearer "+token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
