package grpcx

import (
	"context"

	"github.com/md-rashed-zaman/resumeai/libs/httpx"
)

// RequestIDMetadataKey carries the request id in gRPC metadata.
const RequestIDMetadataKey = "x-request-id"

// RequestIDFromContext shares the HTTP context key, so ids flow unchanged
// across HTTP -> gRPC -> gRPC hops.
func RequestIDFromContext(ctx context.Context) string {
	return httpx.RequestIDFromContext(ctx)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return httpx.ContextWithRequestID(ctx, id)
}
