// Package grpcserver exposes the entitlement gate to in-cluster services over
// gRPC. Messages are google.protobuf.Struct so no generated code is needed.
package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "entitlements.v1.EntitlementsService"

const (
	methodCheckLimit      = "CheckLimit"
	methodRecordUsage     = "RecordUsage"
	methodGetSubscription = "GetSubscription"
)

type EntitlementsServer interface {
	CheckLimit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RecordUsage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EntitlementsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodCheckLimit, Handler: unary(methodCheckLimit, EntitlementsServer.CheckLimit)},
		{MethodName: methodRecordUsage, Handler: unary(methodRecordUsage, EntitlementsServer.RecordUsage)},
		{MethodName: methodGetSubscription, Handler: unary(methodGetSubscription, EntitlementsServer.GetSubscription)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "entitlements/v1/entitlements.proto",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type call func(EntitlementsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(EntitlementsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(EntitlementsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func RegisterEntitlementsServer(s grpc.ServiceRegistrar, srv EntitlementsServer) {
	s.RegisterService(&serviceDesc, srv)
}
