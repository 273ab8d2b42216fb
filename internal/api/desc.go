// Package api exposes the relay's control surface as the gRPC service
// msgrelay.v1.Relay. Requests and responses are google.protobuf.Struct and
// google.protobuf.Empty; the JSON shapes are the types in this package.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "msgrelay.v1.Relay"

// RelayServer is the server API for the Relay service.
type RelayServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetDeliveryStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetSyncStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncAll(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ResolveConflict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequeueEntity(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConflicts(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the Relay service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", RelayServer.GetStatus),
		unary("GetDeliveryStats", RelayServer.GetDeliveryStats),
		unary("GetSyncStats", RelayServer.GetSyncStats),
		unary("SyncEntity", RelayServer.SyncEntity),
		unary("SyncAll", RelayServer.SyncAll),
		unary("ResolveConflict", RelayServer.ResolveConflict),
		unary("RequeueEntity", RelayServer.RequeueEntity),
		unary("SendText", RelayServer.SendText),
		unary("ListConflicts", RelayServer.ListConflicts),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "msgrelay/v1/relay.proto",
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(RelayServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RelayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(RelayServer), ctx, req.(*Req))
			})
		},
	}
}
