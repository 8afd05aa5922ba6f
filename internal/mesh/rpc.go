package mesh

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceName is the gRPC service path every node registers and dials
// against, mirroring the teacher pack's hand-registered transport.Server
// idiom (kadirpekel-hector/pkg/transport/server.go) minus the protoc-
// generated stub: QueryMT's wire messages are generic structpb.Struct
// values (per spec.md §9's SendAgent design note), so no .proto compile
// step is needed to describe them.
const serviceName = "querymt.mesh.Mesh"

// rpcHandler implements the three mesh RPCs a peer answers.
type rpcHandler interface {
	GetNodeInfo(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	LookupSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SendEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// serviceDesc is written by hand in the shape protoc-gen-go-grpc would
// otherwise generate from a .proto file, since the wire messages are
// already-generated structpb.Struct values and need no schema of their
// own.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rpcHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetNodeInfo", Handler: unaryHandler(func(h rpcHandler, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return h.GetNodeInfo(ctx, req)
		})},
		{MethodName: "LookupSession", Handler: unaryHandler(func(h rpcHandler, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return h.LookupSession(ctx, req)
		})},
		{MethodName: "SendEvent", Handler: unaryHandler(func(h rpcHandler, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return h.SendEvent(ctx, req)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/mesh/rpc.go",
}

type rpcFunc func(h rpcHandler, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fn rpcFunc) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(rpcHandler), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/rpc"}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(rpcHandler), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func invoke(ctx context.Context, cc *grpc.ClientConn, method string, req *structpb.Struct) (*structpb.Struct, error) {
	reply := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+method, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}
