package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the operations service.
const ServiceName = "cognisync.ops.v1.Operations"

// Method names.
const (
	MethodLogin              = "Login"
	MethodLogout             = "Logout"
	MethodRetentionStats     = "RetentionStats"
	MethodRunCleanup         = "RunCleanup"
	MethodInvalidateSessions = "InvalidateSessions"
	MethodAuditTrail         = "AuditTrail"
)

// FullMethod returns the gRPC path of an operations method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// OperationsServer is the server side of the operations service. Messages
// are well-known types, so no generated code is needed.
type OperationsServer interface {
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	RetentionStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RunCleanup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvalidateSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	AuditTrail(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unary[Req proto.Message, Resp proto.Message](method string, newReq func() Req,
	call func(OperationsServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OperationsServer), ctx, req.(Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }

// OperationsServiceDesc describes the operations service for registration.
var OperationsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperationsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodLogin, newStruct, OperationsServer.Login),
		unary(MethodLogout, newEmpty, OperationsServer.Logout),
		unary(MethodRetentionStats, newEmpty, OperationsServer.RetentionStats),
		unary(MethodRunCleanup, newStruct, OperationsServer.RunCleanup),
		unary(MethodInvalidateSessions, newEmpty, OperationsServer.InvalidateSessions),
		unary(MethodAuditTrail, newStruct, OperationsServer.AuditTrail),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cognisync/ops/v1/operations",
}

// Client calls the operations service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, FullMethod(method), in, out, opts...)
}

func (c *Client) Login(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodLogin, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Logout(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, MethodLogout, new(emptypb.Empty), new(emptypb.Empty), opts...)
}

func (c *Client) RetentionStats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodRetentionStats, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RunCleanup(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodRunCleanup, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) InvalidateSessions(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodInvalidateSessions, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AuditTrail(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodAuditTrail, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
