package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "georeference.v1.GeoreferenceService"

// GeoreferenceServer is the server API for the georeference service.
// Requests and responses are protobuf Structs whose fields are documented on
// each GeoreferenceService method.
type GeoreferenceServer interface {
	GetOrigin(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetOrigin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Transform(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSubLevels(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	JumpToSubLevel(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// GeoreferenceServiceDesc describes the service for grpc.Server.RegisterService.
var GeoreferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GeoreferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetOrigin", newEmpty, func(s GeoreferenceServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.GetOrigin(ctx, in.(*emptypb.Empty))
		}),
		unaryMethod("SetOrigin", newStruct, func(s GeoreferenceServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.SetOrigin(ctx, in.(*structpb.Struct))
		}),
		unaryMethod("Transform", newStruct, func(s GeoreferenceServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Transform(ctx, in.(*structpb.Struct))
		}),
		unaryMethod("ListSubLevels", newEmpty, func(s GeoreferenceServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.ListSubLevels(ctx, in.(*emptypb.Empty))
		}),
		unaryMethod("JumpToSubLevel", newStruct, func(s GeoreferenceServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.JumpToSubLevel(ctx, in.(*structpb.Struct))
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "georeference/v1/georeference.proto",
}

// RegisterGeoreferenceServer registers srv with s.
func RegisterGeoreferenceServer(s grpc.ServiceRegistrar, srv GeoreferenceServer) {
	s.RegisterService(&GeoreferenceServiceDesc, srv)
}

func newEmpty() proto.Message  { return new(emptypb.Empty) }
func newStruct() proto.Message { return new(structpb.Struct) }

func fullMethod(method string) string { return "/" + ServiceName + "/" + method }

func unaryMethod(
	name string,
	newReq func() proto.Message,
	call func(GeoreferenceServer, context.Context, proto.Message) (proto.Message, error),
) grpc.MethodDesc {
	full := fullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(GeoreferenceServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(server, ctx, req.(proto.Message))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client is a thin client for GeoreferenceService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in proto.Message, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrigin returns the current origin description.
func (c *Client) GetOrigin(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetOrigin", &emptypb.Empty{}, opts...)
}

// SetOrigin moves the origin.
func (c *Client) SetOrigin(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SetOrigin", in, opts...)
}

// Transform converts a point or rotator between frames.
func (c *Client) Transform(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Transform", in, opts...)
}

// ListSubLevels returns the sub-level registry.
func (c *Client) ListSubLevels(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListSubLevels", &emptypb.Empty{}, opts...)
}

// JumpToSubLevel moves the origin to a registered sub-level.
func (c *Client) JumpToSubLevel(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "JumpToSubLevel", in, opts...)
}
