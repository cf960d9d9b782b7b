package presentation

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gambit.presentation.v1.Presentation"

const (
	submitMethod = "/" + ServiceName + "/Submit"
	exportMethod = "/" + ServiceName + "/Export"
	watchMethod  = "/" + ServiceName + "/Watch"
)

// PresentationServer is the service a graphical front end talks to. Every
// payload is a well-known protobuf type, so no generated code is needed.
type PresentationServer interface {
	// Submit takes {"action": "e2e4"} in the terminal command syntax.
	Submit(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// Export asks the host for a full export and returns it.
	Export(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Watch streams every event the seat receives, starting with the
	// latest state.
	Watch(*emptypb.Empty, Presentation_WatchServer) error
}

// Presentation_WatchServer is the server side of Watch.
type Presentation_WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type presentationWatchServer struct {
	grpc.ServerStream
}

func (x *presentationWatchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func _Presentation_Submit_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PresentationServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PresentationServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Presentation_Export_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PresentationServer).Export(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exportMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PresentationServer).Export(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Presentation_Watch_Handler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PresentationServer).Watch(m, &presentationWatchServer{stream})
}

// Presentation_ServiceDesc describes the service for grpc.Server.RegisterService.
var Presentation_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PresentationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: _Presentation_Submit_Handler},
		{MethodName: "Export", Handler: _Presentation_Export_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: _Presentation_Watch_Handler, ServerStreams: true},
	},
	Metadata: "gambit/presentation/v1/presentation.proto",
}

// RegisterPresentationServer registers srv on s.
func RegisterPresentationServer(s grpc.ServiceRegistrar, srv PresentationServer) {
	s.RegisterService(&Presentation_ServiceDesc, srv)
}

// PresentationClient is the client side of the service.
type PresentationClient struct {
	cc grpc.ClientConnInterface
}

// NewPresentationClient wraps a client connection.
func NewPresentationClient(cc grpc.ClientConnInterface) *PresentationClient {
	return &PresentationClient{cc: cc}
}

func (c *PresentationClient) Submit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, submitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PresentationClient) Export(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, exportMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Presentation_WatchClient is the client side of Watch.
type Presentation_WatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type presentationWatchClient struct {
	grpc.ClientStream
}

func (x *presentationWatchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *PresentationClient) Watch(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (Presentation_WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &Presentation_ServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &presentationWatchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
