package fitd

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The FittingService exchanges google.protobuf.Struct messages whose fields
// mirror the HTTP JSON bodies, so no generated stubs are needed.
const (
	FittingServiceName = "welltest.fitting.v1.FittingService"

	methodCreateFit       = "/" + FittingServiceName + "/CreateFit"
	methodStartFit        = "/" + FittingServiceName + "/StartFit"
	methodStopFit         = "/" + FittingServiceName + "/StopFit"
	methodGetFit          = "/" + FittingServiceName + "/GetFit"
	methodListFits        = "/" + FittingServiceName + "/ListFits"
	methodStreamFitEvents = "/" + FittingServiceName + "/StreamFitEvents"
)

// FittingServiceServer is the server API for the FittingService.
type FittingServiceServer interface {
	CreateFit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartFit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopFit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFits(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamFitEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterFittingServiceServer registers srv on s.
func RegisterFittingServiceServer(s grpc.ServiceRegistrar, srv FittingServiceServer) {
	s.RegisterService(&FittingServiceDesc, srv)
}

func unaryHandler(method string, call func(FittingServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FittingServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(FittingServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamFitEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FittingServiceServer).StreamFitEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// FittingServiceDesc is the grpc.ServiceDesc for the FittingService.
var FittingServiceDesc = grpc.ServiceDesc{
	ServiceName: FittingServiceName,
	HandlerType: (*FittingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateFit", Handler: unaryHandler(methodCreateFit, FittingServiceServer.CreateFit)},
		{MethodName: "StartFit", Handler: unaryHandler(methodStartFit, FittingServiceServer.StartFit)},
		{MethodName: "StopFit", Handler: unaryHandler(methodStopFit, FittingServiceServer.StopFit)},
		{MethodName: "GetFit", Handler: unaryHandler(methodGetFit, FittingServiceServer.GetFit)},
		{MethodName: "ListFits", Handler: unaryHandler(methodListFits, FittingServiceServer.ListFits)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFitEvents",
			Handler:       streamFitEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "welltest/fitting/v1/fitting.proto",
}

// FittingServiceClient is the client API for the FittingService.
type FittingServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFittingServiceClient(cc grpc.ClientConnInterface) *FittingServiceClient {
	return &FittingServiceClient{cc: cc}
}

func (c *FittingServiceClient) unary(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FittingServiceClient) CreateFit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, methodCreateFit, in, opts...)
}

func (c *FittingServiceClient) StartFit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, methodStartFit, in, opts...)
}

func (c *FittingServiceClient) StopFit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, methodStopFit, in, opts...)
}

func (c *FittingServiceClient) GetFit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, methodGetFit, in, opts...)
}

func (c *FittingServiceClient) ListFits(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.unary(ctx, methodListFits, in, opts...)
}

func (c *FittingServiceClient) StreamFitEvents(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &FittingServiceDesc.Streams[0], methodStreamFitEvents, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("value is not a JSON object: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into out through its JSON form.
func fromStruct(s *structpb.Struct, out any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
