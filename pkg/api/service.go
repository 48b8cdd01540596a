// Package api defines the graphpredictor.v1.Predictor gRPC service.
//
// Messages travel as google.protobuf.Struct so that feature names stay
// data rather than schema; the typed wrappers in messages.go convert them.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "graphpredictor.v1.Predictor"

	PredictMethod    = "/" + ServiceName + "/Predict"
	GetMetricsMethod = "/" + ServiceName + "/GetMetrics"
)

// PredictorServer is implemented by predictors and by the router.
type PredictorServer interface {
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMetrics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterPredictorServer registers srv on s.
func RegisterPredictorServer(s grpc.ServiceRegistrar, srv PredictorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PredictorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "GetMetrics", Handler: getMetricsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "graphpredictor/v1/predictor.proto",
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).Predict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getMetricsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictorServer).GetMetrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetMetricsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictorServer).GetMetrics(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// PredictorClient calls a Predictor over a gRPC connection.
type PredictorClient struct {
	cc grpc.ClientConnInterface
}

func NewPredictorClient(cc grpc.ClientConnInterface) *PredictorClient {
	return &PredictorClient{cc: cc}
}

func (c *PredictorClient) PredictStruct(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PredictMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PredictorClient) GetMetricsStruct(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetMetricsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict sends a typed request and decodes the response.
func (c *PredictorClient) Predict(ctx context.Context, req *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error) {
	in, err := req.Struct()
	if err != nil {
		return nil, err
	}
	out, err := c.PredictStruct(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return ParsePredictResponse(out)
}

// GetMetrics fetches and decodes the worker metrics.
func (c *PredictorClient) GetMetrics(ctx context.Context, opts ...grpc.CallOption) (*WorkerMetrics, error) {
	out, err := c.GetMetricsStruct(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return ParseWorkerMetrics(out), nil
}
