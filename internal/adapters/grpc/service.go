package grpc

import (
	"context"

	"payflow/internal/saga"

	grpcpkg "google.golang.org/grpc"
)

const ServiceName = "payflow.saga.v1.SagaService"

const (
	startSagaMethod     = "/" + ServiceName + "/StartSaga"
	getSagaMethod       = "/" + ServiceName + "/GetSaga"
	reportOutcomeMethod = "/" + ServiceName + "/ReportStepOutcome"
)

type StartSagaRequest struct {
	TenantID          string                 `json:"tenant_id"`
	RequestKey        string                 `json:"request_key,omitempty"`
	PaymentAttributes saga.PaymentAttributes `json:"payment_attributes"`
}

type StartSagaResponse struct {
	SagaID string `json:"saga_id"`
}

type GetSagaRequest struct {
	SagaID string `json:"saga_id"`
}

type GetSagaResponse struct {
	Saga *saga.Instance `json:"saga"`
}

type ReportStepOutcomeRequest struct {
	SagaID  string       `json:"saga_id"`
	Step    string       `json:"step"`
	Outcome saga.Outcome `json:"outcome"`
	Detail  string       `json:"detail,omitempty"`
}

type ReportStepOutcomeResponse struct{}

// SagaServiceServer is the server API of SagaService.
type SagaServiceServer interface {
	StartSaga(context.Context, *StartSagaRequest) (*StartSagaResponse, error)
	GetSaga(context.Context, *GetSagaRequest) (*GetSagaResponse, error)
	ReportStepOutcome(context.Context, *ReportStepOutcomeRequest) (*ReportStepOutcomeResponse, error)
}

// SagaService_ServiceDesc describes SagaService for grpc.ServiceRegistrar.
var SagaService_ServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SagaServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "StartSaga", Handler: startSagaHandler},
		{MethodName: "GetSaga", Handler: getSagaHandler},
		{MethodName: "ReportStepOutcome", Handler: reportOutcomeHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "payflow/saga/v1/saga.json",
}

func RegisterSagaServiceServer(s grpcpkg.ServiceRegistrar, srv SagaServiceServer) {
	s.RegisterService(&SagaService_ServiceDesc, srv)
}

func startSagaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(StartSagaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SagaServiceServer).StartSaga(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: startSagaMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SagaServiceServer).StartSaga(ctx, req.(*StartSagaRequest))
	})
}

func getSagaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(GetSagaRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SagaServiceServer).GetSaga(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: getSagaMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SagaServiceServer).GetSaga(ctx, req.(*GetSagaRequest))
	})
}

func reportOutcomeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(ReportStepOutcomeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SagaServiceServer).ReportStepOutcome(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: reportOutcomeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(SagaServiceServer).ReportStepOutcome(ctx, req.(*ReportStepOutcomeRequest))
	})
}

// SagaServiceClient calls SagaService using the JSON codec.
type SagaServiceClient struct {
	cc grpcpkg.ClientConnInterface
}

func NewSagaServiceClient(cc grpcpkg.ClientConnInterface) *SagaServiceClient {
	return &SagaServiceClient{cc: cc}
}

func (c *SagaServiceClient) StartSaga(ctx context.Context, in *StartSagaRequest, opts ...grpcpkg.CallOption) (*StartSagaResponse, error) {
	out := new(StartSagaResponse)
	if err := c.cc.Invoke(ctx, startSagaMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SagaServiceClient) GetSaga(ctx context.Context, in *GetSagaRequest, opts ...grpcpkg.CallOption) (*GetSagaResponse, error) {
	out := new(GetSagaResponse)
	if err := c.cc.Invoke(ctx, getSagaMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SagaServiceClient) ReportStepOutcome(ctx context.Context, in *ReportStepOutcomeRequest, opts ...grpcpkg.CallOption) (*ReportStepOutcomeResponse, error) {
	out := new(ReportStepOutcomeResponse)
	if err := c.cc.Invoke(ctx, reportOutcomeMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func callOptions(opts []grpcpkg.CallOption) []grpcpkg.CallOption {
	return append([]grpcpkg.CallOption{grpcpkg.CallContentSubtype(CodecName)}, opts...)
}
