package grpc

import (
	"context"
	"errors"

	"payflow/internal/saga"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// IdempotencyMetadataKey may carry the request key instead of the request field.
const IdempotencyMetadataKey = "idempotency-key"

// SagaService defines the behavior needed by the gRPC adapter.
type SagaService interface {
	StartSagaWithKey(ctx context.Context, tenantID, requestKey string, attrs saga.PaymentAttributes) (uuid.UUID, error)
	GetSagaStatus(ctx context.Context, id uuid.UUID) (*saga.Instance, error)
	ReportStepOutcome(ctx context.Context, id uuid.UUID, step string, outcome saga.Outcome, detail string) error
}

// Server adapts SagaService to gRPC.
type Server struct {
	service SagaService
}

// NewServer constructs a Server.
func NewServer(svc SagaService) *Server {
	return &Server{service: svc}
}

func (s *Server) StartSaga(ctx context.Context, req *StartSagaRequest) (*StartSagaResponse, error) {
	key := req.RequestKey
	if key == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(IdempotencyMetadataKey); len(vals) > 0 {
				key = vals[0]
			}
		}
	}
	id, err := s.service.StartSagaWithKey(ctx, req.TenantID, key, req.PaymentAttributes)
	if err != nil {
		return nil, mapSagaError(err)
	}
	return &StartSagaResponse{SagaID: id.String()}, nil
}

func (s *Server) GetSaga(ctx context.Context, req *GetSagaRequest) (*GetSagaResponse, error) {
	id, err := uuid.Parse(req.SagaID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid saga id: %v", err)
	}
	inst, err := s.service.GetSagaStatus(ctx, id)
	if err != nil {
		return nil, mapSagaError(err)
	}
	return &GetSagaResponse{Saga: inst}, nil
}

func (s *Server) ReportStepOutcome(ctx context.Context, req *ReportStepOutcomeRequest) (*ReportStepOutcomeResponse, error) {
	id, err := uuid.Parse(req.SagaID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid saga id: %v", err)
	}
	if err := s.service.ReportStepOutcome(ctx, id, req.Step, req.Outcome, req.Detail); err != nil {
		return nil, mapSagaError(err)
	}
	return &ReportStepOutcomeResponse{}, nil
}

func mapSagaError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, saga.ErrInvalidRequest) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if errors.Is(err, saga.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, saga.ErrIdempotencyConflict) || errors.Is(err, saga.ErrStepNotReached) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
