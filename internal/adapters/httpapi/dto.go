package httpapi

import (
	"time"

	"payflow/internal/saga"
)

type StartSagaRequest struct {
	TenantID          string                 `json:"tenant_id"`
	PaymentAttributes saga.PaymentAttributes `json:"payment_attributes"`
}

type StartSagaResponse struct {
	SagaID string `json:"saga_id"`
}

type ReportOutcomeRequest struct {
	Outcome saga.Outcome `json:"outcome"`
	Detail  string       `json:"detail,omitempty"`
}

type StepRecordResponse struct {
	Seq            int       `json:"seq"`
	StepName       string    `json:"step_name"`
	Direction      string    `json:"direction"`
	AttemptNumber  int       `json:"attempt_number"`
	IdempotencyKey string    `json:"idempotency_key"`
	Outcome        string    `json:"outcome"`
	Exhausted      bool      `json:"exhausted,omitempty"`
	Replayed       bool      `json:"replayed,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
}

type SagaResponse struct {
	SagaID            string                 `json:"saga_id"`
	TenantID          string                 `json:"tenant_id"`
	RequestKey        string                 `json:"request_key,omitempty"`
	State             string                 `json:"state"`
	CurrentStepIndex  int                    `json:"current_step_index"`
	StepPlan          []string               `json:"step_plan"`
	Target            string                 `json:"target,omitempty"`
	ClearingSystem    string                 `json:"clearing_system,omitempty"`
	PaymentAttributes saga.PaymentAttributes `json:"payment_attributes"`
	FailureReason     string                 `json:"failure_reason,omitempty"`
	History           []StepRecordResponse   `json:"history"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	Version           int64                  `json:"version"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapSagaToResponse(inst *saga.Instance) SagaResponse {
	resp := SagaResponse{
		SagaID:            inst.ID.String(),
		TenantID:          inst.TenantID,
		RequestKey:        inst.RequestKey,
		State:             string(inst.State),
		CurrentStepIndex:  inst.CurrentStepIndex,
		StepPlan:          append([]string{}, inst.StepPlan...),
		PaymentAttributes: inst.Attributes,
		FailureReason:     inst.FailureReason,
		History:           make([]StepRecordResponse, len(inst.History)),
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
		Version:           inst.Version,
	}
	if inst.Target != nil {
		resp.Target = inst.Target.Name
		resp.ClearingSystem = inst.Target.ClearingSystem
	}
	for i, rec := range inst.History {
		resp.History[i] = StepRecordResponse{
			Seq:            rec.Seq,
			StepName:       rec.StepName,
			Direction:      string(rec.Direction),
			AttemptNumber:  rec.AttemptNumber,
			IdempotencyKey: rec.IdempotencyKey,
			Outcome:        string(rec.Outcome),
			Exhausted:      rec.Exhausted,
			Replayed:       rec.Replayed,
			StartedAt:      rec.StartedAt,
			CompletedAt:    rec.CompletedAt,
			ErrorDetail:    rec.ErrorDetail,
		}
	}
	return resp
}
