package saga

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a payment saga.
type State string

const (
	StateCreated             State = "CREATED"
	StateRunning             State = "RUNNING"
	StateCompensating        State = "COMPENSATING"
	StateCompleted           State = "COMPLETED"
	StateCompensated         State = "COMPENSATED"
	StateFailedUnrecoverable State = "FAILED_UNRECOVERABLE"
)

// Terminal reports whether the saga can no longer be advanced.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompensated, StateFailedUnrecoverable:
		return true
	}
	return false
}

// Direction distinguishes forward actions from their compensations.
type Direction string

const (
	Forward    Direction = "forward"
	Compensate Direction = "compensate"
)

// Outcome is the normalized result of one step attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeTransientFailure Outcome = "TRANSIENT_FAILURE"
	OutcomePermanentFailure Outcome = "PERMANENT_FAILURE"
)

// Valid reports whether o is one of the three known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeTransientFailure, OutcomePermanentFailure:
		return true
	}
	return false
}

// ResolveRouteStep is the pseudo step recorded when no route exists for a saga.
const ResolveRouteStep = "resolve-route"

// PaymentAttributes is the immutable payment snapshot captured at saga start.
type PaymentAttributes struct {
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
	DebtorAccount   string `json:"debtor_account"`
	CreditorAccount string `json:"creditor_account"`
	PaymentType     string `json:"payment_type"`
	ClearingSystem  string `json:"clearing_system"`
	Reference       string `json:"reference,omitempty"`
}

// Target is the execution path chosen by routing.
type Target struct {
	Name           string   `json:"name"`
	ClearingSystem string   `json:"clearing_system"`
	Steps          []string `json:"steps"`
}

// StepRecord is one entry of the append-only saga history.
type StepRecord struct {
	Seq            int       `json:"seq"`
	StepName       string    `json:"step_name"`
	Direction      Direction `json:"direction"`
	AttemptNumber  int       `json:"attempt_number"`
	IdempotencyKey string    `json:"idempotency_key"`
	Outcome        Outcome   `json:"outcome"`
	Exhausted      bool      `json:"exhausted,omitempty"`
	Replayed       bool      `json:"replayed,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
}

// Instance is a persisted payment saga.
type Instance struct {
	ID               uuid.UUID         `json:"saga_id"`
	TenantID         string            `json:"tenant_id"`
	RequestKey       string            `json:"request_key,omitempty"`
	Attributes       PaymentAttributes `json:"payment_attributes"`
	State            State             `json:"state"`
	CurrentStepIndex int               `json:"current_step_index"`
	StepPlan         []string          `json:"step_plan"`
	Target           *Target           `json:"target,omitempty"`
	History          []StepRecord      `json:"history"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	LeaseOwner       string            `json:"-"`
	LeaseExpiresAt   time.Time         `json:"-"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Version          int64             `json:"version"`
}

// New builds a CREATED saga for the given tenant and payment snapshot.
func New(id uuid.UUID, tenantID string, attrs PaymentAttributes, now time.Time) *Instance {
	return &Instance{
		ID:         id,
		TenantID:   tenantID,
		Attributes: attrs,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy so callers can't mutate stored state.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.StepPlan = append([]string(nil), i.StepPlan...)
	cp.History = append([]StepRecord(nil), i.History...)
	if i.Target != nil {
		t := *i.Target
		t.Steps = append([]string(nil), i.Target.Steps...)
		cp.Target = &t
	}
	return &cp
}

// LeasedBy reports whether a worker other than owner holds a live lease.
func (i *Instance) LeasedBy(owner string, now time.Time) bool {
	return i.LeaseOwner != "" && i.LeaseOwner != owner && now.Before(i.LeaseExpiresAt)
}

// Event describes a saga state transition.
type Event struct {
	SagaID   uuid.UUID `json:"saga_id"`
	TenantID string    `json:"tenant_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}
