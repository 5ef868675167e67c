package orchestrator

import (
	"context"
	"testing"

	"payflow/internal/saga"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, StepContext) ([]byte, error) { return nil, nil }

func TestRegistry_Register(t *testing.T) {
	r, err := NewRegistry(Step{Name: "debit", Forward: noop, Compensate: noop}, Step{Name: "credit", Forward: noop})
	require.NoError(t, err)

	tests := []struct {
		name string
		step Step
	}{
		{"empty name", Step{Name: " ", Forward: noop}},
		{"reserved name", Step{Name: saga.ResolveRouteStep, Forward: noop}},
		{"no forward action", Step{Name: "fx"}},
		{"duplicate", Step{Name: "debit", Forward: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.Register(tt.step))
		})
	}

	assert.True(t, r.Compensable("debit"))
	assert.False(t, r.Compensable("credit"))
	assert.False(t, r.Compensable("unknown"))
	assert.Equal(t, []string{"fx"}, r.Missing([]string{"debit", "fx", "credit"}))
	assert.Empty(t, r.Missing([]string{"debit", "credit"}))

	_, err = NewRegistry(Step{Name: "a", Forward: noop}, Step{Name: "a", Forward: noop})
	assert.Error(t, err)
}

func TestStepContext_KeyFor(t *testing.T) {
	id := uuid.MustParse("6f1c2e8a-4b7d-4c5e-9a1f-2d3e4f5a6b7c")
	sc := StepContext{SagaID: id, Key: saga.IdempotencyKey(id, "recall", saga.Compensate)}
	assert.Equal(t, saga.IdempotencyKey(id, "submit-clearing", saga.Forward), sc.KeyFor("submit-clearing", saga.Forward))
	assert.NotEqual(t, sc.Key, sc.KeyFor("submit-clearing", saga.Forward))
}
