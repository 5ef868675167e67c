package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"payflow/internal/saga"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// StepContext is what a step action sees of its saga.
type StepContext struct {
	SagaID     uuid.UUID
	TenantID   string
	Attributes saga.PaymentAttributes
	Target     saga.Target
	// Key is the idempotency key of the direction being executed.
	Key string
}

// KeyFor returns the idempotency key of another step direction of the same
// saga, e.g. the submission key a settlement poll refers to.
func (c StepContext) KeyFor(step string, dir saga.Direction) string {
	return saga.IdempotencyKey(c.SagaID, step, dir)
}

// ActionFunc performs one collaborator call for a step direction.
type ActionFunc func(ctx context.Context, sc StepContext) ([]byte, error)

// Step pairs a forward action with its compensation.
type Step struct {
	Name    string
	Forward ActionFunc
	// Compensate is nil for steps that have nothing to undo; they are skipped
	// while compensating.
	Compensate ActionFunc
	// Async steps may answer saga.ErrPending and accept outcomes reported
	// through ReportStepOutcome.
	Async bool
}

// Registry holds the steps a step plan may reference. Plans are persisted as
// step names, so every name must resolve here when a saga is resumed.
type Registry struct {
	steps *xsync.MapOf[string, Step]
}

// NewRegistry builds a Registry and registers steps.
func NewRegistry(steps ...Step) (*Registry, error) {
	r := &Registry{steps: xsync.NewMapOf[string, Step]()}
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a step. Names are unique.
func (r *Registry) Register(step Step) error {
	name := strings.TrimSpace(step.Name)
	switch {
	case name == "":
		return errors.New("step name is required")
	case name == saga.ResolveRouteStep:
		return fmt.Errorf("step name %q is reserved", name)
	case step.Forward == nil:
		return fmt.Errorf("step %q has no forward action", name)
	}
	step.Name = name
	if _, loaded := r.steps.LoadOrStore(name, step); loaded {
		return fmt.Errorf("step %q already registered", name)
	}
	return nil
}

// Lookup returns the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	return r.steps.Load(name)
}

// Compensable reports whether name has a compensating action.
func (r *Registry) Compensable(name string) bool {
	s, ok := r.steps.Load(name)
	return ok && s.Compensate != nil
}

// Missing returns the names in plan that are not registered.
func (r *Registry) Missing(plan []string) []string {
	var missing []string
	for _, name := range plan {
		if _, ok := r.steps.Load(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
