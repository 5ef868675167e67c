package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StaleQuery selects non-terminal sagas that nobody has touched recently.
type StaleQuery struct {
	States []State
	// UpdatedBefore is the staleness threshold on UpdatedAt.
	UpdatedBefore time.Time
	// Now is compared against lease expiry; live leases are excluded.
	Now   time.Time
	Limit int
}

// Store persists saga instances and their append-only history.
//
// Update is a compare-and-swap on inst.Version: it fails with
// ErrVersionConflict when the stored version differs. On success the
// appended records are numbered, added to inst.History and inst.Version is
// incremented.
type Store interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id uuid.UUID) (*Instance, error)
	Update(ctx context.Context, inst *Instance, appended ...StepRecord) error
	ListStale(ctx context.Context, q StaleQuery) ([]uuid.UUID, error)
}

// ActiveStates are the states the recovery sweeper resumes.
var ActiveStates = []State{StateCreated, StateRunning, StateCompensating}
