package saga

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNotFound            = errors.New("saga not found")
	ErrAlreadyExists       = errors.New("saga already exists")
	ErrVersionConflict     = errors.New("saga version conflict")
	ErrSagaBusy            = errors.New("saga leased by another worker")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")

	// ErrPending is returned by asynchronous actions whose outcome is not known yet.
	ErrPending = errors.New("step outcome pending")

	// ErrDeferred marks a call that was not made because the collaborator is
	// unavailable for now. It does not count as an attempt.
	ErrDeferred = errors.New("call deferred")

	// ErrStepNotReached rejects an outcome reported for a step the saga has
	// not started yet.
	ErrStepNotReached = errors.New("step not reached")

	// ErrPermanent marks an error as a business rejection that must not be retried.
	ErrPermanent = errors.New("permanent failure")
)

// Rejection is an explicit business rejection from a collaborator.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "rejected: " + r.Reason
}

func (r *Rejection) Is(target error) bool {
	return target == ErrPermanent
}

// Reject builds a Rejection with a formatted reason.
func Reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Invalid wraps a validation failure so it matches ErrInvalidRequest.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}
