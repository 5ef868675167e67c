package executor

import (
	"errors"

	"payflow/internal/saga"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var permanentCodes = map[codes.Code]bool{
	codes.InvalidArgument:    true,
	codes.FailedPrecondition: true,
	codes.NotFound:           true,
	codes.AlreadyExists:      true,
	codes.PermissionDenied:   true,
	codes.OutOfRange:         true,
	codes.Unauthenticated:    true,
}

// Classify normalizes a collaborator error into an outcome. pending is true
// when the action reported that its result is not known yet or that the call
// was deferred.
func Classify(err error) (outcome saga.Outcome, pending bool) {
	if err == nil {
		return saga.OutcomeSuccess, false
	}
	if errors.Is(err, saga.ErrPending) || errors.Is(err, saga.ErrDeferred) {
		return "", true
	}
	if errors.Is(err, saga.ErrPermanent) {
		return saga.OutcomePermanentFailure, false
	}
	if st, ok := status.FromError(err); ok && permanentCodes[st.Code()] {
		return saga.OutcomePermanentFailure, false
	}
	return saga.OutcomeTransientFailure, false
}

// Detail extracts the reason to store alongside an outcome.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var rej *saga.Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	if st, ok := status.FromError(err); ok {
		return st.Code().String() + ": " + st.Message()
	}
	return err.Error()
}
