package saga

import (
	"strings"

	"github.com/google/uuid"
)

var (
	stepKeyNamespace    = uuid.MustParse("6f1c3f5e-4a0b-5d7e-9a51-2d8f1b0c7e44")
	requestKeyNamespace = uuid.MustParse("a3e2d9c1-7b54-5f08-8c6d-41f9e0b2a7d3")
)

// IdempotencyKey derives the collaborator key for one step direction of a saga.
// Retries and resumed sagas reuse it, so it must never depend on attempt state.
func IdempotencyKey(sagaID uuid.UUID, step string, dir Direction) string {
	name := sagaID.String() + "/" + step + "/" + string(dir)
	return uuid.NewSHA1(stepKeyNamespace, []byte(name)).String()
}

// RequestSagaID maps a client request key to a stable saga id within a tenant.
func RequestSagaID(tenantID, requestKey string) uuid.UUID {
	name := strings.TrimSpace(tenantID) + "/" + strings.TrimSpace(requestKey)
	return uuid.NewSHA1(requestKeyNamespace, []byte(name))
}
