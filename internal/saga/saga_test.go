package saga

import (
	"errors"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAttributes() PaymentAttributes {
	return PaymentAttributes{
		AmountMinor:     1250,
		Currency:        "EUR",
		DebtorAccount:   "DE89370400440532013000",
		CreditorAccount: "FR1420041010050500013M02606",
		PaymentType:     "instant",
		ClearingSystem:  "SEPA_INST",
	}
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	id := uuid.New()

	first := IdempotencyKey(id, "debit", Forward)
	assert.Equal(t, first, IdempotencyKey(id, "debit", Forward))
	assert.NotEqual(t, first, IdempotencyKey(id, "debit", Compensate))
	assert.NotEqual(t, first, IdempotencyKey(id, "credit", Forward))
	assert.NotEqual(t, first, IdempotencyKey(uuid.New(), "debit", Forward))
}

func TestRequestSagaIDScopedByTenant(t *testing.T) {
	key := faker.UUIDHyphenated()

	assert.Equal(t, RequestSagaID("tenant-a", key), RequestSagaID("tenant-a", key))
	assert.NotEqual(t, RequestSagaID("tenant-a", key), RequestSagaID("tenant-b", key))
}

func TestValidateStart(t *testing.T) {
	require.NoError(t, ValidateStart("tenant-a", validAttributes()))

	cases := []struct {
		name   string
		tenant string
		mutate func(*PaymentAttributes)
	}{
		{name: "missing tenant", tenant: " ", mutate: func(*PaymentAttributes) {}},
		{name: "zero amount", tenant: "t", mutate: func(a *PaymentAttributes) { a.AmountMinor = 0 }},
		{name: "negative amount", tenant: "t", mutate: func(a *PaymentAttributes) { a.AmountMinor = -5 }},
		{name: "bad currency", tenant: "t", mutate: func(a *PaymentAttributes) { a.Currency = "eu" }},
		{name: "blank debtor", tenant: "t", mutate: func(a *PaymentAttributes) { a.DebtorAccount = "  " }},
		{name: "missing creditor", tenant: "t", mutate: func(a *PaymentAttributes) { a.CreditorAccount = "" }},
		{name: "missing clearing system", tenant: "t", mutate: func(a *PaymentAttributes) { a.ClearingSystem = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			attrs := validAttributes()
			tc.mutate(&attrs)
			err := ValidateStart(tc.tenant, attrs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
}

func TestRejectionIsPermanent(t *testing.T) {
	err := Reject("insufficient funds on %s", "acc-1")

	assert.True(t, errors.Is(err, ErrPermanent))
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "insufficient funds on acc-1", rej.Reason)
}

func TestInstanceClone(t *testing.T) {
	inst := New(uuid.New(), "tenant-a", validAttributes(), time.Now())
	inst.StepPlan = []string{"debit"}
	inst.Target = &Target{Name: "sepa", Steps: []string{"debit"}}
	inst.History = []StepRecord{{StepName: "debit"}}

	cp := inst.Clone()
	cp.StepPlan[0] = "changed"
	cp.Target.Steps[0] = "changed"
	cp.History[0].StepName = "changed"

	assert.Equal(t, "debit", inst.StepPlan[0])
	assert.Equal(t, "debit", inst.Target.Steps[0])
	assert.Equal(t, "debit", inst.History[0].StepName)
}

func TestInstanceLeasedBy(t *testing.T) {
	now := time.Now()
	inst := &Instance{LeaseOwner: "w1", LeaseExpiresAt: now.Add(time.Second)}

	assert.True(t, inst.LeasedBy("w2", now))
	assert.False(t, inst.LeasedBy("w1", now))
	assert.False(t, inst.LeasedBy("w2", now.Add(2*time.Second)))
}
