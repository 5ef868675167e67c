// Package payments defines the collaborator contracts a payment saga calls
// and the steps built on them.
package payments

import (
	"context"
	"strings"
	"time"
)

// Money is an amount in minor units of a currency.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// AccountAdapter moves funds on customer accounts. Every call must be
// idempotent per key: repeating a key never repeats the effect.
//
// Errors matching saga.ErrPermanent are business rejections; anything else is
// treated as transient.
type AccountAdapter interface {
	Debit(ctx context.Context, key, account string, amount Money) error
	Credit(ctx context.Context, key, account string, amount Money) error
	ReverseDebit(ctx context.Context, key, account string, amount Money) error
}

// Submission is the payment handed to a clearing network.
type Submission struct {
	Reference       string `json:"reference"`
	DebtorAccount   string `json:"debtor_account"`
	CreditorAccount string `json:"creditor_account"`
	PaymentType     string `json:"payment_type"`
	Amount          Money  `json:"amount"`
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	Network    string    `json:"network"`
	Reference  string    `json:"reference"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Settlement is the final state of a submission on the network.
type Settlement string

const (
	SettlementPending  Settlement = "PENDING"
	SettlementSettled  Settlement = "SETTLED"
	SettlementRejected Settlement = "REJECTED"
)

type SettlementStatus struct {
	Status Settlement `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// ClearingAdapter submits payments to one clearing network. Submit is
// idempotent per key; Poll reports the settlement of a submission key.
type ClearingAdapter interface {
	Submit(ctx context.Context, key string, sub Submission) (Receipt, error)
	Poll(ctx context.Context, submissionKey string) (SettlementStatus, error)
}

// Recaller is implemented by networks that can recall an accepted
// submission. key identifies the recall itself.
type Recaller interface {
	Recall(ctx context.Context, key, submissionKey string) error
}

// Networks maps clearing system names to their adapters.
type Networks map[string]ClearingAdapter

// Lookup finds the adapter of a clearing system, ignoring case.
func (n Networks) Lookup(system string) (ClearingAdapter, bool) {
	if a, ok := n[system]; ok {
		return a, true
	}
	for name, a := range n {
		if strings.EqualFold(name, strings.TrimSpace(system)) {
			return a, true
		}
	}
	return nil, false
}
