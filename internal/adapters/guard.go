package adapters

import (
	"context"

	"payflow/internal/payments"
	"payflow/internal/saga"
)

// Guard applies a limiter and a breaker around collaborator calls. Either may
// be nil. Retries are left to the step executor.
type Guard struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
}

func (g Guard) do(ctx context.Context, fn func() error) error {
	if err := g.Limiter.Wait(ctx); err != nil {
		return err
	}
	return g.Breaker.Execute(fn)
}

// GuardedAccount wraps an AccountAdapter with a Guard.
type GuardedAccount struct {
	base  payments.AccountAdapter
	guard Guard
}

func NewGuardedAccount(base payments.AccountAdapter, guard Guard) *GuardedAccount {
	return &GuardedAccount{base: base, guard: guard}
}

func (a *GuardedAccount) Debit(ctx context.Context, key, account string, amount payments.Money) error {
	return a.guard.do(ctx, func() error { return a.base.Debit(ctx, key, account, amount) })
}

func (a *GuardedAccount) Credit(ctx context.Context, key, account string, amount payments.Money) error {
	return a.guard.do(ctx, func() error { return a.base.Credit(ctx, key, account, amount) })
}

func (a *GuardedAccount) ReverseDebit(ctx context.Context, key, account string, amount payments.Money) error {
	return a.guard.do(ctx, func() error { return a.base.ReverseDebit(ctx, key, account, amount) })
}

// GuardedClearing wraps a ClearingAdapter with a Guard. It recalls only when
// the wrapped adapter can.
type GuardedClearing struct {
	base  payments.ClearingAdapter
	guard Guard
}

func NewGuardedClearing(base payments.ClearingAdapter, guard Guard) *GuardedClearing {
	return &GuardedClearing{base: base, guard: guard}
}

func (c *GuardedClearing) Submit(ctx context.Context, key string, sub payments.Submission) (payments.Receipt, error) {
	var receipt payments.Receipt
	err := c.guard.do(ctx, func() error {
		var err error
		receipt, err = c.base.Submit(ctx, key, sub)
		return err
	})
	return receipt, err
}

func (c *GuardedClearing) Poll(ctx context.Context, submissionKey string) (payments.SettlementStatus, error) {
	var st payments.SettlementStatus
	err := c.guard.do(ctx, func() error {
		var err error
		st, err = c.base.Poll(ctx, submissionKey)
		return err
	})
	return st, err
}

func (c *GuardedClearing) Recall(ctx context.Context, key, submissionKey string) error {
	recaller, ok := c.base.(payments.Recaller)
	if !ok {
		return saga.Reject("clearing adapter cannot recall submissions")
	}
	return c.guard.do(ctx, func() error { return recaller.Recall(ctx, key, submissionKey) })
}
