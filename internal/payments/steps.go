package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"payflow/internal/orchestrator"
	"payflow/internal/saga"
)

// Step names referenced by routing targets.
const (
	StepDebit           = "debit"
	StepSubmitClearing  = "submit-clearing"
	StepAwaitSettlement = "await-settlement"
	StepCredit          = "credit"
)

// Steps builds the payment steps on top of the given collaborators.
func Steps(accounts AccountAdapter, networks Networks) []orchestrator.Step {
	s := &steps{accounts: accounts, networks: networks}
	return []orchestrator.Step{
		{Name: StepDebit, Forward: s.debit, Compensate: s.reverseDebit},
		{Name: StepSubmitClearing, Forward: s.submit, Compensate: s.recall},
		// settlement is only observed, there is nothing to undo
		{Name: StepAwaitSettlement, Forward: s.awaitSettlement, Async: true},
		{Name: StepCredit, Forward: s.credit},
	}
}

// NewRegistry registers Steps in a fresh registry.
func NewRegistry(accounts AccountAdapter, networks Networks) (*orchestrator.Registry, error) {
	return orchestrator.NewRegistry(Steps(accounts, networks)...)
}

type steps struct {
	accounts AccountAdapter
	networks Networks
}

func money(attrs saga.PaymentAttributes) Money {
	return Money{AmountMinor: attrs.AmountMinor, Currency: attrs.Currency}
}

func (s *steps) debit(ctx context.Context, sc orchestrator.StepContext) ([]byte, error) {
	if err := s.accounts.Debit(ctx, sc.Key, sc.Attributes.DebtorAccount, money(sc.Attributes)); err != nil {
		return nil, fmt.Errorf("debit %s: %w", sc.Attributes.DebtorAccount, err)
	}
	return nil, nil
}

func (s *steps) reverseDebit(ctx context.Context, sc orchestrator.StepContext) ([]byte, error) {
	if err := s.accounts.ReverseDebit(ctx, sc.Key, sc.Attributes.DebtorAccount, money(sc.Attributes)); err != nil {
		return nil, fmt.Errorf("reverse debit %s: %w", sc.Attributes.DebtorAccount, err)
	}
	return nil, nil
}

func (s *steps) credit(ctx context.Context, sc orchestrator.StepContext) ([]byte, error) {
	if err := s.accounts.Credit(ctx, sc.Key, sc.Attributes.CreditorAccount, money(sc.Attributes)); err != nil {
		return nil, fmt.Errorf("credit %s: %w", sc.Attributes.CreditorAccount, err)
	}
	return nil, nil
}

func (s *steps) network(sc orchestrator.StepContext) (ClearingAdapter, error) {
	system := sc.Target.ClearingSystem
	if system == "" {
		system = sc.Attributes.ClearingSystem
	}
	adapter, ok := s.networks.Lookup(system)
	if !ok {
		return nil, saga.Reject("no clearing adapter for %s", system)
	}
	return adapter, nil
}

func (s *steps) submit(ctx context.Context, sc orchestrator.StepContext) ([]byte, error) {
	adapter, err := s.network(sc)
	if err != nil {
		return nil, err
	}
	reference := sc.Attributes.Reference
	if reference == "" {
		reference = sc.SagaID.String()
	}
	receipt, err := adapter.Submit(ctx, sc.Key, Submission{
		Reference:       reference,
		DebtorAccount:   sc.Attributes.DebtorAccount,
		CreditorAccount: sc.Attributes.CreditorAccount,
		PaymentType:     sc.Attributes.PaymentType,
		Amount:          money(sc.Attributes),
	})
	if err != nil {
		return nil, fmt.Errorf("submit to %s: %w", sc.Target.ClearingSystem, err)
	}
	return json.Marshal(receipt)
}

func (s *steps) recall(ctx context.Context, sc orchestrator.StepContext) ([]byte, error) {
	adapter, err := s.network(sc)
	if err != nil {
		return nil, err
	}
	recaller, ok := adapter.(Recaller)
	if !ok {
		return nil, saga.Reject("clearing system %s cannot recall submissions", sc.Target.ClearingSystem)
	}
	if err := recaller.Recall(ctx, sc.Key, sc.KeyFor(StepSubmitClearing, saga.Forward)); err != nil {
		return nil, fmt.Errorf("recall from %s: %w", sc.Target.ClearingSystem, err)
	}
	return nil, nil
}

func (s *steps) awaitSettlement(ctx context.Context, sc orchestrator.StepContext) ([]byte, error) {
	adapter, err := s.network(sc)
	if err != nil {
		return nil, err
	}
	st, err := adapter.Poll(ctx, sc.KeyFor(StepSubmitClearing, saga.Forward))
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", sc.Target.ClearingSystem, err)
	}
	switch st.Status {
	case SettlementSettled:
		return json.Marshal(st)
	case SettlementRejected:
		return nil, saga.Reject("settlement rejected: %s", st.Reason)
	default:
		return nil, saga.ErrPending
	}
}
