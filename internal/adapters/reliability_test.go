package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"payflow/internal/payments"
	"payflow/internal/saga"
)

type stubAccount struct {
	errs  []error
	calls int
}

func (s *stubAccount) next() error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func (s *stubAccount) Debit(context.Context, string, string, payments.Money) error  { return s.next() }
func (s *stubAccount) Credit(context.Context, string, string, payments.Money) error { return s.next() }
func (s *stubAccount) ReverseDebit(context.Context, string, string, payments.Money) error {
	return s.next()
}

type stubClearing struct {
	err   error
	calls int
}

func (s *stubClearing) Submit(context.Context, string, payments.Submission) (payments.Receipt, error) {
	s.calls++
	return payments.Receipt{Network: "SEPA_CT"}, s.err
}

func (s *stubClearing) Poll(context.Context, string) (payments.SettlementStatus, error) {
	s.calls++
	return payments.SettlementStatus{Status: payments.SettlementPending}, s.err
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("connection refused")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if !breaker.Open() {
		t.Fatalf("expected breaker to be open")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestCircuitBreaker_ReportsTransitions(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var seen []string
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "clearing/SEPA_CT",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
		OnStateChange: func(name string, from, to BreakerState) {
			seen = append(seen, name+":"+string(from)+">"+string(to))
		},
	})

	_ = breaker.Execute(func() error { return errors.New("connection reset") })
	if breaker.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", breaker.State())
	}

	now = now.Add(2 * time.Second)
	_ = breaker.Execute(func() error { return errors.New("still down") })
	if breaker.State() != BreakerOpen {
		t.Fatalf("failed trial must reopen, got %s", breaker.State())
	}

	now = now.Add(2 * time.Second)
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"clearing/SEPA_CT:closed>open",
		"clearing/SEPA_CT:open>half-open",
		"clearing/SEPA_CT:half-open>open",
		"clearing/SEPA_CT:open>half-open",
		"clearing/SEPA_CT:half-open>closed",
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestCircuitBreaker_IgnoresRejections(t *testing.T) {
	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		err := breaker.Execute(func() error { return saga.Reject("insufficient funds") })
		if !errors.Is(err, saga.ErrPermanent) {
			t.Fatalf("expected rejection to pass through, got %v", err)
		}
	}
	if breaker.Open() {
		t.Fatalf("rejections must not open the breaker")
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits, reported []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1).OnWait(func(d time.Duration) {
		reported = append(reported, d)
	})
	limiter.now = func() time.Time { return now }
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
	if len(reported) != 1 || reported[0] != waits[0] {
		t.Fatalf("expected wait hook to see %v, got %v", waits, reported)
	}
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration

	limiter := NewRateLimiter(10*time.Millisecond, 3)
	limiter.now = func() time.Time { return now }
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	for i := 0; i < 4; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(waits) != 1 || waits[0] != 10*time.Millisecond {
		t.Fatalf("expected only the fourth call to wait 10ms, got %v", waits)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	if limiter := NewRateLimiter(0, 5); limiter != nil {
		t.Fatalf("expected zero rate to disable limiting")
	}
	var limiter *RateLimiter
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	limiter := NewRateLimiter(time.Hour, 1)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestGuardedAccount_CircuitOpen(t *testing.T) {
	base := &stubAccount{errs: []error{errors.New("gateway timeout"), errors.New("gateway timeout")}}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	account := NewGuardedAccount(base, Guard{Breaker: breaker})
	amount := payments.Money{AmountMinor: 100, Currency: "EUR"}
	if err := account.Debit(context.Background(), "k-1", "acc-1", amount); err == nil {
		t.Fatalf("expected failure")
	}
	if err := account.Debit(context.Background(), "k-1", "acc-1", amount); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 call, got %d", base.calls)
	}
}

func TestGuardedAccount_NoRetries(t *testing.T) {
	base := &stubAccount{errs: []error{errors.New("flaky")}}
	account := NewGuardedAccount(base, Guard{})

	if err := account.Credit(context.Background(), "k-1", "acc-2", payments.Money{AmountMinor: 1, Currency: "EUR"}); err == nil {
		t.Fatalf("expected error to surface")
	}
	if base.calls != 1 {
		t.Fatalf("expected a single call, got %d", base.calls)
	}
}

func TestGuardedClearing_RecallUnsupported(t *testing.T) {
	base := &stubClearing{}
	clearing := NewGuardedClearing(base, Guard{})

	if _, err := clearing.Submit(context.Background(), "k-1", payments.Submission{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := clearing.Poll(context.Background(), "k-1"); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := clearing.Recall(context.Background(), "k-2", "k-1"); !errors.Is(err, saga.ErrPermanent) {
		t.Fatalf("expected permanent recall failure, got %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", base.calls)
	}
}
