package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	sagasdb "payflow/internal/db/sagas"
	"payflow/internal/executor"
	"payflow/internal/idempotency"
	"payflow/internal/observability"
	"payflow/internal/saga"

	"github.com/go-logr/logr/testr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type instantTimer struct{}

func (instantTimer) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type staticResolver struct {
	targets []saga.Target
	err     error
}

func (r *staticResolver) ResolveTarget(context.Context, string, saga.PaymentAttributes) ([]saga.Target, error) {
	return r.targets, r.err
}

type eventLog struct {
	mu     sync.Mutex
	events []saga.Event
}

func (l *eventLog) Publish(_ context.Context, ev saga.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) transitions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, string(ev.From)+">"+string(ev.To))
	}
	return out
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

func (d *recordingDispatcher) dispatched() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.ids...)
}

// scripted returns errs in order, then succeeds.
type scripted struct {
	mu    sync.Mutex
	errs  []error
	keys  []string
	calls int
	// always, when set, is returned once errs are used up
	always error
}

func (s *scripted) action(_ context.Context, sc StepContext) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.keys = append(s.keys, sc.Key)
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	return nil, s.always
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scripted) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

type harness struct {
	store      *sagasdb.MemoryStore
	ledger     *idempotency.MemoryLedger
	exec       *executor.Executor
	registry   *Registry
	resolver   *staticResolver
	clock      *fakeClock
	events     *eventLog
	metrics    *observability.Metrics
	dispatcher *recordingDispatcher
	orch       *Orchestrator
}

func testPolicy() executor.Policy {
	return executor.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		StepTimeout: time.Second,
		StaleAfter:  time.Minute,
	}
}

func newHarness(t *testing.T, steps ...Step) *harness {
	t.Helper()
	return newHarnessWithPolicy(t, testPolicy(), steps...)
}

func newHarnessWithPolicy(t *testing.T, policy executor.Policy, steps ...Step) *harness {
	t.Helper()
	registry, err := NewRegistry(steps...)
	require.NoError(t, err)

	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}

	h := &harness{
		store:      sagasdb.NewMemoryStore(),
		ledger:     idempotency.NewMemoryLedger(0),
		registry:   registry,
		resolver:   &staticResolver{targets: []saga.Target{{Name: "test-target", ClearingSystem: "TEST", Steps: names}}},
		clock:      newFakeClock(),
		events:     &eventLog{},
		metrics:    observability.NewMetrics(),
		dispatcher: &recordingDispatcher{},
	}
	h.exec = executor.New(h.ledger, policy,
		executor.WithTimer(instantTimer{}),
		executor.WithClock(h.clock.Now),
		executor.WithMetrics(h.metrics),
	)
	h.orch = h.newOrchestrator(t, h.store)
	return h
}

func (h *harness) newOrchestrator(t *testing.T, store saga.Store) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Store:    store,
		Executor: h.exec,
		Resolver: h.resolver,
		Registry: h.registry,
		Events:   h.events,
		Logger:   testr.New(t),
		Metrics:  h.metrics,
		Clock:    h.clock.Now,
		Owner:    "test-worker",
		LeaseTTL: 30 * time.Second,
	})
	require.NoError(t, err)
	o.UseDispatcher(h.dispatcher)
	return o
}

func testAttrs() saga.PaymentAttributes {
	return saga.PaymentAttributes{
		AmountMinor:     12500,
		Currency:        "EUR",
		DebtorAccount:   "DE89370400440532013000",
		CreditorAccount: "FR1420041010050500013M02606",
		PaymentType:     "instant",
		ClearingSystem:  "TEST",
	}
}

func (h *harness) start(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := h.orch.StartSaga(context.Background(), "tenant-a", testAttrs())
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, id uuid.UUID) *saga.Instance {
	t.Helper()
	inst, err := h.orch.GetSagaStatus(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func records(inst *saga.Instance, step string, dir saga.Direction) []saga.StepRecord {
	var out []saga.StepRecord
	for _, r := range inst.History {
		if r.StepName == step && r.Direction == dir {
			out = append(out, r)
		}
	}
	return out
}

func outcomes(recs []saga.StepRecord) []saga.Outcome {
	out := make([]saga.Outcome, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Outcome)
	}
	return out
}
