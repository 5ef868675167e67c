// Package clearing provides Clearing Adapter implementations.
package clearing

import (
	"context"
	"sync"
	"time"

	"payflow/internal/payments"
	"payflow/internal/saga"
)

// Op names a clearing operation for fault injection.
type Op string

const (
	OpSubmit Op = "submit"
	OpPoll   Op = "poll"
	OpRecall Op = "recall"
)

// SettlementHook is told when a submission settles asynchronously.
type SettlementHook func(submissionKey string, st payments.SettlementStatus)

type MemoryOption func(*Memory)

// WithSettlementDelay settles accepted submissions after d in the background
// and reports them through hook. Without it submissions settle immediately.
func WithSettlementDelay(d time.Duration, hook SettlementHook) MemoryOption {
	return func(m *Memory) {
		m.async = true
		m.delay = d
		m.hook = hook
	}
}

// WithManualSettlement leaves submissions pending until Settle is called.
func WithManualSettlement() MemoryOption {
	return func(m *Memory) { m.manual = true }
}

// WithoutRecall makes the network refuse recalls.
func WithoutRecall() MemoryOption {
	return func(m *Memory) { m.noRecall = true }
}

type submission struct {
	sub      payments.Submission
	receipt  payments.Receipt
	status   payments.SettlementStatus
	recalled bool
}

type fault struct {
	op    Op
	err   error
	times int
}

// Memory simulates one clearing network. Submissions are idempotent per key.
type Memory struct {
	network  string
	async    bool
	manual   bool
	noRecall bool
	delay    time.Duration
	hook     SettlementHook
	now      func() time.Time

	mu          sync.Mutex
	submissions map[string]*submission
	recalls     map[string]bool
	submitCalls int
	faults      []*fault
	wg          sync.WaitGroup
}

func NewMemory(network string, opts ...MemoryOption) *Memory {
	m := &Memory{
		network:     network,
		now:         time.Now,
		submissions: make(map[string]*submission),
		recalls:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fail makes the next times calls of op return err.
func (m *Memory) Fail(op Op, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &fault{op: op, err: err, times: times})
}

func (m *Memory) Submit(ctx context.Context, key string, sub payments.Submission) (payments.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return payments.Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitCalls++
	if err := m.injected(OpSubmit); err != nil {
		return payments.Receipt{}, err
	}
	if existing, ok := m.submissions[key]; ok {
		return existing.receipt, nil
	}
	if sub.Amount.AmountMinor <= 0 {
		return payments.Receipt{}, saga.Reject("amount must be positive")
	}

	s := &submission{
		sub: sub,
		receipt: payments.Receipt{
			Network:    m.network,
			Reference:  sub.Reference,
			AcceptedAt: m.now().UTC(),
		},
		status: payments.SettlementStatus{Status: payments.SettlementPending},
	}
	m.submissions[key] = s
	switch {
	case m.manual:
	case m.async:
		m.wg.Add(1)
		go m.settleLater(key)
	default:
		s.status = payments.SettlementStatus{Status: payments.SettlementSettled}
	}
	return s.receipt, nil
}

func (m *Memory) settleLater(key string) {
	defer m.wg.Done()
	time.Sleep(m.delay)
	m.Settle(key, payments.SettlementStatus{Status: payments.SettlementSettled})
}

func (m *Memory) Poll(ctx context.Context, submissionKey string) (payments.SettlementStatus, error) {
	if err := ctx.Err(); err != nil {
		return payments.SettlementStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected(OpPoll); err != nil {
		return payments.SettlementStatus{}, err
	}
	s, ok := m.submissions[submissionKey]
	if !ok {
		return payments.SettlementStatus{}, saga.Reject("unknown submission %s", submissionKey)
	}
	return s.status, nil
}

func (m *Memory) Recall(ctx context.Context, key, submissionKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected(OpRecall); err != nil {
		return err
	}
	if m.noRecall {
		return saga.Reject("%s does not accept recalls", m.network)
	}
	if m.recalls[key] {
		return nil
	}
	s, ok := m.submissions[submissionKey]
	if !ok {
		return saga.Reject("unknown submission %s", submissionKey)
	}
	s.recalled = true
	m.recalls[key] = true
	return nil
}

// Settle sets the final status of a submission and notifies the hook. It
// reports false for unknown or already final submissions.
func (m *Memory) Settle(submissionKey string, st payments.SettlementStatus) bool {
	m.mu.Lock()
	s, ok := m.submissions[submissionKey]
	if !ok || s.status.Status != payments.SettlementPending {
		m.mu.Unlock()
		return false
	}
	s.status = st
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(submissionKey, st)
	}
	return true
}

// Submissions returns the number of distinct accepted submissions.
func (m *Memory) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submissions)
}

// SubmitCalls returns how many times Submit was invoked.
func (m *Memory) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

// Recalled reports whether the submission was recalled.
func (m *Memory) Recalled(submissionKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[submissionKey]
	return ok && s.recalled
}

// Wait blocks until background settlements have finished.
func (m *Memory) Wait() {
	m.wg.Wait()
}

func (m *Memory) injected(op Op) error {
	for i, f := range m.faults {
		if f.op != op {
			continue
		}
		f.times--
		if f.times <= 0 {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
		}
		return f.err
	}
	return nil
}
