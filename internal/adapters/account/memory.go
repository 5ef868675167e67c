// Package account provides Account Adapter implementations.
package account

import (
	"context"
	"strings"
	"sync"

	"payflow/internal/payments"
	"payflow/internal/saga"
)

// Op names an account operation for fault injection and effect counting.
type Op string

const (
	OpDebit        Op = "debit"
	OpCredit       Op = "credit"
	OpReverseDebit Op = "reverse-debit"
)

type fault struct {
	op    Op
	err   error
	times int
}

// Memory is an in-process account ledger. Operations are idempotent per key:
// a repeated key returns the first result without touching balances.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	results  map[string]error
	effects  map[Op]int
	calls    map[Op]int
	faults   []*fault
}

// NewMemory creates accounts with the given opening balances in minor units.
func NewMemory(balances map[string]int64) *Memory {
	m := &Memory{
		balances: make(map[string]int64, len(balances)),
		results:  make(map[string]error),
		effects:  make(map[Op]int),
		calls:    make(map[Op]int),
	}
	for acc, bal := range balances {
		m.balances[acc] = bal
	}
	return m
}

// Fail makes the next times calls of op return err before doing anything.
func (m *Memory) Fail(op Op, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &fault{op: op, err: err, times: times})
}

// Balance returns the current balance of account.
func (m *Memory) Balance(account string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// Effects returns how many times op actually changed a balance.
func (m *Memory) Effects(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effects[op]
}

// Calls returns how many times op was invoked, including replays and faults.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) Debit(ctx context.Context, key, account string, amount payments.Money) error {
	return m.apply(ctx, OpDebit, key, account, func(bal int64) (int64, error) {
		if bal < amount.AmountMinor {
			return bal, saga.Reject("insufficient funds on %s", account)
		}
		return bal - amount.AmountMinor, nil
	})
}

func (m *Memory) Credit(ctx context.Context, key, account string, amount payments.Money) error {
	return m.apply(ctx, OpCredit, key, account, func(bal int64) (int64, error) {
		return bal + amount.AmountMinor, nil
	})
}

func (m *Memory) ReverseDebit(ctx context.Context, key, account string, amount payments.Money) error {
	return m.apply(ctx, OpReverseDebit, key, account, func(bal int64) (int64, error) {
		return bal + amount.AmountMinor, nil
	})
}

func (m *Memory) apply(ctx context.Context, op Op, key, account string, change func(int64) (int64, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[op]++
	if err := m.injected(op); err != nil {
		return err
	}
	if res, ok := m.results[string(op)+"/"+key]; ok {
		return res
	}

	account = strings.TrimSpace(account)
	bal, ok := m.balances[account]
	var err error
	if !ok {
		err = saga.Reject("unknown account %s", account)
	} else {
		var next int64
		if next, err = change(bal); err == nil {
			m.balances[account] = next
			m.effects[op]++
		}
	}
	m.results[string(op)+"/"+key] = err
	return err
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
