package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"payflow/internal/saga"
)

// ErrCircuitOpen indicates the circuit breaker is open. It matches
// saga.ErrDeferred so refused calls do not use up step attempts.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open: %w", saga.ErrDeferred)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

type CircuitBreakerConfig struct {
	// Name is passed to OnStateChange.
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// IsFailure decides which errors count towards opening the breaker.
	// By default business rejections and cancellations do not.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to BreakerState)
}

// CircuitBreaker refuses calls to a collaborator after MaxFailures
// consecutive failures. After ResetTimeout one trial call is let through;
// its result closes or reopens the circuit.
type CircuitBreaker struct {
	name       string
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	isFailure  func(error) bool
	onChange   func(string, BreakerState, BreakerState)

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

type transition struct {
	from, to BreakerState
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	c := &CircuitBreaker{
		name:       cfg.Name,
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: cfg.ResetTimeout,
		now:        cfg.Now,
		isFailure:  cfg.IsFailure,
		onChange:   cfg.OnStateChange,
		state:      BreakerClosed,
	}
	if c.resetAfter <= 0 {
		c.resetAfter = 2 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.isFailure == nil {
		c.isFailure = countsAsFailure
	}
	return c
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, saga.ErrPermanent) && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the circuit is open.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	trial, err := c.acquire()
	if err != nil {
		return err
	}
	err = fn()
	c.settle(trial, err)
	return err
}

func (c *CircuitBreaker) acquire() (trial bool, err error) {
	var moved *transition
	defer func() { c.notify(moved) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerOpen:
		if c.now().Sub(c.openedAt) < c.resetAfter {
			return false, ErrCircuitOpen
		}
		moved = c.move(BreakerHalfOpen)
		fallthrough
	case BreakerHalfOpen:
		if c.probing {
			return false, ErrCircuitOpen
		}
		c.probing = true
		return true, nil
	}
	return false, nil
}

func (c *CircuitBreaker) settle(trial bool, err error) {
	var moved *transition
	defer func() { c.notify(moved) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if trial {
		c.probing = false
	}
	if err == nil || !c.isFailure(err) {
		c.failures = 0
		moved = c.move(BreakerClosed)
		return
	}
	c.failures++
	if trial || c.failures >= c.maxFails {
		c.failures = 0
		c.openedAt = c.now()
		moved = c.move(BreakerOpen)
	}
}

func (c *CircuitBreaker) move(to BreakerState) *transition {
	if c.state == to {
		return nil
	}
	t := &transition{from: c.state, to: to}
	c.state = to
	return t
}

func (c *CircuitBreaker) notify(t *transition) {
	if t != nil && c.onChange != nil {
		c.onChange(c.name, t.from, t.to)
	}
}

// State returns the current state without advancing it.
func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open reports whether the next call would be refused.
func (c *CircuitBreaker) Open() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerOpen:
		return c.now().Sub(c.openedAt) < c.resetAfter
	case BreakerHalfOpen:
		return c.probing
	}
	return false
}
