// Package executor runs a single step action against a collaborator with
// idempotency and bounded retries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payflow/internal/idempotency"
	"payflow/internal/observability"
	"payflow/internal/saga"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// ErrInFlight means another worker holds a fresh in-flight marker for the key.
var ErrInFlight = errors.New("step already in flight")

// Action performs one collaborator call keyed by the idempotency key.
type Action func(ctx context.Context, key string) ([]byte, error)

// Recorder durably appends one history record. The executor does not start
// another attempt until it returns.
type Recorder func(ctx context.Context, rec saga.StepRecord) error

// Request describes the step direction to execute.
type Request struct {
	SagaID    uuid.UUID
	Step      string
	Direction saga.Direction
	// PriorAttempts is the number of attempts already in history.
	PriorAttempts int
	Action        Action
}

// Result is the normalized outcome of Execute.
type Result struct {
	Outcome saga.Outcome
	// Exhausted is set when the retry budget ran out on transient failures.
	Exhausted bool
	// Pending means an asynchronous action has not produced an outcome yet,
	// or that the call was deferred.
	Pending bool
	// Deferred is set with Pending when the collaborator refused the call
	// before doing anything, e.g. with an open circuit breaker.
	Deferred bool
	Replayed bool
	Attempts int
	Detail   string
	Payload  []byte
	Key      string
}

// Policy bounds attempts and their timing.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	StepTimeout time.Duration
	// StaleAfter is the age after which an in-flight marker is treated as a
	// crashed attempt.
	StaleAfter time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		StepTimeout: 10 * time.Second,
		StaleAfter:  time.Minute,
	}
}

// Backoff returns the delay after the given attempt number failed.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 || attempt < 1 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay <<= 1
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Executor applies Policy around step actions.
type Executor struct {
	ledger  idempotency.Ledger
	policy  Policy
	log     logr.Logger
	metrics *observability.Metrics
	now     func() time.Time
	timer   retry.Timer
}

type Option func(*Executor)

func WithLogger(log logr.Logger) Option {
	return func(e *Executor) { e.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithTimer replaces the backoff timer, mostly for tests.
func WithTimer(t retry.Timer) Option {
	return func(e *Executor) { e.timer = t }
}

func New(ledger idempotency.Ledger, policy Policy, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Executor{
		ledger: ledger,
		policy: policy,
		log:    logr.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the retry policy in use.
func (e *Executor) Policy() Policy {
	return e.policy
}

type transientError struct {
	detail string
}

func (t *transientError) Error() string { return t.detail }

// Execute runs req.Action until it succeeds, fails permanently, reports
// pending or exhausts the attempt budget. Every finished attempt is passed to
// record before the next one starts.
func (e *Executor) Execute(ctx context.Context, req Request, record Recorder) (Result, error) {
	key := saga.IdempotencyKey(req.SagaID, req.Step, req.Direction)
	log := e.log.WithValues("saga_id", req.SagaID, "step", req.Step, "direction", req.Direction)
	attempt := req.PriorAttempts

	entry, found, err := e.ledger.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("ledger get: %w", err)
	}
	if found && entry.Completed() {
		log.V(1).Info("replaying cached step result", "outcome", entry.Outcome)
		return e.replay(ctx, req, key, attempt+1, entry, record)
	}

	remaining := e.policy.MaxAttempts - attempt
	if remaining < 1 {
		remaining = 1
	}

	var (
		made    int
		lastErr string
	)
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(remaining)),
		retry.MaxDelay(e.policy.MaxDelay),
		// n counts the attempts made by this call, so the first wait is n=1
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return e.policy.Backoff(req.PriorAttempts + int(n))
		}),
		retry.RetryIf(func(err error) bool {
			var t *transientError
			return errors.As(err, &t)
		}),
		retry.LastErrorOnly(true),
	}
	if e.timer != nil {
		opts = append(opts, retry.WithTimer(e.timer))
	}

	final, err := retry.DoWithData(func() (*Result, error) {
		attempt++
		made++
		res, transient, err := e.attempt(ctx, req, key, attempt, record, log)
		switch {
		case err != nil:
			return nil, retry.Unrecoverable(err)
		case res != nil:
			return res, nil
		default:
			lastErr = transient.detail
			return nil, transient
		}
	}, opts...)

	var transient *transientError
	switch {
	case err == nil:
		final.Attempts = made
		return *final, nil
	case !errors.As(err, &transient):
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	log.Info("step retries exhausted", "attempts", attempt, "error", lastErr)
	return Result{
		Outcome:   saga.OutcomeTransientFailure,
		Exhausted: true,
		Attempts:  made,
		Detail:    lastErr,
		Key:       key,
	}, nil
}

// attempt performs one attempt. It returns a final result, a transient error
// to retry, or a fatal error that aborts execution.
func (e *Executor) attempt(ctx context.Context, req Request, key string, n int, record Recorder, log logr.Logger) (*Result, *transientError, error) {
	started := e.now()
	token := uuid.NewString()

	entry, acquired, err := e.ledger.Begin(ctx, key, token, started)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger begin: %w", err)
	}
	if !acquired {
		if entry.Completed() {
			res, err := e.replay(ctx, req, key, n, entry, record)
			return &res, nil, err
		}
		if !entry.Stale(started, e.policy.StaleAfter) {
			return nil, nil, ErrInFlight
		}
		ok, err := e.ledger.Takeover(ctx, key, entry.Token, token, started)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger takeover: %w", err)
		}
		if !ok {
			return nil, nil, ErrInFlight
		}
		if err := e.ledger.Release(ctx, key, token); err != nil && !errors.Is(err, idempotency.ErrTokenMismatch) {
			return nil, nil, fmt.Errorf("ledger release: %w", err)
		}
		detail := "stale in-flight marker from " + entry.StartedAt.UTC().Format(time.RFC3339)
		log.Info("taking over stale in-flight marker", "attempt", n, "marker_started_at", entry.StartedAt)
		if err := e.write(ctx, record, req, key, n, saga.OutcomeTransientFailure, started, detail); err != nil {
			return nil, nil, err
		}
		return nil, &transientError{detail: detail}, nil
	}

	span := e.metrics.Start(spanName(req))
	payload, callErr := e.invoke(ctx, req.Action, key)
	span.End(callErr)
	outcome, pending := Classify(callErr)
	detail := Detail(callErr)

	if pending {
		if err := e.ledger.Release(ctx, key, token); err != nil && !errors.Is(err, idempotency.ErrTokenMismatch) {
			return nil, nil, fmt.Errorf("ledger release: %w", err)
		}
		// a callback may have resolved the key while the action ran
		if entry, found, err := e.ledger.Get(ctx, key); err != nil {
			return nil, nil, fmt.Errorf("ledger get: %w", err)
		} else if found && entry.Completed() {
			res, err := e.replay(ctx, req, key, n, entry, record)
			return &res, nil, err
		}
		if errors.Is(callErr, saga.ErrDeferred) {
			log.Info("step deferred", "attempt", n, "reason", detail)
			return &Result{Pending: true, Deferred: true, Detail: detail, Key: key}, nil, nil
		}
		log.V(1).Info("step pending", "attempt", n)
		return &Result{Pending: true, Key: key}, nil, nil
	}

	if outcome == saga.OutcomeTransientFailure {
		if err := e.ledger.Release(ctx, key, token); err != nil && !errors.Is(err, idempotency.ErrTokenMismatch) {
			return nil, nil, fmt.Errorf("ledger release: %w", err)
		}
		log.Info("step attempt failed", "attempt", n, "outcome", outcome, "error", detail)
		if err := e.write(ctx, record, req, key, n, outcome, started, detail); err != nil {
			return nil, nil, err
		}
		return nil, &transientError{detail: detail}, nil
	}

	err = e.ledger.Complete(ctx, key, token, idempotency.Final{Outcome: outcome, Result: payload, Detail: detail}, e.now())
	if errors.Is(err, idempotency.ErrTokenMismatch) {
		entry, found, gerr := e.ledger.Get(ctx, key)
		if gerr != nil {
			return nil, nil, fmt.Errorf("ledger get: %w", gerr)
		}
		if found && entry.Completed() {
			res, err := e.replay(ctx, req, key, n, entry, record)
			return &res, nil, err
		}
		return nil, nil, ErrInFlight
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ledger complete: %w", err)
	}

	if outcome == saga.OutcomePermanentFailure {
		log.Info("step rejected", "attempt", n, "reason", detail)
	}
	if err := e.write(ctx, record, req, key, n, outcome, started, detail); err != nil {
		return nil, nil, err
	}
	return &Result{Outcome: outcome, Detail: detail, Payload: payload, Key: key}, nil, nil
}

func (e *Executor) replay(ctx context.Context, req Request, key string, n int, entry idempotency.Entry, record Recorder) (Result, error) {
	rec := saga.StepRecord{
		StepName:       req.Step,
		Direction:      req.Direction,
		AttemptNumber:  n,
		IdempotencyKey: key,
		Outcome:        entry.Outcome,
		Replayed:       true,
		StartedAt:      entry.StartedAt,
		CompletedAt:    entry.CompletedAt,
		ErrorDetail:    entry.Detail,
	}
	if err := record(ctx, rec); err != nil {
		return Result{}, err
	}
	e.metrics.RecordOutcome(spanName(req), string(entry.Outcome))
	return Result{Outcome: entry.Outcome, Detail: entry.Detail, Payload: entry.Result, Replayed: true, Key: key}, nil
}

func (e *Executor) write(ctx context.Context, record Recorder, req Request, key string, n int, outcome saga.Outcome, started time.Time, detail string) error {
	rec := saga.StepRecord{
		StepName:       req.Step,
		Direction:      req.Direction,
		AttemptNumber:  n,
		IdempotencyKey: key,
		Outcome:        outcome,
		Exhausted:      outcome == saga.OutcomeTransientFailure && n >= e.policy.MaxAttempts,
		StartedAt:      started,
		CompletedAt:    e.now(),
		ErrorDetail:    detail,
	}
	if err := record(ctx, rec); err != nil {
		return err
	}
	e.metrics.RecordOutcome(spanName(req), string(outcome))
	return nil
}

// invoke runs the action bounded by the step timeout. A timed out action is
// abandoned, its goroutine finishes on its own.
func (e *Executor) invoke(ctx context.Context, action Action, key string) ([]byte, error) {
	callCtx := ctx
	if e.policy.StepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.policy.StepTimeout)
		defer cancel()
	}

	type reply struct {
		payload []byte
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("step action panicked: %v", r)}
			}
		}()
		payload, err := action(callCtx, key)
		done <- reply{payload: payload, err: err}
	}()

	select {
	case r := <-done:
		return r.payload, r.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("step action timed out: %w", callCtx.Err())
	}
}

// Resolve records an outcome delivered out of band for a step direction.
func (e *Executor) Resolve(ctx context.Context, sagaID uuid.UUID, step string, dir saga.Direction, outcome saga.Outcome, detail string) (idempotency.Entry, error) {
	key := saga.IdempotencyKey(sagaID, step, dir)
	return e.ledger.Resolve(ctx, key, idempotency.Final{Outcome: outcome, Detail: detail}, e.now())
}

func spanName(req Request) string {
	return "step/" + req.Step + "/" + string(req.Direction)
}
