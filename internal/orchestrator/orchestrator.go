// Package orchestrator drives payment sagas through their state machine.
//
// All progress is rebuilt from the persisted history on every tick, so any
// worker may pick up any saga. Exclusive advancement is enforced by the
// store's version check; a short lease lets competing workers back off
// without issuing collaborator calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payflow/internal/executor"
	"payflow/internal/observability"
	"payflow/internal/routing"
	"payflow/internal/saga"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// RouteResolver returns candidate targets in preference order.
type RouteResolver interface {
	ResolveTarget(ctx context.Context, tenantID string, attrs saga.PaymentAttributes) ([]saga.Target, error)
}

// Dispatcher queues an advance of a saga. It must not block on the advance.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) error
}

type Config struct {
	Store    saga.Store
	Executor *executor.Executor
	Resolver RouteResolver
	Registry *Registry
	Events   EventSink
	Logger   logr.Logger
	Metrics  *observability.Metrics
	Clock    func() time.Time
	// Owner identifies this process in saga leases.
	Owner    string
	LeaseTTL time.Duration
}

// Orchestrator implements the saga operations.
type Orchestrator struct {
	store    saga.Store
	exec     *executor.Executor
	resolver RouteResolver
	registry *Registry
	events   EventSink
	log      logr.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	owner    string
	leaseTTL time.Duration
	dispatch Dispatcher
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case cfg.Executor == nil:
		return nil, errors.New("orchestrator: executor is required")
	case cfg.Resolver == nil:
		return nil, errors.New("orchestrator: resolver is required")
	case cfg.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	}
	o := &Orchestrator{
		store:    cfg.Store,
		exec:     cfg.Executor,
		resolver: cfg.Resolver,
		registry: cfg.Registry,
		events:   cfg.Events,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
		owner:    cfg.Owner,
		leaseTTL: cfg.LeaseTTL,
	}
	if o.log.GetSink() == nil {
		o.log = logr.Discard()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.owner == "" {
		o.owner = uuid.NewString()
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = 30 * time.Second
	}
	return o, nil
}

// UseDispatcher sets where new work is queued. Call it before serving
// requests; without a dispatcher, callers must invoke Advance themselves.
func (o *Orchestrator) UseDispatcher(d Dispatcher) {
	o.dispatch = d
}

// StartSaga validates the request and persists a CREATED saga.
func (o *Orchestrator) StartSaga(ctx context.Context, tenantID string, attrs saga.PaymentAttributes) (uuid.UUID, error) {
	return o.start(ctx, uuid.New(), tenantID, "", attrs)
}

// StartSagaWithKey is StartSaga keyed by a client request key. Replaying a key
// with the same payment returns the original saga id.
func (o *Orchestrator) StartSagaWithKey(ctx context.Context, tenantID, requestKey string, attrs saga.PaymentAttributes) (uuid.UUID, error) {
	if requestKey == "" {
		return o.StartSaga(ctx, tenantID, attrs)
	}
	id := saga.RequestSagaID(tenantID, requestKey)
	created, err := o.start(ctx, id, tenantID, requestKey, attrs)
	if !errors.Is(err, saga.ErrAlreadyExists) {
		return created, err
	}

	existing, err := o.store.Get(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if existing.TenantID != tenantID || existing.Attributes != attrs {
		return uuid.Nil, saga.ErrIdempotencyConflict
	}
	if !existing.State.Terminal() {
		o.enqueue(ctx, id)
	}
	return id, nil
}

func (o *Orchestrator) start(ctx context.Context, id uuid.UUID, tenantID, requestKey string, attrs saga.PaymentAttributes) (uuid.UUID, error) {
	if err := saga.ValidateStart(tenantID, attrs); err != nil {
		return uuid.Nil, err
	}
	inst := saga.New(id, tenantID, attrs, o.now().UTC())
	inst.RequestKey = requestKey
	if err := o.store.Create(ctx, inst); err != nil {
		return uuid.Nil, err
	}
	o.log.Info("saga created", "saga_id", id, "tenant_id", tenantID, "payment_type", attrs.PaymentType)
	o.metrics.RecordTransition(string(saga.StateCreated))
	o.enqueue(ctx, id)
	return id, nil
}

// GetSagaStatus returns a copy of the saga including its full history.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	return o.store.Get(ctx, id)
}

// Advance moves a saga as far as it can go without waiting on a callback.
// It is safe to call concurrently: a caller that loses the ownership claim
// returns saga.ErrVersionConflict or saga.ErrSagaBusy without touching any
// collaborator. Terminal sagas are left untouched.
func (o *Orchestrator) Advance(ctx context.Context, id uuid.UUID) error {
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return nil
	}
	now := o.now().UTC()
	// every call claims under its own name so that two workers of one
	// process exclude each other too
	claim := o.owner + "/" + uuid.NewString()
	if inst.LeasedBy(claim, now) {
		return saga.ErrSagaBusy
	}

	inst.LeaseOwner = claim
	inst.LeaseExpiresAt = now.Add(o.leaseTTL)
	if err := o.store.Update(ctx, inst); err != nil {
		return err
	}
	defer o.releaseLease(ctx, inst, claim)

	log := o.log.WithValues("saga_id", inst.ID, "tenant_id", inst.TenantID)
	for {
		progress := saga.Replay(inst.StepPlan, inst.History, o.registry.Compensable)
		switch progress.State {
		case saga.StateCompleted, saga.StateCompensated, saga.StateFailedUnrecoverable:
			return nil
		case saga.StateCreated:
			if err := o.route(ctx, inst); err != nil {
				return err
			}
			continue
		}

		res, err := o.runStep(ctx, inst, progress)
		switch {
		case errors.Is(err, executor.ErrInFlight):
			log.V(1).Info("step in flight elsewhere", "step", progress.Step, "direction", progress.Direction)
			return nil
		case err != nil:
			return err
		case res.Deferred:
			log.Info("step deferred until the next sweep", "step", progress.Step, "direction", progress.Direction, "reason", res.Detail)
			return nil
		case res.Pending:
			log.V(1).Info("waiting for step outcome", "step", progress.Step)
			return nil
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, inst *saga.Instance, p saga.Progress) (executor.Result, error) {
	step, ok := o.registry.Lookup(p.Step)
	if !ok {
		// compensations of unknown steps are skipped by Replay, so this is forward
		return executor.Result{Outcome: saga.OutcomePermanentFailure}, o.commit(ctx, inst, o.syntheticFailure(inst.ID, p.Step, p.Direction, p.PriorAttempts+1,
			fmt.Sprintf("step %q is not registered", p.Step)))
	}

	fn := step.Forward
	if p.Direction == saga.Compensate {
		fn = step.Compensate
	}
	return o.exec.Execute(ctx, executor.Request{
		SagaID:        inst.ID,
		Step:          step.Name,
		Direction:     p.Direction,
		PriorAttempts: p.PriorAttempts,
		Action:        o.bind(inst, fn),
	}, func(ctx context.Context, rec saga.StepRecord) error {
		return o.commit(ctx, inst, rec)
	})
}

func (o *Orchestrator) bind(inst *saga.Instance, fn ActionFunc) executor.Action {
	sc := StepContext{
		SagaID:     inst.ID,
		TenantID:   inst.TenantID,
		Attributes: inst.Attributes,
	}
	if inst.Target != nil {
		sc.Target = *inst.Target
		sc.Target.Steps = append([]string(nil), inst.Target.Steps...)
	}
	return func(ctx context.Context, key string) ([]byte, error) {
		c := sc
		c.Key = key
		return fn(ctx, c)
	}
}

// route resolves the step plan of a CREATED saga. Only the first candidate
// target is used.
func (o *Orchestrator) route(ctx context.Context, inst *saga.Instance) error {
	targets, err := o.resolver.ResolveTarget(ctx, inst.TenantID, inst.Attributes)
	if errors.Is(err, routing.ErrNoRouteAvailable) {
		return o.commit(ctx, inst, o.syntheticFailure(inst.ID, saga.ResolveRouteStep, saga.Forward, 1, err.Error()))
	}
	if err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}

	target := targets[0]
	if len(target.Steps) == 0 {
		return o.commit(ctx, inst, o.syntheticFailure(inst.ID, saga.ResolveRouteStep, saga.Forward, 1,
			fmt.Sprintf("target %q has no steps", target.Name)))
	}
	if missing := o.registry.Missing(target.Steps); len(missing) > 0 {
		return o.commit(ctx, inst, o.syntheticFailure(inst.ID, saga.ResolveRouteStep, saga.Forward, 1,
			fmt.Sprintf("target %q uses unregistered steps %v", target.Name, missing)))
	}

	next := inst.Clone()
	target.Steps = append([]string(nil), target.Steps...)
	next.Target = &target
	next.StepPlan = append([]string(nil), target.Steps...)
	next.State = saga.StateRunning
	next.CurrentStepIndex = 0
	now := o.now().UTC()
	next.UpdatedAt = now
	next.LeaseExpiresAt = now.Add(o.leaseTTL)
	if err := o.store.Update(ctx, next); err != nil {
		return err
	}
	*inst = *next
	o.log.V(1).Info("route resolved", "saga_id", inst.ID, "target", target.Name, "steps", target.Steps)
	o.transition(ctx, inst, saga.StateCreated, "")
	return nil
}

// commit durably appends records together with the state they imply. It is
// the recorder handed to the executor, so no attempt starts before the
// previous one is stored.
func (o *Orchestrator) commit(ctx context.Context, inst *saga.Instance, recs ...saga.StepRecord) error {
	next := inst.Clone()
	history := append(next.History, recs...)
	p := saga.Replay(next.StepPlan, history, o.registry.Compensable)

	from := next.State
	next.State = p.State
	next.CurrentStepIndex = p.Index
	next.FailureReason = p.Reason
	var detail string
	if p.State == saga.StateFailedUnrecoverable && len(recs) > 0 {
		last := recs[len(recs)-1]
		detail = fmt.Sprintf("compensation of %s failed: %s", last.StepName, last.ErrorDetail)
		if p.Reason != "" {
			next.FailureReason = p.Reason + "; " + detail
		} else {
			next.FailureReason = detail
		}
	}

	now := o.now().UTC()
	next.UpdatedAt = now
	if p.State.Terminal() {
		next.LeaseOwner = ""
		next.LeaseExpiresAt = time.Time{}
	} else {
		next.LeaseExpiresAt = now.Add(o.leaseTTL)
	}
	if err := o.store.Update(ctx, next, recs...); err != nil {
		return err
	}
	*inst = *next

	if from != inst.State {
		o.transition(ctx, inst, from, detail)
	}
	return nil
}

func (o *Orchestrator) syntheticFailure(id uuid.UUID, step string, dir saga.Direction, attempt int, reason string) saga.StepRecord {
	now := o.now().UTC()
	return saga.StepRecord{
		StepName:       step,
		Direction:      dir,
		AttemptNumber:  attempt,
		IdempotencyKey: saga.IdempotencyKey(id, step, dir),
		Outcome:        saga.OutcomePermanentFailure,
		StartedAt:      now,
		CompletedAt:    now,
		ErrorDetail:    reason,
	}
}

func (o *Orchestrator) transition(ctx context.Context, inst *saga.Instance, from saga.State, detail string) {
	o.metrics.RecordTransition(string(inst.State))
	log := o.log.WithValues("saga_id", inst.ID, "tenant_id", inst.TenantID, "from", from, "to", inst.State)
	if inst.State == saga.StateFailedUnrecoverable {
		o.metrics.RecordAlert()
		log.Error(errors.New(detail), "saga requires operator intervention", "reason", inst.FailureReason)
	} else if inst.FailureReason != "" {
		log.Info("saga transition", "reason", inst.FailureReason)
	} else {
		log.Info("saga transition")
	}

	if o.events != nil {
		o.events.Publish(ctx, saga.Event{
			SagaID:   inst.ID,
			TenantID: inst.TenantID,
			From:     from,
			To:       inst.State,
			Reason:   inst.FailureReason,
			At:       inst.UpdatedAt,
		})
	}
}

// releaseLease gives up ownership of a saga that is waiting or failed to
// advance. Terminal sagas already dropped it in their final write.
func (o *Orchestrator) releaseLease(ctx context.Context, inst *saga.Instance, claim string) {
	if inst.State.Terminal() || inst.LeaseOwner != claim {
		return
	}
	next := inst.Clone()
	next.LeaseOwner = ""
	next.LeaseExpiresAt = time.Time{}
	if err := o.store.Update(context.WithoutCancel(ctx), next); err != nil {
		o.log.V(1).Info("lease release skipped", "saga_id", inst.ID, "error", err.Error())
		return
	}
	*inst = *next
}

// ReportStepOutcome records an outcome delivered out of band for an async
// step and schedules an advance. The saga must be waiting on that step:
// reports for a step not reached yet fail with saga.ErrStepNotReached, and
// reports for terminal sagas or steps already passed are ignored.
func (o *Orchestrator) ReportStepOutcome(ctx context.Context, id uuid.UUID, stepName string, outcome saga.Outcome, detail string) error {
	if !outcome.Valid() {
		return saga.Invalid(fmt.Errorf("unknown outcome %q", outcome))
	}
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	at := stepIndex(inst.StepPlan, stepName)
	if at < 0 {
		return saga.Invalid(fmt.Errorf("step %q is not part of the saga plan", stepName))
	}
	step, ok := o.registry.Lookup(stepName)
	if !ok || !step.Async {
		return saga.Invalid(fmt.Errorf("step %q does not accept reported outcomes", stepName))
	}
	log := o.log.WithValues("saga_id", id, "step", stepName, "outcome", outcome)
	if inst.State.Terminal() {
		log.Info("ignoring outcome for terminal saga", "state", inst.State)
		return nil
	}
	p := saga.Replay(inst.StepPlan, inst.History, o.registry.Compensable)
	if p.Direction != saga.Forward || p.Step != stepName {
		if p.Direction == saga.Forward && at > p.Index {
			return fmt.Errorf("%w: saga is at step %q", saga.ErrStepNotReached, p.Step)
		}
		log.Info("ignoring outcome for step no longer awaited", "state", inst.State, "next_step", p.Step)
		return nil
	}

	if outcome != saga.OutcomeTransientFailure {
		entry, err := o.exec.Resolve(ctx, id, stepName, saga.Forward, outcome, detail)
		if err != nil {
			return fmt.Errorf("record reported outcome: %w", err)
		}
		if entry.Outcome != outcome {
			log.Info("step already resolved", "recorded_outcome", entry.Outcome)
		}
	}
	log.V(1).Info("step outcome reported")
	o.enqueue(ctx, id)
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, id uuid.UUID) {
	if o.dispatch == nil {
		return
	}
	if err := o.dispatch.Dispatch(ctx, id); err != nil {
		// the sweeper picks the saga up once it goes stale
		o.log.Info("advance not queued", "saga_id", id, "error", err.Error())
	}
}

func stepIndex(plan []string, name string) int {
	for i, s := range plan {
		if s == name {
			return i
		}
	}
	return -1
}
