package orchestrator

import (
	"context"
	"errors"
	"time"

	"payflow/internal/saga"
	"payflow/internal/sharding"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Dispatch when the saga's queue has no room.
var ErrQueueFull = errors.New("advance queue full")

// Advancer advances one saga.
type Advancer interface {
	Advance(ctx context.Context, id uuid.UUID) error
}

type PoolConfig struct {
	Workers   int
	QueueSize int
	// BusyRetryDelay is how long a saga leased by another worker waits before
	// it is queued again.
	BusyRetryDelay time.Duration
	// DrainTimeout bounds how long an advance already running may continue
	// after Run's context is cancelled.
	DrainTimeout time.Duration
	Logger       logr.Logger
}

// Pool runs advances on a fixed set of workers. Each saga id hashes to one
// worker queue, so a saga is never advanced twice at once by this process.
type Pool struct {
	advancer  Advancer
	queues    []chan uuid.UUID
	queued    *xsync.MapOf[uuid.UUID, struct{}]
	deferred  *xsync.MapOf[uuid.UUID, struct{}]
	busyDelay time.Duration
	drain     time.Duration
	log       logr.Logger
}

func NewPool(advancer Advancer, cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < cfg.Workers {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = 250 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	perQueue := cfg.QueueSize / cfg.Workers
	queues := make([]chan uuid.UUID, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan uuid.UUID, perQueue)
	}
	return &Pool{
		advancer:  advancer,
		queues:    queues,
		queued:    xsync.NewMapOf[uuid.UUID, struct{}](),
		deferred:  xsync.NewMapOf[uuid.UUID, struct{}](),
		busyDelay: cfg.BusyRetryDelay,
		drain:     cfg.DrainTimeout,
		log:       cfg.Logger,
	}
}

// Dispatch queues an advance without blocking. A saga that is already queued
// is not queued twice.
func (p *Pool) Dispatch(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, loaded := p.queued.LoadOrStore(id, struct{}{}); loaded {
		return nil
	}
	select {
	case p.queues[sharding.ShardFor(id, len(p.queues))] <- id:
		return nil
	default:
		p.queued.Delete(id)
		return ErrQueueFull
	}
}

// Run processes queued advances until ctx is cancelled. Advances in progress
// at that point run to completion or until the drain timeout passes.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, q := range p.queues {
		log := p.log.WithValues("shard", sharding.ShardName(i))
		g.Go(func() error {
			p.work(ctx, q, log)
			return nil
		})
	}
	g.Go(func() error {
		p.requeueBusy(ctx)
		return nil
	})
	err := g.Wait()
	p.log.Info("worker pool stopped", "deferred", p.deferred.Size())
	return err
}

// Pending reports how many advances are queued or waiting for a busy retry.
func (p *Pool) Pending() int {
	return p.queued.Size() + p.deferred.Size()
}

func (p *Pool) work(ctx context.Context, q <-chan uuid.UUID, log logr.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q:
			// cleared first so a trigger arriving mid-advance queues another pass
			p.queued.Delete(id)
			p.advance(ctx, id, log)
		}
	}
}

func (p *Pool) advance(ctx context.Context, id uuid.UUID, log logr.Logger) {
	actx, cancel := p.drainContext(ctx)
	defer cancel()
	err := p.advancer.Advance(actx, id)
	switch {
	case err == nil:
	case errors.Is(err, saga.ErrSagaBusy), errors.Is(err, saga.ErrVersionConflict):
		p.deferred.Store(id, struct{}{})
	case ctx.Err() != nil:
	case errors.Is(err, saga.ErrNotFound):
		log.Info("advance of unknown saga dropped", "saga_id", id)
	default:
		log.Error(err, "advance failed", "saga_id", id)
	}
}

// drainContext detaches from ctx and is cancelled p.drain after ctx is.
func (p *Pool) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(p.drain)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-dctx.Done():
		}
	})
	return dctx, func() {
		stop()
		cancel()
	}
}

func (p *Pool) requeueBusy(ctx context.Context) {
	ticker := time.NewTicker(p.busyDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ids []uuid.UUID
			p.deferred.Range(func(id uuid.UUID, _ struct{}) bool {
				ids = append(ids, id)
				return true
			})
			for _, id := range ids {
				p.deferred.Delete(id)
				if err := p.Dispatch(ctx, id); err != nil && ctx.Err() == nil {
					p.deferred.Store(id, struct{}{})
				}
			}
		}
	}
}
