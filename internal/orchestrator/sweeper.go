package orchestrator

import (
	"context"
	"fmt"
	"time"

	"payflow/internal/saga"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
)

type SweeperConfig struct {
	Store      saga.Store
	Dispatcher Dispatcher
	Interval   time.Duration
	// StaleAfter is how long a non-terminal saga may go without a write
	// before it is resumed.
	StaleAfter time.Duration
	BatchSize  int
	Logger     logr.Logger
	Clock      func() time.Time
}

// Sweeper resumes sagas left behind by crashed workers or lost triggers.
type Sweeper struct {
	store      saga.Store
	dispatcher Dispatcher
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	log        logr.Logger
	now        func() time.Time
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		batch:      cfg.BatchSize,
		log:        cfg.Logger,
		now:        cfg.Clock,
	}
	if s.interval <= 0 {
		s.interval = 15 * time.Second
	}
	if s.staleAfter <= 0 {
		s.staleAfter = time.Minute
	}
	if s.log.GetSink() == nil {
		s.log = logr.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Sweep dispatches one batch of stale sagas and returns how many were
// queued. Dispatch failures are collected; the rest of the batch still runs.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	ids, err := s.store.ListStale(ctx, saga.StaleQuery{
		States:        saga.ActiveStates,
		UpdatedBefore: now.Add(-s.staleAfter),
		Now:           now,
		Limit:         s.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale sagas: %w", err)
	}

	var (
		result *multierror.Error
		queued int
	)
	for _, id := range ids {
		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("dispatch %s: %w", id, err))
			continue
		}
		queued++
	}
	if queued > 0 {
		s.log.Info("resumed stale sagas", "count", queued)
	}
	return queued, result.ErrorOrNil()
}

// Run sweeps once immediately, then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error(err, "sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
