package sagasdb

import (
	"bytes"
	"context"
	"slices"
	"time"

	"payflow/internal/saga"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

type staleEntry struct {
	updatedAt time.Time
	id        uuid.UUID
}

func staleLess(a, b staleEntry) bool {
	if !a.updatedAt.Equal(b.updatedAt) {
		return a.updatedAt.Before(b.updatedAt)
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// MemoryStore keeps sagas in process memory. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	sagas *xsync.MapOf[uuid.UUID, *saga.Instance]
	// index orders sagas by UpdatedAt for the recovery sweeper.
	index *btree.BTreeG[staleEntry]
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: xsync.NewMapOf[uuid.UUID, *saga.Instance](),
		index: btree.NewBTreeG(staleLess),
	}
}

func (s *MemoryStore) Create(_ context.Context, inst *saga.Instance) error {
	stored := inst.Clone()
	if _, loaded := s.sagas.LoadOrStore(inst.ID, stored); loaded {
		return saga.ErrAlreadyExists
	}
	s.index.Set(staleEntry{updatedAt: stored.UpdatedAt, id: stored.ID})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*saga.Instance, error) {
	inst, ok := s.sagas.Load(id)
	if !ok {
		return nil, saga.ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, inst *saga.Instance, appended ...saga.StepRecord) error {
	var (
		err     error
		records []saga.StepRecord
	)
	s.sagas.Compute(inst.ID, func(old *saga.Instance, loaded bool) (*saga.Instance, bool) {
		if !loaded {
			err = saga.ErrNotFound
			return old, true
		}
		if old.Version != inst.Version {
			err = saga.ErrVersionConflict
			return old, false
		}

		records = number(old.History, appended)
		next := inst.Clone()
		next.History = append(slices.Clone(old.History), records...)
		next.Version = old.Version + 1

		s.index.Delete(staleEntry{updatedAt: old.UpdatedAt, id: old.ID})
		s.index.Set(staleEntry{updatedAt: next.UpdatedAt, id: next.ID})
		return next, false
	})
	if err != nil {
		return err
	}

	inst.History = append(inst.History, records...)
	inst.Version++
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, q saga.StaleQuery) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	s.index.Scan(func(e staleEntry) bool {
		if !e.updatedAt.Before(q.UpdatedBefore) {
			return false
		}
		inst, ok := s.sagas.Load(e.id)
		if !ok || !slices.Contains(q.States, inst.State) {
			return true
		}
		if inst.LeaseOwner != "" && q.Now.Before(inst.LeaseExpiresAt) {
			return true
		}
		ids = append(ids, e.id)
		return q.Limit <= 0 || len(ids) < q.Limit
	})
	return ids, nil
}

// Len reports the number of stored sagas.
func (s *MemoryStore) Len() int {
	return s.sagas.Size()
}
