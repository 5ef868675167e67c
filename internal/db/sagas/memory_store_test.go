package sagasdb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payflow/internal/saga"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inst := saga.New(uuid.New(), "tenant-a", saga.PaymentAttributes{AmountMinor: 10, Currency: "EUR"}, time.Now())

	require.NoError(t, store.Create(ctx, inst))
	require.ErrorIs(t, store.Create(ctx, inst), saga.ErrAlreadyExists)

	got, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Attributes, got.Attributes)

	got.TenantID = "mutated"
	again, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", again.TenantID)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestMemoryStore_UpdateIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inst := saga.New(uuid.New(), "tenant-a", saga.PaymentAttributes{}, time.Now())
	require.NoError(t, store.Create(ctx, inst))

	a, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	b, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, a, saga.StepRecord{StepName: "debit"}))
	assert.Equal(t, int64(1), a.Version)
	require.Len(t, a.History, 1)
	assert.Equal(t, 1, a.History[0].Seq)

	assert.ErrorIs(t, store.Update(ctx, b, saga.StepRecord{StepName: "debit"}), saga.ErrVersionConflict)
	assert.Zero(t, b.Version)

	require.NoError(t, store.Update(ctx, a, saga.StepRecord{StepName: "credit"}))
	got, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, 2, got.History[1].Seq)
	assert.Equal(t, int64(2), got.Version)
}

func TestMemoryStore_ConcurrentUpdatesHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inst := saga.New(uuid.New(), "tenant-a", saga.PaymentAttributes{}, time.Now())
	require.NoError(t, store.Create(ctx, inst))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp, err := store.Get(ctx, inst.ID)
			if err != nil {
				return
			}
			cp.Version = 0
			if store.Update(ctx, cp, saga.StepRecord{StepName: "debit"}) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
}

func TestMemoryStore_ListStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	old := saga.New(uuid.New(), "t", saga.PaymentAttributes{}, now.Add(-10*time.Minute))
	old.State = saga.StateRunning
	fresh := saga.New(uuid.New(), "t", saga.PaymentAttributes{}, now)
	fresh.State = saga.StateRunning
	done := saga.New(uuid.New(), "t", saga.PaymentAttributes{}, now.Add(-20*time.Minute))
	done.State = saga.StateCompleted
	leased := saga.New(uuid.New(), "t", saga.PaymentAttributes{}, now.Add(-15*time.Minute))
	leased.State = saga.StateCompensating
	leased.LeaseOwner = "worker-2"
	leased.LeaseExpiresAt = now.Add(time.Minute)
	older := saga.New(uuid.New(), "t", saga.PaymentAttributes{}, now.Add(-30*time.Minute))
	older.State = saga.StateCompensating

	for _, inst := range []*saga.Instance{old, fresh, done, leased, older} {
		require.NoError(t, store.Create(ctx, inst))
	}

	q := saga.StaleQuery{States: saga.ActiveStates, UpdatedBefore: now.Add(-time.Minute), Now: now}
	ids, err := store.ListStale(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{older.ID, old.ID}, ids)

	q.Limit = 1
	ids, err = store.ListStale(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{older.ID}, ids)

	// touching a saga moves it out of the stale window
	touched, err := store.Get(ctx, older.ID)
	require.NoError(t, err)
	touched.UpdatedAt = now
	require.NoError(t, store.Update(ctx, touched))

	q.Limit = 0
	ids, err = store.ListStale(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{old.ID}, ids)
}
