package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	sagasdb "payflow/internal/db/sagas"
	"payflow/internal/saga"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSaga(t *testing.T, store *sagasdb.MemoryStore, state saga.State, updated time.Time, lease time.Time) uuid.UUID {
	t.Helper()
	inst := saga.New(uuid.New(), "tenant-a", testAttrs(), updated)
	inst.State = state
	if !lease.IsZero() {
		inst.LeaseOwner = "other-worker"
		inst.LeaseExpiresAt = lease
	}
	require.NoError(t, store.Create(context.Background(), inst))
	return inst.ID
}

func TestSweeper_DispatchesStaleActiveSagas(t *testing.T) {
	store := sagasdb.NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-5 * time.Minute)

	created := seedSaga(t, store, saga.StateCreated, old, time.Time{})
	running := seedSaga(t, store, saga.StateRunning, old, time.Time{})
	expiredLease := seedSaga(t, store, saga.StateCompensating, old, now.Add(-time.Second))
	seedSaga(t, store, saga.StateCompleted, old, time.Time{})
	seedSaga(t, store, saga.StateFailedUnrecoverable, old, time.Time{})
	seedSaga(t, store, saga.StateRunning, now.Add(-10*time.Second), time.Time{})
	seedSaga(t, store, saga.StateRunning, old, now.Add(time.Minute))

	dispatcher := &recordingDispatcher{}
	sweeper := NewSweeper(SweeperConfig{
		Store:      store,
		Dispatcher: dispatcher,
		StaleAfter: time.Minute,
		Clock:      func() time.Time { return now },
	})

	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []uuid.UUID{created, running, expiredLease}, dispatcher.dispatched())
}

func TestSweeper_BatchSize(t *testing.T) {
	store := sagasdb.NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	oldest := seedSaga(t, store, saga.StateRunning, now.Add(-3*time.Hour), time.Time{})
	older := seedSaga(t, store, saga.StateRunning, now.Add(-2*time.Hour), time.Time{})
	seedSaga(t, store, saga.StateRunning, now.Add(-time.Hour), time.Time{})

	dispatcher := &recordingDispatcher{}
	sweeper := NewSweeper(SweeperConfig{
		Store:      store,
		Dispatcher: dispatcher,
		BatchSize:  2,
		Clock:      func() time.Time { return now },
	})

	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uuid.UUID{oldest, older}, dispatcher.dispatched())
}

func TestSweeper_CollectsDispatchErrors(t *testing.T) {
	store := sagasdb.NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedSaga(t, store, saga.StateRunning, now.Add(-time.Hour), time.Time{})
	seedSaga(t, store, saga.StateCreated, now.Add(-time.Hour), time.Time{})

	sweeper := NewSweeper(SweeperConfig{
		Store:      store,
		Dispatcher: &recordingDispatcher{err: ErrQueueFull},
		Clock:      func() time.Time { return now },
	})

	n, err := sweeper.Sweep(context.Background())
	assert.Zero(t, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
}

func TestSweeper_RunSweepsUntilCancelled(t *testing.T) {
	store := sagasdb.NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := seedSaga(t, store, saga.StateRunning, now.Add(-time.Hour), time.Time{})

	dispatcher := &recordingDispatcher{}
	sweeper := NewSweeper(SweeperConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Interval:   5 * time.Millisecond,
		Clock:      func() time.Time { return now },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool { return len(dispatcher.dispatched()) >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, id, dispatcher.dispatched()[0])
}
