package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payflow/internal/adapters"
	"payflow/internal/payments"
	"payflow/internal/saga"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eur = func(n int64) payments.Money { return payments.Money{AmountMinor: n, Currency: "EUR"} }

func TestMemory_DebitIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(map[string]int64{"acc-1": 1000})

	require.NoError(t, m.Debit(ctx, "k-1", "acc-1", eur(300)))
	require.NoError(t, m.Debit(ctx, "k-1", "acc-1", eur(300)))

	assert.Equal(t, int64(700), m.Balance("acc-1"))
	assert.Equal(t, 1, m.Effects(OpDebit))
	assert.Equal(t, 2, m.Calls(OpDebit))
}

func TestMemory_Rejections(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(map[string]int64{"acc-1": 100})

	err := m.Debit(ctx, "k-1", "acc-1", eur(500))
	assert.ErrorIs(t, err, saga.ErrPermanent)
	// the rejection is remembered for the key
	assert.ErrorIs(t, m.Debit(ctx, "k-1", "acc-1", eur(1)), saga.ErrPermanent)

	assert.ErrorIs(t, m.Credit(ctx, "k-2", "missing", eur(1)), saga.ErrPermanent)
	assert.Equal(t, int64(100), m.Balance("acc-1"))
}

func TestMemory_ReverseDebitRestoresBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(map[string]int64{"acc-1": 1000})

	require.NoError(t, m.Debit(ctx, "debit-key", "acc-1", eur(400)))
	require.NoError(t, m.ReverseDebit(ctx, "reverse-key", "acc-1", eur(400)))
	require.NoError(t, m.ReverseDebit(ctx, "reverse-key", "acc-1", eur(400)))

	assert.Equal(t, int64(1000), m.Balance("acc-1"))
	assert.Equal(t, 1, m.Effects(OpReverseDebit))
}

func TestMemory_InjectedFaultsHaveNoEffect(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(map[string]int64{"acc-1": 1000})
	timeout := errors.New("gateway timeout")
	m.Fail(OpDebit, timeout, 2)

	assert.ErrorIs(t, m.Debit(ctx, "k-1", "acc-1", eur(10)), timeout)
	assert.ErrorIs(t, m.Debit(ctx, "k-1", "acc-1", eur(10)), timeout)
	require.NoError(t, m.Debit(ctx, "k-1", "acc-1", eur(10)))

	assert.Equal(t, int64(990), m.Balance("acc-1"))
	assert.Equal(t, 1, m.Effects(OpDebit))
}

func TestHTTPClient_PostsMovements(t *testing.T) {
	type call struct {
		path string
		key  string
		body movement
	}
	calls := make(chan call, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body movement
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls <- call{path: r.URL.Path, key: r.Header.Get(adapters.IdempotencyHeader), body: body}
		if body.Account == "closed" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"reason":"account closed"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(adapters.NewJSONClient(srv.URL, time.Second))
	ctx := context.Background()

	require.NoError(t, client.Debit(ctx, "k-1", "acc-1", eur(250)))
	got := <-calls
	assert.Equal(t, "/v1/accounts/acc-1/debits", got.path)
	assert.Equal(t, "k-1", got.key)
	assert.Equal(t, eur(250), got.body.Amount)

	require.NoError(t, client.ReverseDebit(ctx, "k-2", "acc-1", eur(250)))
	assert.Equal(t, "/v1/accounts/acc-1/debit-reversals", (<-calls).path)

	err := client.Credit(ctx, "k-3", "closed", eur(250))
	assert.ErrorIs(t, err, saga.ErrPermanent)
	assert.Equal(t, "/v1/accounts/closed/credits", (<-calls).path)
}
