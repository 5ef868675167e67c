package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxCASRetries = 8

// ErrContention is returned when optimistic Redis transactions keep failing.
var ErrContention = errors.New("idempotency entry under contention")

// RedisLedger stores entries as JSON values and uses WATCH/MULTI for
// compare-and-swap transitions.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger constructs a RedisLedger. Keys are namespaced by prefix and
// expire after ttl.
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "payflow:idem:"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) Get(ctx context.Context, key string) (Entry, bool, error) {
	return l.load(ctx, l.client, l.prefix+key)
}

func (l *RedisLedger) Begin(ctx context.Context, key, token string, now time.Time) (Entry, bool, error) {
	raw, err := json.Marshal(inFlight(key, token, now))
	if err != nil {
		return Entry{}, false, err
	}
	k := l.prefix + key
	for i := 0; i < maxCASRetries; i++ {
		ok, err := l.client.SetNX(ctx, k, raw, l.ttl).Result()
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return inFlight(key, token, now), true, nil
		}
		existing, found, err := l.load(ctx, l.client, k)
		if err != nil {
			return Entry{}, false, err
		}
		if found {
			return existing, false, nil
		}
		// expired between SETNX and GET
	}
	return Entry{}, false, ErrContention
}

func (l *RedisLedger) Takeover(ctx context.Context, key, staleToken, token string, now time.Time) (bool, error) {
	ok := false
	err := l.update(ctx, key, func(cur Entry, found bool) (*Entry, bool, error) {
		if !found || cur.Status != StatusInFlight || cur.Token != staleToken {
			return nil, false, nil
		}
		ok = true
		next := inFlight(key, token, now)
		return &next, false, nil
	})
	return ok, err
}

func (l *RedisLedger) Complete(ctx context.Context, key, token string, final Final, now time.Time) error {
	return l.update(ctx, key, func(cur Entry, found bool) (*Entry, bool, error) {
		if !found || cur.Status != StatusInFlight || cur.Token != token {
			return nil, false, ErrTokenMismatch
		}
		next := completed(cur, key, final, now, l.ttl)
		return &next, false, nil
	})
}

func (l *RedisLedger) Release(ctx context.Context, key, token string) error {
	return l.update(ctx, key, func(cur Entry, found bool) (*Entry, bool, error) {
		if !found {
			return nil, false, nil
		}
		if cur.Status != StatusInFlight || cur.Token != token {
			return nil, false, ErrTokenMismatch
		}
		return nil, true, nil
	})
}

func (l *RedisLedger) Resolve(ctx context.Context, key string, final Final, now time.Time) (Entry, error) {
	var actual Entry
	err := l.update(ctx, key, func(cur Entry, found bool) (*Entry, bool, error) {
		if found && cur.Completed() {
			actual = cur
			return nil, false, nil
		}
		actual = completed(cur, key, final, now, l.ttl)
		return &actual, false, nil
	})
	return actual, err
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (l *RedisLedger) load(ctx context.Context, g getter, k string) (Entry, bool, error) {
	raw, err := g.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode idempotency entry %s: %w", k, err)
	}
	return e, true, nil
}

// update runs fn inside a WATCH transaction. fn returns the entry to store,
// or delete=true to remove the key; a nil entry without delete writes nothing.
func (l *RedisLedger) update(ctx context.Context, key string, fn func(Entry, bool) (*Entry, bool, error)) error {
	k := l.prefix + key
	for i := 0; i < maxCASRetries; i++ {
		err := l.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, found, err := l.load(ctx, tx, k)
			if err != nil {
				return err
			}
			next, del, err := fn(cur, found)
			if err != nil {
				return err
			}
			if next == nil && !del {
				return nil
			}
			var raw []byte
			if next != nil {
				if raw, err = json.Marshal(next); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if del {
					pipe.Del(ctx, k)
					return nil
				}
				pipe.Set(ctx, k, raw, l.ttl)
				return nil
			})
			return err
		}, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}
