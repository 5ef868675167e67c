package idempotency

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	entries *xsync.MapOf[string, Entry]
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLedger constructs a MemoryLedger. Completed entries expire after ttl
// when it is positive.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		entries: xsync.NewMapOf[string, Entry](),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (l *MemoryLedger) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := l.entries.Load(key)
	if !ok || l.expired(e) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (l *MemoryLedger) Begin(_ context.Context, key, token string, now time.Time) (Entry, bool, error) {
	acquired := false
	actual, _ := l.entries.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		if loaded && !l.expired(old) {
			return old, false
		}
		acquired = true
		return inFlight(key, token, now), false
	})
	return actual, acquired, nil
}

func (l *MemoryLedger) Takeover(_ context.Context, key, staleToken, token string, now time.Time) (bool, error) {
	ok := false
	l.entries.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		if !loaded {
			return old, true
		}
		if old.Status != StatusInFlight || old.Token != staleToken {
			return old, false
		}
		ok = true
		return inFlight(key, token, now), false
	})
	return ok, nil
}

func (l *MemoryLedger) Complete(_ context.Context, key, token string, final Final, now time.Time) error {
	var err error
	l.entries.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		if !loaded || old.Status != StatusInFlight || old.Token != token {
			err = ErrTokenMismatch
			return old, !loaded
		}
		return completed(old, key, final, now, l.ttl), false
	})
	return err
}

func (l *MemoryLedger) Release(_ context.Context, key, token string) error {
	var err error
	l.entries.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		if !loaded {
			return old, true
		}
		if old.Status != StatusInFlight || old.Token != token {
			err = ErrTokenMismatch
			return old, false
		}
		return old, true
	})
	return err
}

func (l *MemoryLedger) Resolve(_ context.Context, key string, final Final, now time.Time) (Entry, error) {
	actual, _ := l.entries.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		if loaded && old.Completed() && !l.expired(old) {
			return old, false
		}
		return completed(old, key, final, now, l.ttl), false
	})
	return actual, nil
}

func (l *MemoryLedger) expired(e Entry) bool {
	return !e.ExpiresAt.IsZero() && l.now().After(e.ExpiresAt)
}
