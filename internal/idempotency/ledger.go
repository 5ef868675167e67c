// Package idempotency caches collaborator outcomes per idempotency key and
// guards each key with a single in-flight marker.
package idempotency

import (
	"context"
	"errors"
	"time"

	"payflow/internal/saga"
)

// Status of a ledger entry.
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
)

var (
	// ErrTokenMismatch means the in-flight marker is no longer owned by the caller.
	ErrTokenMismatch = errors.New("in-flight marker owned by another caller")
	ErrNotFound      = errors.New("idempotency entry not found")
)

// Entry is the ledger record for one key.
type Entry struct {
	Key         string       `json:"key"`
	Status      Status       `json:"status"`
	Token       string       `json:"token,omitempty"`
	Outcome     saga.Outcome `json:"outcome,omitempty"`
	Result      []byte       `json:"result,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at,omitempty"`
}

// Completed reports whether the entry holds a final result.
func (e Entry) Completed() bool {
	return e.Status == StatusCompleted
}

// Stale reports whether an in-flight marker is older than maxAge.
func (e Entry) Stale(now time.Time, maxAge time.Duration) bool {
	return e.Status == StatusInFlight && now.Sub(e.StartedAt) >= maxAge
}

// Final is the result written when a key completes.
type Final struct {
	Outcome saga.Outcome
	Result  []byte
	Detail  string
}

// Ledger is the durable key to outcome cache.
//
// Begin installs an in-flight marker owned by token. When the key already
// exists it returns the existing entry and false. Takeover replaces a marker
// owned by staleToken. Complete and Release only succeed for the marker owner.
// Resolve completes a key regardless of any marker and is used for outcomes
// delivered by callback; an already completed entry is left unchanged.
type Ledger interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Begin(ctx context.Context, key, token string, now time.Time) (Entry, bool, error)
	Takeover(ctx context.Context, key, staleToken, token string, now time.Time) (bool, error)
	Complete(ctx context.Context, key, token string, final Final, now time.Time) error
	Release(ctx context.Context, key, token string) error
	Resolve(ctx context.Context, key string, final Final, now time.Time) (Entry, error)
}

func inFlight(key, token string, now time.Time) Entry {
	return Entry{Key: key, Status: StatusInFlight, Token: token, StartedAt: now}
}

func completed(prev Entry, key string, final Final, now time.Time, ttl time.Duration) Entry {
	e := Entry{
		Key:         key,
		Status:      StatusCompleted,
		Outcome:     final.Outcome,
		Result:      final.Result,
		Detail:      final.Detail,
		StartedAt:   prev.StartedAt,
		CompletedAt: now,
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}
