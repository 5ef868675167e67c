package adapters

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces calls rate apart while allowing bursts of up to burst
// calls. It tracks the theoretical arrival time of the next call instead of
// a token count.
type RateLimiter struct {
	rate   time.Duration
	slack  time.Duration
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	mu  sync.Mutex
	tat time.Time
}

// NewRateLimiter constructs a limiter admitting one call every rate. A zero
// rate or burst disables limiting.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	if rate <= 0 || burst <= 0 {
		return nil
	}
	return &RateLimiter{
		rate:  rate,
		slack: time.Duration(burst-1) * rate,
		now:   time.Now,
		sleep: sleepWithContext,
	}
}

// OnWait registers a hook told about every throttling pause.
func (r *RateLimiter) OnWait(fn func(time.Duration)) *RateLimiter {
	if r != nil {
		r.onWait = fn
	}
	return r
}

// Wait blocks until the call may proceed or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := r.reserve()
		if wait <= 0 {
			return nil
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve admits the call and returns 0, or returns how long to wait before
// asking again.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	tat := r.tat
	if tat.Before(now) {
		tat = now
	}
	if ahead := tat.Sub(now); ahead > r.slack {
		return ahead - r.slack
	}
	r.tat = tat.Add(r.rate)
	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
