// Package ratehost implements the gateway's per-upstream-host outbound rate
// limiter: a token-bucket-like window counter plus a minimum inter-request
// delay, one RateBucket per hostname. This is distinct from the inbound
// per-caller limiter that guards the gateway's own HTTP surface.
package ratehost

import (
	"context"
	"sync"
	"time"
)

// Bucket tracks one upstream hostname's outbound request pacing.
type Bucket struct {
	mu               sync.Mutex
	windowResetAt    time.Time
	requestsInWindow int
	lastRequestAt    time.Time
}

// Config tunes the pacing policy.
type Config struct {
	MinRequestDelay time.Duration // default 1s
	MaxPerMinute    int           // default 30
	WindowLength    time.Duration // default 60s
}

// DefaultConfig matches the gateway's documented defaults.
func DefaultConfig() Config {
	return Config{
		MinRequestDelay: time.Second,
		MaxPerMinute:    30,
		WindowLength:    60 * time.Second,
	}
}

// Table is the hostname -> Bucket mapping. Each bucket is guarded by its own
// mutex; Table's own mutex only protects bucket creation, not bucket state.
type Table struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// New builds an empty Table.
func New(cfg Config) *Table {
	return &Table{cfg: cfg, buckets: make(map[string]*Bucket)}
}

func (t *Table) bucketFor(host string) *Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[host]
	if !ok {
		b = &Bucket{}
		t.buckets[host] = b
	}
	return b
}

// Acquire blocks, cooperatively, until the caller holds permission for
// exactly one upstream call to host. Cancellation via ctx aborts the wait.
func (t *Table) Acquire(ctx context.Context, host string) error {
	b := t.bucketFor(host)

	for {
		wait, ok := t.tryTake(b)
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryTake applies the take policy once. It returns (0, true) when the
// caller may proceed immediately, or (wait, false) when the caller must
// sleep for wait and re-evaluate.
func (t *Table) tryTake(b *Bucket) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if now.After(b.windowResetAt) {
		b.windowResetAt = now.Add(t.cfg.WindowLength)
		b.requestsInWindow = 0
		b.lastRequestAt = time.Time{}
	}

	sinceLast := now.Sub(b.lastRequestAt)
	tooSoon := !b.lastRequestAt.IsZero() && sinceLast < t.cfg.MinRequestDelay
	if tooSoon || b.requestsInWindow >= t.cfg.MaxPerMinute {
		wait := t.cfg.MinRequestDelay - sinceLast
		if wait <= 0 {
			wait = time.Millisecond
		}
		return wait, false
	}

	b.requestsInWindow++
	b.lastRequestAt = now
	return 0, true
}
