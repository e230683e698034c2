package inmem

import (
	"context"
	"sync"
	"time"
)

type (
	// Clock is the time source of the in-memory host. Retry delays and
	// durable sleeps wait on it.
	Clock interface {
		Now() time.Time
		Sleep(ctx context.Context, d time.Duration) error
	}

	// SystemClock uses wall-clock time.
	SystemClock struct{}

	// ManualClock advances only when slept on. Every Sleep returns
	// immediately after moving the clock forward and is recorded, which makes
	// retry delays and timers observable in tests.
	ManualClock struct {
		mu     sync.Mutex
		now    time.Time
		sleeps []time.Duration
	}
)

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep implements Clock.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewManualClock returns a ManualClock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep implements Clock.
func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

// Advance moves the clock forward by d without recording a sleep.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns the durations slept so far, in order.
func (c *ManualClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}
