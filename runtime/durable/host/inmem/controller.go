package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"goa.design/goa-durable/runtime/durable/host"
)

type (
	// Controller is the in-memory host.StepController. It memoizes step
	// results and exhausted failures by step name, so running a body twice
	// against the same Controller replays completed steps without executing
	// them again.
	Controller struct {
		clock Clock

		mu        sync.Mutex
		memo      map[string]memoEntry
		slept     map[string]bool
		attempts  map[string]int
		replaying bool
		sleeping  bool
		gate      chan struct{} // non-nil while paused; closed on resume
	}

	memoEntry struct {
		result json.RawMessage
		err    error
	}
)

// NewController returns a Controller using clock, or the system clock when
// clock is nil.
func NewController(clock Clock) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Controller{
		clock:    clock,
		memo:     make(map[string]memoEntry),
		slept:    make(map[string]bool),
		attempts: make(map[string]int),
	}
}

// Do implements host.StepController.
func (c *Controller) Do(ctx context.Context, name string, cfg host.StepConfig, fn host.StepFunc) (json.RawMessage, error) {
	if err := c.waitIfPaused(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if e, ok := c.memo[name]; ok {
		c.mu.Unlock()
		return e.result, e.err
	}
	c.replaying = false
	c.mu.Unlock()

	policy := cfg.Policy()
	attempts := policy.Attempts()
	var last error
	for n := 1; n <= attempts; n++ {
		c.mu.Lock()
		c.attempts[name]++
		c.mu.Unlock()

		actx, cancel := withOptionalTimeout(host.WithAttempt(ctx, n), cfg.Timeout)
		res, err := fn(actx)
		cancel()
		if err == nil {
			c.store(name, memoEntry{result: res})
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		last = err
		if n < attempts {
			if err := c.clock.Sleep(ctx, policy.DelayFor(n)); err != nil {
				return nil, err
			}
		}
	}
	exhausted := &host.ExhaustedError{Step: name, Attempts: attempts, Message: last.Error(), Cause: last}
	c.store(name, memoEntry{err: exhausted})
	return nil, exhausted
}

// Sleep implements host.StepController. Completed sleeps are not repeated
// when the body is replayed.
func (c *Controller) Sleep(ctx context.Context, name string, d time.Duration) error {
	if err := c.waitIfPaused(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.slept[name] {
		c.mu.Unlock()
		return nil
	}
	c.replaying = false
	c.sleeping = true
	c.mu.Unlock()

	err := c.clock.Sleep(ctx, d.Truncate(time.Millisecond))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeping = false
	if err != nil {
		return err
	}
	c.slept[name] = true
	return nil
}

// Now implements host.StepController.
func (c *Controller) Now() time.Time {
	return c.clock.Now()
}

// IsReplaying implements host.ReplayAware. It reports true from the start of
// a replay until the body reaches its first step that has not completed yet.
func (c *Controller) IsReplaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaying
}

// Attempts returns how many times the step name was attempted.
func (c *Controller) Attempts(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[name]
}

// Pause blocks subsequent steps and sleeps until Resume is called.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
}

// Resume releases a paused controller.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// Paused reports whether the controller is paused.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate != nil
}

// Sleeping reports whether the body is suspended on a durable sleep.
func (c *Controller) Sleeping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeping
}

// beginReplay marks the start of a new execution of the body.
func (c *Controller) beginReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = len(c.memo) > 0 || len(c.slept) > 0
}

func (c *Controller) store(name string, e memoEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memo[name] = e
}

func (c *Controller) waitIfPaused(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-gate:
		return nil
	}
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
