// Package inmem provides an in-process durable host for development and
// tests. Step results are memoized in memory for the lifetime of an instance,
// so a body can be replayed against the same instance, but nothing survives
// the process.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

type (
	// Runner executes one invocation of a workflow body. *durable.Definition
	// implements it.
	Runner interface {
		Run(ctx context.Context, event host.Event, ctrl host.StepController) error
	}

	// Host runs registered workflows in goroutines. It implements host.Env.
	Host struct {
		clock  Clock
		logger telemetry.Logger

		mu        sync.RWMutex
		runners   map[string]Runner
		instances map[string]*instance
	}

	// Option configures a Host.
	Option func(*Host)

	binding struct {
		host *Host
		key  string
	}

	instance struct {
		host   *Host
		key    string
		id     string
		params json.RawMessage

		mu         sync.Mutex
		ctrl       *Controller
		status     host.Status
		errMsg     string
		terminated bool
		cancel     context.CancelFunc
		done       chan struct{}
	}
)

// WithClock sets the clock used for retry delays, sleeps and timestamps.
func WithClock(c Clock) Option {
	return func(h *Host) {
		h.clock = c
	}
}

// WithLogger sets the logger used for instance lifecycle events.
func WithLogger(l telemetry.Logger) Option {
	return func(h *Host) {
		h.logger = l
	}
}

// New returns an in-memory host.
func New(opts ...Option) *Host {
	h := &Host{
		clock:     SystemClock{},
		logger:    telemetry.NewNoopLogger(),
		runners:   make(map[string]Runner),
		instances: make(map[string]*instance),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register binds r to key. Instances created through the binding run r.
func (h *Host) Register(key string, r Runner) error {
	if key == "" {
		return errors.New("binding key is required")
	}
	if r == nil {
		return errors.New("runner is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.runners[key]; dup {
		return fmt.Errorf("binding %q already registered", key)
	}
	h.runners[key] = r
	return nil
}

// Binding implements host.Env.
func (h *Host) Binding(key string) (host.Binding, error) {
	h.mu.RLock()
	_, ok := h.runners[key]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", host.ErrBindingNotFound, key)
	}
	return &binding{host: h, key: key}, nil
}

// Wait blocks until the current run of instance id returns.
func (h *Host) Wait(ctx context.Context, id string) error {
	inst, err := h.lookup(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	done := inst.done
	inst.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Controller returns the step controller of instance id.
func (h *Host) Controller(id string) (*Controller, error) {
	inst, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.ctrl, nil
}

// Replay executes the body of a finished instance again, synchronously,
// against its memoized steps. Completed steps are not executed again.
func (h *Host) Replay(ctx context.Context, id string) error {
	if err := h.Wait(ctx, id); err != nil {
		return err
	}
	inst, err := h.lookup(id)
	if err != nil {
		return err
	}
	h.mu.RLock()
	r := h.runners[inst.key]
	h.mu.RUnlock()
	inst.mu.Lock()
	ctrl := inst.ctrl
	inst.mu.Unlock()
	ctrl.beginReplay()
	return r.Run(ctx, h.event(inst), ctrl)
}

func (h *Host) lookup(id string) (*instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", host.ErrNotFound, id)
	}
	return inst, nil
}

func (h *Host) event(inst *instance) host.Event {
	return host.Event{InstanceID: inst.id, Payload: inst.params, Timestamp: h.clock.Now()}
}

// start launches a fresh run of inst with an empty memo. Callers hold
// inst.mu.
func (h *Host) start(inst *instance) {
	h.mu.RLock()
	r := h.runners[inst.key]
	h.mu.RUnlock()

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := NewController(h.clock)
	done := make(chan struct{})
	inst.ctrl = ctrl
	inst.cancel = cancel
	inst.done = done
	inst.status = host.StatusQueued
	inst.errMsg = ""
	inst.terminated = false
	event := h.event(inst)

	go func() {
		defer close(done)
		defer cancel()
		inst.setStatus(host.StatusRunning, "")
		h.logger.Info(ctx, "durable instance started", "binding", inst.key, "instance", inst.id)
		err := r.Run(ctx, event, ctrl)
		inst.mu.Lock()
		defer inst.mu.Unlock()
		if inst.ctrl != ctrl {
			// restarted while running
			return
		}
		switch {
		case inst.terminated:
			inst.status = host.StatusTerminated
		case err != nil:
			inst.status = host.StatusErrored
			inst.errMsg = err.Error()
			h.logger.Error(ctx, "durable instance errored", "binding", inst.key, "instance", inst.id, "error", err)
		default:
			inst.status = host.StatusComplete
			h.logger.Info(ctx, "durable instance completed", "binding", inst.key, "instance", inst.id)
		}
	}()
}

// Create implements host.Binding.
func (b *binding) Create(_ context.Context, opts host.CreateOptions) (host.Instance, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	inst := &instance{host: b.host, key: b.key, id: id, params: opts.Params}
	b.host.mu.Lock()
	if _, dup := b.host.instances[id]; dup {
		b.host.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", host.ErrAlreadyExists, id)
	}
	b.host.instances[id] = inst
	b.host.mu.Unlock()

	inst.mu.Lock()
	b.host.start(inst)
	inst.mu.Unlock()
	return inst, nil
}

// Get implements host.Binding.
func (b *binding) Get(_ context.Context, id string) (host.Instance, error) {
	inst, err := b.host.lookup(id)
	if err != nil {
		return nil, err
	}
	if inst.key != b.key {
		return nil, fmt.Errorf("%w: %q", host.ErrNotFound, id)
	}
	return inst, nil
}

func (i *instance) ID() string {
	return i.id
}

func (i *instance) Pause(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.finished() {
		return fmt.Errorf("instance %q is %s", i.id, i.status)
	}
	i.ctrl.Pause()
	return nil
}

func (i *instance) Resume(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ctrl.Resume()
	return nil
}

func (i *instance) Terminate(ctx context.Context) error {
	i.mu.Lock()
	if i.finished() {
		i.mu.Unlock()
		return nil
	}
	i.terminated = true
	i.cancel()
	done := i.done
	i.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Restart cancels the current run, if any, and starts a new one with the
// same parameters and an empty memo.
func (i *instance) Restart(ctx context.Context) error {
	i.mu.Lock()
	i.terminated = true
	i.cancel()
	done := i.done
	i.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.host.start(i)
	return nil
}

func (i *instance) Status(context.Context) (host.InstanceStatus, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := i.status
	if st == host.StatusRunning {
		switch {
		case i.ctrl.Paused():
			st = host.StatusPaused
		case i.ctrl.Sleeping():
			st = host.StatusWaiting
		}
	}
	return host.InstanceStatus{Status: st, Error: i.errMsg}, nil
}

func (i *instance) setStatus(st host.Status, msg string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == host.StatusQueued {
		i.status = st
		i.errMsg = msg
	}
}

// finished reports whether the current run returned. Callers hold i.mu.
func (i *instance) finished() bool {
	switch i.status {
	case host.StatusComplete, host.StatusErrored, host.StatusTerminated:
		return true
	default:
		return false
	}
}
