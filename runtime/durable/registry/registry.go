// Package registry maps workflow tags to host bindings and exposes the
// instance lifecycle (create, get, pause, resume, terminate, restart, status)
// to callers outside the workflow runtime such as CLIs and HTTP handlers.
//
// The host environment is resolved through an accessor at every call rather
// than at construction, so a registry can be declared before the process has
// wired its host bindings.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/time/rate"

	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

// ErrUnknownWorkflow indicates that no workflow is registered for a tag.
var ErrUnknownWorkflow = errors.New("unknown workflow")

type (
	// Workflow is a registered workflow class. *durable.Definition
	// implements it.
	Workflow interface {
		// Tag is the name callers use to address the workflow.
		Tag() string
		// BindingKey is the key of the host binding that runs it.
		BindingKey() string
		// EncodeParams encodes run parameters with the workflow schema.
		EncodeParams(params any) (json.RawMessage, error)
	}

	// EnvFunc returns the host environment. It is called on every operation.
	EnvFunc func() host.Env

	// Registry resolves workflow tags to host bindings.
	Registry struct {
		env       EnvFunc
		workflows map[string]Workflow
		limiter   *rate.Limiter
		logger    telemetry.Logger
	}

	// Option configures a Registry.
	Option func(*Registry)

	// CreateOptions configures Registry.Create.
	CreateOptions struct {
		// ID is the instance identifier; the host generates one when empty.
		ID string
		// Params are the run parameters. They must be a value or pointer of
		// the workflow parameter type. Nil means no parameters.
		Params any
	}

	// Instance is the handle of a workflow instance.
	Instance struct {
		tag    string
		inner  host.Instance
		logger telemetry.Logger
	}
)

// WithCreateLimiter throttles Create calls with l. Create waits for a token
// and fails if ctx is done first.
func WithCreateLimiter(l *rate.Limiter) Option {
	return func(r *Registry) {
		r.limiter = l
	}
}

// WithLogger sets the logger used for lifecycle operations.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New returns a registry of workflows. It fails if env is nil or two
// workflows share a tag.
func New(env EnvFunc, workflows []Workflow, opts ...Option) (*Registry, error) {
	if env == nil {
		return nil, errors.New("env accessor is required")
	}
	r := &Registry{
		env:       env,
		workflows: make(map[string]Workflow, len(workflows)),
		logger:    telemetry.NewNoopLogger(),
	}
	for _, wf := range workflows {
		if wf == nil || wf.Tag() == "" {
			return nil, errors.New("workflow tag is required")
		}
		if _, dup := r.workflows[wf.Tag()]; dup {
			return nil, fmt.Errorf("workflow %q registered twice", wf.Tag())
		}
		r.workflows[wf.Tag()] = wf
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Tags returns the registered workflow tags in lexical order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.workflows))
	for t := range r.workflows {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Workflow returns the workflow registered under tag.
func (r *Registry) Workflow(tag string) (Workflow, error) {
	wf, ok := r.workflows[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, tag)
	}
	return wf, nil
}

// Create starts a new instance of the workflow tag. Parameters that do not
// encode fail the call with a *schema.EncodeError.
func (r *Registry) Create(ctx context.Context, tag string, opts CreateOptions) (*Instance, error) {
	wf, err := r.Workflow(tag)
	if err != nil {
		return nil, err
	}
	var params json.RawMessage
	if opts.Params != nil {
		params, err = wf.EncodeParams(opts.Params)
		if err != nil {
			return nil, err
		}
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("create %s: %w", tag, err)
		}
	}
	b, err := r.binding(wf)
	if err != nil {
		return nil, err
	}
	inst, err := b.Create(ctx, host.CreateOptions{ID: opts.ID, Params: params})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tag, err)
	}
	r.logger.Info(ctx, "durable instance created", "workflow", tag, "instance", inst.ID())
	return &Instance{tag: tag, inner: inst, logger: r.logger}, nil
}

// Get returns the instance id of the workflow tag. Unknown instances fail
// with host.ErrNotFound.
func (r *Registry) Get(ctx context.Context, tag, id string) (*Instance, error) {
	wf, err := r.Workflow(tag)
	if err != nil {
		return nil, err
	}
	b, err := r.binding(wf)
	if err != nil {
		return nil, err
	}
	inst, err := b.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %q: %w", tag, id, err)
	}
	return &Instance{tag: tag, inner: inst, logger: r.logger}, nil
}

func (r *Registry) binding(wf Workflow) (host.Binding, error) {
	env := r.env()
	if env == nil {
		return nil, fmt.Errorf("workflow %s: host environment is not available", wf.Tag())
	}
	b, err := env.Binding(wf.BindingKey())
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.Tag(), err)
	}
	return b, nil
}

// ID returns the instance identifier.
func (i *Instance) ID() string {
	return i.inner.ID()
}

// Workflow returns the workflow tag of the instance.
func (i *Instance) Workflow() string {
	return i.tag
}

// Pause stops the instance from starting new steps.
func (i *Instance) Pause(ctx context.Context) error {
	return i.do(ctx, "pause", i.inner.Pause)
}

// Resume lets a paused instance continue.
func (i *Instance) Resume(ctx context.Context) error {
	return i.do(ctx, "resume", i.inner.Resume)
}

// Terminate stops the instance permanently.
func (i *Instance) Terminate(ctx context.Context) error {
	return i.do(ctx, "terminate", i.inner.Terminate)
}

// Restart runs the instance again from the start with the same parameters.
func (i *Instance) Restart(ctx context.Context) error {
	return i.do(ctx, "restart", i.inner.Restart)
}

// Status returns the host status of the instance.
func (i *Instance) Status(ctx context.Context) (host.InstanceStatus, error) {
	st, err := i.inner.Status(ctx)
	if err != nil {
		return host.InstanceStatus{}, fmt.Errorf("status %s %q: %w", i.tag, i.inner.ID(), err)
	}
	return st, nil
}

func (i *Instance) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		i.logger.Warn(ctx, "durable instance operation failed", "op", op, "workflow", i.tag, "instance", i.inner.ID(), "error", err)
		return fmt.Errorf("%s %s %q: %w", op, i.tag, i.inner.ID(), err)
	}
	i.logger.Info(ctx, "durable instance "+op, "workflow", i.tag, "instance", i.inner.ID())
	return nil
}
