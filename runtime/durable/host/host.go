// Package host defines the contract between the durable step bridge and the
// durable-execution host that runs workflows. A host persists the result of
// every named step, retries failed steps according to a retry policy, exposes
// deterministic time and durable sleeps, and manages workflow instances.
//
// # Core Abstractions
//
//   - StepController: used from inside a running workflow body. Do runs a
//     named step with host-managed retries and memoization, Sleep suspends the
//     run durably and Now returns replay-safe time.
//
//   - Binding: the external handle used to create or look up instances of one
//     workflow class. Instance exposes the lifecycle operations (pause,
//     resume, terminate, restart, status).
//
//   - Env: resolves bindings by key. Registries hold an accessor to the Env
//     rather than the Env itself so it can be supplied after construction.
//
// # Retry Protocol
//
// The host decides whether to retry by looking at the error returned from a
// StepFunc: a non-nil error means "retry" and a nil error means "persist this
// result". Once the retry budget is spent, Do returns an *ExhaustedError whose
// Message is the message of the last attempt's error, so callers can recover
// whatever they encoded in it.
//
// # Available Implementations
//
//   - inmem: in-process host for development and tests. Memoizes results in
//     memory and retries with a pluggable clock.
//
//   - temporal: production host backed by Temporal. Steps run as local
//     activities, sleeps are durable timers and instances are Temporal
//     workflow executions.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a workflow instance as reported by a host.
type Status string

const (
	// StatusQueued indicates the instance was accepted but has not started.
	StatusQueued Status = "queued"
	// StatusRunning indicates the instance is executing.
	StatusRunning Status = "running"
	// StatusPaused indicates the instance is paused and will not start new steps.
	StatusPaused Status = "paused"
	// StatusErrored indicates the run failed.
	StatusErrored Status = "errored"
	// StatusTerminated indicates the instance was terminated externally.
	StatusTerminated Status = "terminated"
	// StatusComplete indicates the run finished successfully.
	StatusComplete Status = "complete"
	// StatusWaiting indicates the instance is suspended on a durable sleep.
	StatusWaiting Status = "waiting"
	// StatusUnknown is reported when the host cannot classify the instance.
	StatusUnknown Status = "unknown"
)

// Backoff selects how the delay between retries grows.
type Backoff string

const (
	// BackoffConstant waits Delay between every attempt.
	BackoffConstant Backoff = "constant"
	// BackoffLinear waits Delay multiplied by the attempt number.
	BackoffLinear Backoff = "linear"
	// BackoffExponential doubles the wait after every attempt.
	BackoffExponential Backoff = "exponential"
)

var (
	// ErrNotFound indicates that no instance exists for the given identifier.
	ErrNotFound = errors.New("instance not found")
	// ErrBindingNotFound indicates that an Env has no binding for a key.
	ErrBindingNotFound = errors.New("binding not found")
	// ErrAlreadyExists indicates that Create was given the identifier of an
	// existing instance.
	ErrAlreadyExists = errors.New("instance already exists")
)

// DefaultRetryPolicy is applied to steps that do not configure retries.
var DefaultRetryPolicy = RetryPolicy{Limit: 5, Delay: 10 * time.Second, Backoff: BackoffExponential}

type (
	// StepController exposes the host operations available to a running
	// workflow body.
	StepController interface {
		// Do runs fn as the step identified by name. If the step already
		// completed in a previous execution of the run, Do returns the persisted
		// result without calling fn. A non-nil error from fn is retried per
		// cfg.Retries; once retries are exhausted Do returns an *ExhaustedError.
		Do(ctx context.Context, name string, cfg StepConfig, fn StepFunc) (json.RawMessage, error)

		// Sleep durably suspends the run for d. Resolution is milliseconds.
		Sleep(ctx context.Context, name string, d time.Duration) error

		// Now returns the host's deterministic current time.
		Now() time.Time
	}

	// ReplayAware is implemented by controllers that can tell whether the
	// workflow body is being re-executed to rebuild state. Callers use it to
	// suppress duplicate side effects such as logs.
	ReplayAware interface {
		IsReplaying() bool
	}

	// StepFunc performs one attempt of a step. It returns the JSON value the
	// host persists, or an error to request a retry.
	StepFunc func(ctx context.Context) (json.RawMessage, error)

	// StepConfig is the step descriptor passed to the host.
	StepConfig struct {
		// Retries overrides DefaultRetryPolicy when set.
		Retries *RetryPolicy
		// Timeout bounds a single attempt. Zero uses the host default.
		Timeout time.Duration
	}

	// RetryPolicy configures host-managed retries of a step.
	RetryPolicy struct {
		// Limit is the number of retries after the first attempt.
		Limit int
		// Delay is the base wait before a retry.
		Delay time.Duration
		// Backoff selects how Delay grows across attempts.
		Backoff Backoff
	}

	// ExhaustedError is returned by StepController.Do when every attempt
	// failed. Message carries the message of the last attempt's error.
	ExhaustedError struct {
		Step string
		// Attempts is the number of attempts that ran, zero when the host
		// cannot tell.
		Attempts int
		Message  string
		// TimedOut is set when the host aborted the last attempt because it
		// exceeded its timeout. Message is then the host's own description.
		TimedOut bool
		// Cause is the host-native error, when available.
		Cause error
	}

	// Event is the raw event delivered by the host when a run starts.
	Event struct {
		// InstanceID identifies the workflow instance.
		InstanceID string
		// Payload is the JSON encoding of the run parameters.
		Payload json.RawMessage
		// Timestamp is the time the instance was created.
		Timestamp time.Time
	}

	// CreateOptions configures Binding.Create.
	CreateOptions struct {
		// ID is the instance identifier. Hosts generate one when empty.
		ID string
		// Params is the JSON encoding of the run parameters, if any.
		Params json.RawMessage
	}

	// InstanceStatus is the status snapshot returned by Instance.Status.
	InstanceStatus struct {
		Status Status          `json:"status"`
		Error  string          `json:"error,omitempty"`
		Output json.RawMessage `json:"output,omitempty"`
	}

	// Binding creates and looks up instances of one workflow class.
	Binding interface {
		// Create starts a new instance.
		Create(ctx context.Context, opts CreateOptions) (Instance, error)
		// Get returns the instance identified by id or ErrNotFound.
		Get(ctx context.Context, id string) (Instance, error)
	}

	// Instance is the external handle of a workflow instance.
	Instance interface {
		ID() string
		Pause(ctx context.Context) error
		Resume(ctx context.Context) error
		Terminate(ctx context.Context) error
		Restart(ctx context.Context) error
		Status(ctx context.Context) (InstanceStatus, error)
	}

	// Env resolves workflow bindings by key.
	Env interface {
		Binding(key string) (Binding, error)
	}

	// Bindings is an Env backed by a map.
	Bindings map[string]Binding
)

// Binding implements Env.
func (b Bindings) Binding(key string) (Binding, error) {
	if bd, ok := b[key]; ok && bd != nil {
		return bd, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBindingNotFound, key)
}

// Policy returns the retry policy for the step, falling back to
// DefaultRetryPolicy.
func (c StepConfig) Policy() RetryPolicy {
	if c.Retries == nil {
		return DefaultRetryPolicy
	}
	return *c.Retries
}

// Attempts returns the total number of attempts allowed by the policy.
func (p RetryPolicy) Attempts() int {
	if p.Limit < 0 {
		return 1
	}
	return p.Limit + 1
}

// DelayFor returns the wait before retrying after the given failed attempt
// (1-based).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Backoff {
	case BackoffLinear:
		return p.Delay * time.Duration(attempt)
	case BackoffExponential:
		d := float64(p.Delay) * math.Pow(2, float64(attempt-1))
		if d > math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	default:
		return p.Delay
	}
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	if e.Attempts <= 0 {
		return fmt.Sprintf("step %q failed: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("step %q failed after %d attempts: %s", e.Step, e.Attempts, e.Message)
}

// Unwrap returns the host-native cause.
func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}
