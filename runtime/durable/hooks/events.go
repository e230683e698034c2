// Package hooks publishes workflow and step lifecycle events to subscribers
// such as the run log and the Pulse stream sink.
package hooks

import (
	"encoding/json"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	// RunStarted fires when a run begins executing its body.
	RunStarted EventType = "run_started"
	// RunCompleted fires when the body returns without error.
	RunCompleted EventType = "run_completed"
	// RunFailed fires when the body returns a typed failure that is logged.
	RunFailed EventType = "run_failed"
	// RunDied fires when the run ends with a defect.
	RunDied EventType = "run_died"
	// StepAttempted fires at the start of every step attempt.
	StepAttempted EventType = "step_attempted"
	// StepSucceeded fires when an attempt produces a value.
	StepSucceeded EventType = "step_succeeded"
	// StepFailed fires when an attempt fails with a retryable failure.
	StepFailed EventType = "step_failed"
	// StepDied fires when an attempt ends with a defect.
	StepDied EventType = "step_died"
)

// Event is a lifecycle event. Run events leave Step and Attempt empty.
type Event struct {
	Type       EventType       `json:"type"`
	Workflow   string          `json:"workflow"`
	InstanceID string          `json:"instance_id"`
	Step       string          `json:"step,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewRunEvent returns a run-level event stamped with the current time.
func NewRunEvent(t EventType, workflow, instanceID string, err error) Event {
	e := Event{Type: t, Workflow: workflow, InstanceID: instanceID, Timestamp: time.Now().UTC()}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// NewStepEvent returns a step-level event stamped with the current time.
func NewStepEvent(t EventType, workflow, instanceID, step string, attempt int, err error) Event {
	e := NewRunEvent(t, workflow, instanceID, err)
	e.Step = step
	e.Attempt = attempt
	return e
}

// IsTerminal reports whether the event ends a run.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case RunCompleted, RunFailed, RunDied:
		return true
	default:
		return false
	}
}
