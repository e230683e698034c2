// Package outcome models the result of a durable step and its JSON envelope.
//
// An Outcome is exactly one of a success value, a typed recoverable failure,
// or a defect (an unrecoverable programming error). Hosts only persist opaque
// JSON per step, so outcomes cross the host boundary as an Envelope and are
// rebuilt on the other side with a Codec.
package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tag identifies which branch of an Outcome is set.
type Tag string

const (
	// TagSuccess marks a successful outcome carrying a value.
	TagSuccess Tag = "success"
	// TagFailure marks a typed, recoverable failure.
	TagFailure Tag = "failure"
	// TagDie marks a defect.
	TagDie Tag = "die"
)

type (
	// Outcome is the tagged result of one execution of a step computation.
	Outcome[A any] struct {
		// Tag selects the populated branch.
		Tag Tag
		// Value is set when Tag is TagSuccess.
		Value A
		// Failure is set when Tag is TagFailure.
		Failure error
		// Defect is set when Tag is TagDie. It is either a *DefectError or a
		// plain string description.
		Defect any
	}

	// Envelope is the JSON-safe projection of an Outcome persisted by hosts.
	Envelope struct {
		Tag    Tag             `json:"tag"`
		Value  json.RawMessage `json:"value,omitempty"`
		Error  json.RawMessage `json:"error,omitempty"`
		Defect json.RawMessage `json:"defect,omitempty"`
	}
)

// Succeed returns a success outcome.
func Succeed[A any](v A) Outcome[A] {
	return Outcome[A]{Tag: TagSuccess, Value: v}
}

// Fail returns a failure outcome.
func Fail[A any](err error) Outcome[A] {
	return Outcome[A]{Tag: TagFailure, Failure: err}
}

// Die returns a defect outcome.
func Die[A any](cause any) Outcome[A] {
	return Outcome[A]{Tag: TagDie, Defect: cause}
}

// FromResult classifies the result of a Go computation. A nil error is a
// success, an error wrapping a *DefectError is a defect and any other error is
// a failure.
func FromResult[A any](v A, err error) Outcome[A] {
	if err == nil {
		return Succeed(v)
	}
	var d *DefectError
	if errors.As(err, &d) {
		return Die[A](d)
	}
	return Fail[A](err)
}

// Marshal returns the JSON encoding of the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes data into an Envelope and checks that its tag is known.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse outcome envelope: %w", err)
	}
	switch env.Tag {
	case TagSuccess, TagFailure, TagDie:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("parse outcome envelope: unknown tag %q", env.Tag)
	}
}

// ExtractEnvelope locates an envelope inside msg. It first parses msg as a
// whole and then falls back to the outermost JSON object it contains, which
// covers hosts that prefix or suffix the message of a retried error.
func ExtractEnvelope(msg string) (Envelope, error) {
	env, err := ParseEnvelope([]byte(msg))
	if err == nil {
		return env, nil
	}
	start := strings.IndexByte(msg, '{')
	end := strings.LastIndexByte(msg, '}')
	if start < 0 || end <= start {
		return Envelope{}, err
	}
	if env, ierr := ParseEnvelope([]byte(msg[start : end+1])); ierr == nil {
		return env, nil
	}
	return Envelope{}, err
}
