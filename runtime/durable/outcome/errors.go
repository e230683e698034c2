package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
)

const (
	// DefaultErrorTag is the tag given to failures that do not carry their own.
	DefaultErrorTag = "Error"
	// TimeoutErrorTag is the tag of the failure recorded when a step attempt
	// exceeds its timeout.
	TimeoutErrorTag = "Timeout"
)

type (
	// Error is the generic typed failure used by untyped steps. Failures of
	// any Go type are projected onto Error when they cross the host boundary,
	// so a workflow body observes the same Tag and Message after retries.
	Error struct {
		// Tag names the failure kind, e.g. "NotReady".
		Tag string `json:"_tag"`
		// Message is the human-readable failure description.
		Message string `json:"message,omitempty"`
		// Data carries the JSON encoding of the original error value when it
		// has exported fields.
		Data json.RawMessage `json:"data,omitempty"`
	}

	// Tagged is implemented by failures that name their own tag.
	Tagged interface {
		error
		FailureTag() string
	}

	// DefectError describes an unrecoverable failure. Cause is kept for local
	// inspection but is not carried across the host boundary.
	DefectError struct {
		Name    string `json:"name,omitempty"`
		Message string `json:"message,omitempty"`
		Stack   string `json:"stack,omitempty"`
		Cause   error  `json:"-"`
	}

	defectWire struct {
		Name    string `json:"name,omitempty"`
		Message string `json:"message,omitempty"`
		Stack   string `json:"stack,omitempty"`
		Cause   string `json:"cause,omitempty"`
	}
)

// NewError returns a typed failure with the given tag and message.
func NewError(tag, message string) *Error {
	if tag == "" {
		tag = DefaultErrorTag
	}
	return &Error{Tag: tag, Message: message}
}

// Errorf formats a message and returns it as a typed failure with the given tag.
func Errorf(tag, format string, args ...any) *Error {
	return NewError(tag, fmt.Sprintf(format, args...))
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Tag
	}
	return e.Tag + ": " + e.Message
}

// FailureTag implements Tagged.
func (e *Error) FailureTag() string {
	return e.Tag
}

// Is reports whether target is an *Error with the same tag. An empty target
// message matches any message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Tag != e.Tag {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// ToError projects err onto the generic typed failure.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	out := &Error{Tag: DefaultErrorTag, Message: err.Error()}
	var tagged Tagged
	if errors.As(err, &tagged) {
		out.Tag = tagged.FailureTag()
		if data, merr := json.Marshal(tagged); merr == nil && string(data) != "{}" && string(data) != "null" {
			out.Data = data
		}
	}
	return out
}

// HasTag reports whether err carries a typed failure with the given tag.
func HasTag(err error, tag string) bool {
	var tagged Tagged
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.FailureTag() == tag
}

// NewDefect marks err as a defect. Steps return the result to signal a
// failure that must not be retried.
func NewDefect(err error) *DefectError {
	if err == nil {
		return &DefectError{Message: "unknown defect", Stack: string(debug.Stack())}
	}
	var d *DefectError
	if errors.As(err, &d) {
		return d
	}
	return &DefectError{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Stack:   string(debug.Stack()),
		Cause:   err,
	}
}

// DefectFromPanic converts a recovered panic value into a defect carrying the
// current goroutine stack.
func DefectFromPanic(r any) *DefectError {
	switch v := r.(type) {
	case *DefectError:
		return v
	case error:
		d := NewDefect(v)
		return d
	default:
		return &DefectError{
			Name:    "panic",
			Message: fmt.Sprint(v),
			Stack:   string(debug.Stack()),
		}
	}
}

// Error implements error.
func (e *DefectError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Name != "" && e.Message != "":
		return e.Name + ": " + e.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Name
	}
}

// Unwrap returns the local cause, if any.
func (e *DefectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func encodeDefect(cause any) json.RawMessage {
	var v any
	switch c := cause.(type) {
	case *DefectError:
		w := defectWire{Name: c.Name, Message: c.Message, Stack: c.Stack}
		if c.Cause != nil {
			w.Cause = c.Cause.Error()
		}
		v = w
	case error:
		w := defectWire{Name: fmt.Sprintf("%T", c), Message: c.Error()}
		if u := errors.Unwrap(c); u != nil {
			w.Cause = u.Error()
		}
		v = w
	case string:
		v = c
	case nil:
		v = "unknown defect"
	default:
		v = fmt.Sprint(c)
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(cause))
	}
	return data
}

func decodeDefect(raw json.RawMessage) any {
	if len(raw) == 0 {
		return "unknown defect"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var w defectWire
	if err := json.Unmarshal(raw, &w); err == nil && (w.Name != "" || w.Message != "" || w.Stack != "") {
		return &DefectError{Name: w.Name, Message: w.Message, Stack: w.Stack}
	}
	return string(raw)
}
