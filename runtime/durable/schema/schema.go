// Package schema provides the payload codecs used by typed steps. A Schema
// encodes a Go value into its JSON form and decodes it back, validating both
// directions against an optional JSON Schema document and an optional Go
// validator.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Schema is a bidirectional codec for values of type T.
	Schema[T any] struct {
		name     string
		compiled *jsonschema.Schema
		validate func(T) error
		void     bool
	}

	// Option configures a Schema.
	Option[T any] func(*config[T])

	config[T any] struct {
		doc      []byte
		validate func(T) error
	}

	// EncodeError reports a value that could not be encoded.
	EncodeError struct {
		Schema string
		Err    error
	}

	// DecodeError reports JSON that could not be decoded.
	DecodeError struct {
		Schema string
		Err    error
	}
)

// WithJSONSchema validates the JSON form of values against doc.
func WithJSONSchema[T any](doc string) Option[T] {
	return func(c *config[T]) {
		c.doc = []byte(doc)
	}
}

// WithValidator validates decoded values, and values about to be encoded,
// with fn.
func WithValidator[T any](fn func(T) error) Option[T] {
	return func(c *config[T]) {
		c.validate = fn
	}
}

// New builds a schema named name. It fails when the JSON Schema document
// does not compile.
func New[T any](name string, opts ...Option[T]) (*Schema[T], error) {
	var cfg config[T]
	for _, o := range opts {
		o(&cfg)
	}
	s := &Schema[T]{name: name, validate: cfg.validate}
	if len(cfg.doc) == 0 {
		return s, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(cfg.doc))
	if err != nil {
		return nil, fmt.Errorf("schema %s: unmarshal json schema: %w", name, err)
	}
	loc := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("schema %s: add json schema resource: %w", name, err)
	}
	compiled, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("schema %s: compile json schema: %w", name, err)
	}
	s.compiled = compiled
	return s, nil
}

// MustNew is like New but panics on error. It is meant for package-level
// schema declarations.
func MustNew[T any](name string, opts ...Option[T]) *Schema[T] {
	s, err := New(name, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Void returns the schema of a step that produces no value. Typed steps using
// it omit the success value from their envelopes.
func Void() *Schema[struct{}] {
	return &Schema[struct{}]{name: "void", void: true}
}

// Name returns the schema name.
func (s *Schema[T]) Name() string {
	return s.name
}

// IsVoid reports whether s is the "no value" schema.
func (s *Schema[T]) IsVoid() bool {
	return s.void
}

// Encode validates v and returns its JSON form.
func (s *Schema[T]) Encode(v T) (json.RawMessage, error) {
	if s.void {
		return nil, nil
	}
	if s.validate != nil {
		if err := s.validate(v); err != nil {
			return nil, &EncodeError{Schema: s.name, Err: err}
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Schema: s.name, Err: err}
	}
	if err := s.check(raw); err != nil {
		return nil, &EncodeError{Schema: s.name, Err: err}
	}
	return raw, nil
}

// Decode validates raw and returns the value it encodes. An empty raw message
// is treated as JSON null.
func (s *Schema[T]) Decode(raw json.RawMessage) (T, error) {
	var v T
	if s.void {
		return v, nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := s.check(raw); err != nil {
		return v, &DecodeError{Schema: s.name, Err: err}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &DecodeError{Schema: s.name, Err: err}
	}
	if s.validate != nil {
		if err := s.validate(v); err != nil {
			return v, &DecodeError{Schema: s.name, Err: err}
		}
	}
	return v, nil
}

func (s *Schema[T]) check(raw json.RawMessage) error {
	if s.compiled == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return s.compiled.Validate(inst)
}

// Error implements error.
func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Schema, e.Err)
}

// Unwrap returns the underlying error.
func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Schema, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
