package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec translates an Outcome to and from its Envelope. EncodeValue and
// DecodeValue handle the success branch, EncodeFailure and DecodeFailure the
// failure branch. When Void is set the success value is neither written nor
// read.
type Codec[A any] struct {
	EncodeValue   func(A) (json.RawMessage, error)
	DecodeValue   func(json.RawMessage) (A, error)
	EncodeFailure func(error) (json.RawMessage, error)
	DecodeFailure func(json.RawMessage) (error, error)
	Void          bool
}

// JSONCodec returns the codec used by untyped steps: values use encoding/json
// and failures travel as *Error.
func JSONCodec[A any]() Codec[A] {
	return Codec[A]{
		EncodeValue: func(v A) (json.RawMessage, error) {
			return json.Marshal(v)
		},
		DecodeValue: func(raw json.RawMessage) (A, error) {
			var v A
			if err := json.Unmarshal(raw, &v); err != nil {
				return v, err
			}
			return v, nil
		},
		EncodeFailure: EncodeError,
		DecodeFailure: DecodeError,
	}
}

// EncodeError encodes err as the generic typed failure.
func EncodeError(err error) (json.RawMessage, error) {
	e := ToError(err)
	if e == nil {
		e = NewError(DefaultErrorTag, "<nil>")
	}
	return json.Marshal(e)
}

// DecodeError decodes a generic typed failure.
func DecodeError(raw json.RawMessage) (error, error) {
	var e Error
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Tag == "" {
		return nil, errors.New("missing _tag")
	}
	return &e, nil
}

// Encode projects o onto an envelope. Encode never fails: an outcome whose
// value or failure cannot be encoded is encoded as a defect describing the
// encode error.
func (c Codec[A]) Encode(o Outcome[A]) Envelope {
	switch o.Tag {
	case TagSuccess:
		if c.Void {
			return Envelope{Tag: TagSuccess}
		}
		raw, err := c.EncodeValue(o.Value)
		if err != nil {
			return Envelope{Tag: TagDie, Defect: encodeDefect(NewDefect(fmt.Errorf("encode success value: %w", err)))}
		}
		return Envelope{Tag: TagSuccess, Value: raw}
	case TagFailure:
		raw, err := c.EncodeFailure(o.Failure)
		if err != nil {
			return Envelope{Tag: TagDie, Defect: encodeDefect(NewDefect(fmt.Errorf("encode failure %v: %w", o.Failure, err)))}
		}
		return Envelope{Tag: TagFailure, Error: raw}
	case TagDie:
		return Envelope{Tag: TagDie, Defect: encodeDefect(o.Defect)}
	default:
		return Envelope{Tag: TagDie, Defect: encodeDefect(fmt.Sprintf("invalid outcome tag %q", o.Tag))}
	}
}

// Decode rebuilds the outcome carried by env. It returns an error when the
// value or failure does not decode; callers treat that as a defect.
func (c Codec[A]) Decode(env Envelope) (Outcome[A], error) {
	switch env.Tag {
	case TagSuccess:
		if c.Void {
			var zero A
			return Succeed(zero), nil
		}
		raw := env.Value
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		v, err := c.DecodeValue(raw)
		if err != nil {
			return Outcome[A]{}, fmt.Errorf("decode success value: %w", err)
		}
		return Succeed(v), nil
	case TagFailure:
		if len(env.Error) == 0 {
			return Outcome[A]{}, errors.New("decode failure: missing error")
		}
		f, err := c.DecodeFailure(env.Error)
		if err != nil {
			return Outcome[A]{}, fmt.Errorf("decode failure: %w", err)
		}
		return Fail[A](f), nil
	case TagDie:
		return Die[A](decodeDefect(env.Defect)), nil
	default:
		return Outcome[A]{}, fmt.Errorf("decode outcome: unknown tag %q", env.Tag)
	}
}
