package session

import (
	"errors"
	"fmt"
)

// Kind classifies session failures for the presentation layer.
type Kind string

const (
	KindDecode            Kind = "decode"
	KindTransport         Kind = "transport"
	KindMalformedResponse Kind = "malformed-response"
	KindInvalidState      Kind = "invalid-state"
	KindSuperseded        Kind = "superseded"
	KindTimeout           Kind = "timeout"
)

// Error is the structured failure returned by session operations.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a session error, or "" for other errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func invalidState(op string, s State) *Error {
	return newError(KindInvalidState, fmt.Sprintf("%s not allowed in state %s", op, s), nil)
}
