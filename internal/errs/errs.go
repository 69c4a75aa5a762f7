// Package errs defines the error classes shared by the codec, the framer sessions
// and the pipelines, and their representation on the wire.
//
// Classes are plain sentinels inspected with errors.Is. Narrower classes wrap
// broader ones, so ErrStreamClosed is also ErrUnreachable.
package errs

import (
	"errors"
	"fmt"
)

// Error classes.
var (
	// ErrValidation indicates a malformed request or frame, e.g. an extra channel
	// or a data type mismatch.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates an unknown channel key.
	ErrNotFound = errors.New("not found")

	// ErrUnreachable indicates a transient transport failure. It is the only class
	// that pipelines retry.
	ErrUnreachable = errors.New("unreachable")

	// ErrStreamClosed indicates the remote side dropped the stream unexpectedly.
	ErrStreamClosed = fmt.Errorf("%w: stream closed", ErrUnreachable)

	// ErrUnauthorized indicates a permission denial. Never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnexpected indicates a violated internal invariant.
	ErrUnexpected = errors.New("unexpected error")

	// ErrClosed is the benign end-of-session sentinel.
	ErrClosed = errors.New("closed")

	// ErrEOF signals an orderly end of stream from the remote side.
	ErrEOF = errors.New("EOF")
)

// Type identifies an error class on the wire.
type Type string

const (
	TypeNone         Type = ""
	TypeValidation   Type = "validation"
	TypeNotFound     Type = "not_found"
	TypeUnreachable  Type = "unreachable"
	TypeStreamClosed Type = "unreachable.stream_closed"
	TypeUnauthorized Type = "unauthorized"
	TypeUnexpected   Type = "unexpected"
	TypeClosed       Type = "closed"
	TypeEOF          Type = "eof"
	TypeUnknown      Type = "unknown"
)

// classes is ordered narrowest first so that Encode picks the most specific type.
var classes = []struct {
	t   Type
	err error
}{
	{TypeStreamClosed, ErrStreamClosed},
	{TypeUnreachable, ErrUnreachable},
	{TypeValidation, ErrValidation},
	{TypeNotFound, ErrNotFound},
	{TypeUnauthorized, ErrUnauthorized},
	{TypeUnexpected, ErrUnexpected},
	{TypeClosed, ErrClosed},
	{TypeEOF, ErrEOF},
}

// Payload is the wire representation of an error.
type Payload struct {
	Type    Type   `msgpack:"type" json:"type"`
	Message string `msgpack:"message" json:"message"`
}

// Encode converts err into a Payload. A nil error encodes to the zero Payload.
func Encode(err error) Payload {
	if err == nil {
		return Payload{}
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return Payload{Type: c.t, Message: err.Error()}
		}
	}
	return Payload{Type: TypeUnknown, Message: err.Error()}
}

// Decode converts a Payload back into an error of the same class. The zero
// Payload decodes to nil. Unknown types decode as ErrUnexpected.
func Decode(p Payload) error {
	if p.Type == TypeNone {
		return nil
	}
	for _, c := range classes {
		if c.t == p.Type {
			return &remoteError{class: c.err, msg: p.Message}
		}
	}
	return &remoteError{class: ErrUnexpected, msg: p.Message}
}

// remoteError carries the message produced by the remote side while keeping
// errors.Is working against the local class sentinels.
type remoteError struct {
	class error
	msg   string
}

func (e *remoteError) Error() string {
	if e.msg == "" {
		return e.class.Error()
	}
	return e.msg
}

func (e *remoteError) Unwrap() error { return e.class }

// Validationf returns a formatted ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns a formatted ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Unexpectedf returns a formatted ErrUnexpected.
func Unexpectedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnexpected, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether a pipeline should retry after err.
func IsRetryable(err error) bool { return errors.Is(err, ErrUnreachable) }
