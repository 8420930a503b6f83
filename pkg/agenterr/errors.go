// Package agenterr defines the classified errors shared by the agent's
// session, queue, worker and module layers.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the layer that must react to it.
type Kind string

const (
	// KindProtocol is a malformed or unsupported request. The session answers
	// with a response code and continues.
	KindProtocol Kind = "protocol"

	// KindAuth is a failed authentication attempt.
	KindAuth Kind = "auth"

	// KindTransport is a connection level failure: TLS, timeouts, resets.
	// It ends the affected session only.
	KindTransport Kind = "transport"

	// KindPersistence is a batch queue filesystem failure.
	KindPersistence Kind = "persistence"

	// KindModule is a failure reported by or while reaching a module.
	KindModule Kind = "module"
)

// Error is a classified agent error.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Op names the operation that failed.
	Op string `json:"op,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Code is the protocol response code to report, if any.
	Code int `json:"code,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s (op=%s)", e.Kind, e.Message, e.Op)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewProtocolError creates a protocol error carrying a response code.
func NewProtocolError(code int, message string) *Error {
	e := newError(KindProtocol, message, nil)
	e.Code = code
	return e
}

// NewAuthError creates an authentication error.
func NewAuthError(message string, err error) *Error {
	return newError(KindAuth, message, err)
}

// NewTransportError creates a transport error.
func NewTransportError(message string, err error) *Error {
	return newError(KindTransport, message, err)
}

// NewPersistenceError creates a persistence error.
func NewPersistenceError(message string, err error) *Error {
	return newError(KindPersistence, message, err)
}

// NewModuleError creates a module error.
func NewModuleError(message string, err error) *Error {
	return newError(KindModule, message, err)
}

// WithOp sets the failing operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithCode sets the response code.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the response code of the first *Error in the chain.
// The second result is false when no classified error carries a code.
func CodeOf(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code != 0 {
		return e.Code, true
	}
	return 0, false
}

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }

// IsAuth reports whether err is an authentication error.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsPersistence reports whether err is a persistence error.
func IsPersistence(err error) bool { return KindOf(err) == KindPersistence }

// IsModule reports whether err is a module error.
func IsModule(err error) bool { return KindOf(err) == KindModule }
