// Package errs defines the closed set of tagged error kinds hearth-node
// components return, so the control socket and logging layer can classify
// a failure without parsing error strings.
package errs

import "fmt"

// Kind is a closed enumeration of error categories. New values are never
// added without updating every switch over Kind in internal/control and
// internal/runtime.
type Kind string

const (
	ConfigError       Kind = "config_error"
	InputError        Kind = "input_error"
	PolicyError       Kind = "policy_error"
	VerificationError Kind = "verification_error"
	NetworkError      Kind = "network_error"
	StorageError      Kind = "storage_error"
	ProtocolError     Kind = "protocol_error"
)

// Error is a tagged error: every hearth-node component that returns an
// error an operator or peer-facing surface needs to classify wraps it in
// one of these rather than returning a bare fmt.Errorf.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New creates a tagged Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap creates a tagged Error that preserves cause for errors.Is/As and
// %w-style unwrapping.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Kind returns the error's category.
func (e *Error) Kind() string {
	return string(e.kind)
}

// Unwrap supports errors.Is/errors.As over the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error of the same Kind, letting
// callers write errors.Is(err, errs.New(errs.PolicyError, "")) style
// checks against a kind regardless of message.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == other.kind
}

// Config, Input, Policy, Verification, Network, Storage, and Protocol are
// convenience constructors for the corresponding Kind.
func Config(format string, args ...interface{}) *Error {
	return New(ConfigError, fmt.Sprintf(format, args...))
}

func Input(format string, args ...interface{}) *Error {
	return New(InputError, fmt.Sprintf(format, args...))
}

func Policy(format string, args ...interface{}) *Error {
	return New(PolicyError, fmt.Sprintf(format, args...))
}

func Verification(format string, args ...interface{}) *Error {
	return New(VerificationError, fmt.Sprintf(format, args...))
}

func Network(format string, args ...interface{}) *Error {
	return New(NetworkError, fmt.Sprintf(format, args...))
}

func Storage(format string, args ...interface{}) *Error {
	return New(StorageError, fmt.Sprintf(format, args...))
}

func Protocol(format string, args ...interface{}) *Error {
	return New(ProtocolError, fmt.Sprintf(format, args...))
}
