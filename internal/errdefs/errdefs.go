// Package errdefs defines the closed error taxonomy surfaced by the sandbox.
package errdefs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration Kind = "ConfigurationError"
	KindSecurity      Kind = "SandboxSecurityError"
	KindTimeout       Kind = "SandboxTimeoutError"
	KindResource      Kind = "SandboxResourceError"
	KindSandbox       Kind = "SandboxError"
)

// Reason narrows a KindSandbox error.
type Reason string

const (
	ReasonProtocolViolation Reason = "PROTOCOL_VIOLATION"
	ReasonStartupFailed     Reason = "STARTUP_FAILED"
	ReasonCrashed           Reason = "CRASHED"
	ReasonConverterFailed   Reason = "CONVERTER_FAILED"
	ReasonRejected          Reason = "REJECTED"
	ReasonCancelled         Reason = "CANCELLED"
)

// Error is the typed failure returned for a sandbox run.
type Error struct {
	Kind    Kind   `json:"kind"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`

	Err error `json:"-"`
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Reason != "" {
		s += "(" + string(e.Reason) + ")"
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrSecurity      = &Error{Kind: KindSecurity}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrResource      = &Error{Kind: KindResource}
	ErrSandbox       = &Error{Kind: KindSandbox}

	ErrProtocolViolation = &Error{Kind: KindSandbox, Reason: ReasonProtocolViolation}
	ErrStartupFailed     = &Error{Kind: KindSandbox, Reason: ReasonStartupFailed}
	ErrCrashed           = &Error{Kind: KindSandbox, Reason: ReasonCrashed}
	ErrConverterFailed   = &Error{Kind: KindSandbox, Reason: ReasonConverterFailed}
	ErrRejected          = &Error{Kind: KindSandbox, Reason: ReasonRejected}
	ErrCancelled         = &Error{Kind: KindSandbox, Reason: ReasonCancelled}
)

func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

func Security(message, detail string) *Error {
	return &Error{Kind: KindSecurity, Message: message, Detail: detail}
}

func Timeout(message, detail string) *Error {
	return &Error{Kind: KindTimeout, Message: message, Detail: detail}
}

func Resource(message, detail string) *Error {
	return &Error{Kind: KindResource, Message: message, Detail: detail}
}

func Sandbox(reason Reason, message, detail string) *Error {
	return &Error{Kind: KindSandbox, Reason: reason, Message: message, Detail: detail}
}

// Wrap attaches a cause to a new typed error.
func Wrap(err error, kind Kind, reason Reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Err: err}
}

// As extracts the typed error from err. Untyped errors become crashes so
// callers never see an unclassified failure.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindSandbox, Reason: ReasonCrashed, Message: "unclassified failure", Err: err}
}

// Valid reports whether k belongs to the taxonomy.
func (k Kind) Valid() bool {
	switch k {
	case KindConfiguration, KindSecurity, KindTimeout, KindResource, KindSandbox:
		return true
	}
	return false
}
