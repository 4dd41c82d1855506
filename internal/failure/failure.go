// Package failure classifies send and refresh errors into the classes the
// retry machinery understands.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Class is the retry-relevant category of a failure.
type Class string

const (
	Unknown            Class = "unknown"
	NetworkUnavailable Class = "network_unavailable"
	NetworkTimeout     Class = "network_timeout"
	ServerError        Class = "server_error"
	RateLimited        Class = "rate_limited"
	AuthInvalid        Class = "auth_invalid"
	ContentRejected    Class = "content_rejected"
)

// Temporary reports whether a failure of this class is recovered by retrying.
func (c Class) Temporary() bool {
	switch c {
	case AuthInvalid, ContentRejected:
		return false
	default:
		return true
	}
}

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	switch c {
	case Unknown, NetworkUnavailable, NetworkTimeout, ServerError, RateLimited, AuthInvalid, ContentRejected:
		return true
	}
	return false
}

// Error is a failure that has already been classified by the transport.
type Error struct {
	Class      Class
	Message    string
	StatusCode int
	// ResetAt is the server-provided time after which a retry may succeed.
	ResetAt time.Time
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(class Class, message string) *Error {
	return &Error{Class: class, Message: message}
}

// Wrap classifies an existing error.
func Wrap(class Class, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// Classify maps an arbitrary error to a Class. A *Error anywhere in the chain
// wins over the heuristics.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NetworkTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NetworkUnavailable
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ECONNRESET) {
		return NetworkUnavailable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NetworkUnavailable
	}

	return Unknown
}

// FromStatus maps an HTTP status code of a failed response to a Class.
func FromStatus(code int) Class {
	switch {
	case code == 429:
		return RateLimited
	case code == 401:
		return AuthInvalid
	case code == 408:
		return NetworkTimeout
	case code >= 500:
		return ServerError
	case code >= 400:
		return ContentRejected
	default:
		return Unknown
	}
}

// Hint returns how long to wait before the server-provided reset time carried
// by err, or 0 when none is known or it has already passed.
func Hint(err error, now time.Time) time.Duration {
	var fe *Error
	if !errors.As(err, &fe) || fe.ResetAt.IsZero() {
		return 0
	}
	if d := fe.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
