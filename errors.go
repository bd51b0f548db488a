// Package iothub is a device-side client SDK for a cloud IoT service:
// authentication, telemetry egress, cloud-to-device messaging, device twin
// sync, and direct methods over MQTT.
package iothub

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a closed set of error categories, stable across releases so
// callers can branch on them without depending on message text.
type Kind int

const (
	Unknown Kind = iota
	QuotaExceeded
	DeviceMessageLockLost
	DeviceNotFound
	NetworkErrors
	Suspended
	PreconditionFailed
	MessageTooLarge
	ServerBusy
	ServerError
	Unauthorized
	TlsAuthenticationError
	Timeout
	Throttled
	ArgumentInvalid
)

// StatusCode returns the well-known HTTP-shaped status code associated with
// kinds that carry one, or 0 for kinds that don't.
func (k Kind) StatusCode() int {
	switch k {
	case Timeout:
		return 408
	case Throttled:
		return 429
	case ArgumentInvalid:
		return 400004
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case Unknown:
		return "Unknown"
	case QuotaExceeded:
		return "QuotaExceeded"
	case DeviceMessageLockLost:
		return "DeviceMessageLockLost"
	case DeviceNotFound:
		return "DeviceNotFound"
	case NetworkErrors:
		return "NetworkErrors"
	case Suspended:
		return "Suspended"
	case PreconditionFailed:
		return "PreconditionFailed"
	case MessageTooLarge:
		return "MessageTooLarge"
	case ServerBusy:
		return "ServerBusy"
	case ServerError:
		return "ServerError"
	case Unauthorized:
		return "Unauthorized"
	case TlsAuthenticationError:
		return "TlsAuthenticationError"
	case Timeout:
		return "Timeout"
	case Throttled:
		return "Throttled"
	case ArgumentInvalid:
		return "ArgumentInvalid"
	default:
		return "Unknown"
	}
}

// transientKinds is the set of Kind values an upper-layer retry.Policy
// should consider worth retrying.
var transientKinds = map[Kind]bool{
	NetworkErrors: true,
	ServerBusy:    true,
	ServerError:   true,
	Timeout:       true,
	Throttled:     true,
}

// Error is the error type every exported operation returns on failure.
type Error struct {
	Kind       Kind
	Message    string
	TrackingID string
	Cause      error
}

// NewError constructs an *Error of the given kind, wrapping cause (if any)
// with a stack trace via github.com/pkg/errors so Cause() retains context
// for logging without exposing it as part of the string representation
// callers might match against.
func NewError(kind Kind, message string, cause error) *Error {
	e := &Error{Kind: kind, Message: message}
	if cause != nil {
		e.Cause = errors.WithStack(cause)
	}
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether e's Kind is one an upper-layer retry.Policy
// should retry. It satisfies the transientError interface retry.Policy
// checks for, without this package importing retry.
func (e *Error) IsTransient() bool {
	return transientKinds[e.Kind]
}

// IsKind reports whether err is an *Error of the given kind, unwrapping
// through any %w-wrapped chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
