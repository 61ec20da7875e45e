package reliability

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error code surfaced on the wire.
type Kind string

const (
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindInvalidSequence     Kind = "invalid_sequence"
	KindSessionNotFound     Kind = "session_not_found"
	KindSessionExpired      Kind = "session_expired"
	KindProtocolViolation   Kind = "protocol_violation"
	KindInternal            Kind = "internal"
)

var (
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidSequence     = errors.New("invalid audio sequence")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrProtocolViolation   = errors.New("protocol violation")
)

var sentinels = map[Kind]error{
	KindCapacityExceeded:    ErrCapacityExceeded,
	KindProviderUnavailable: ErrProviderUnavailable,
	KindInvalidSequence:     ErrInvalidSequence,
	KindSessionNotFound:     ErrSessionNotFound,
	KindSessionExpired:      ErrSessionExpired,
	KindProtocolViolation:   ErrProtocolViolation,
}

// Error is a classified failure. Message is meant for users; Kind for clients
// and logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// New builds a classified error wrapping cause (which may be nil).
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

func (e *Error) Error() string {
	var msg string
	if e.Op != "" {
		msg = e.Op + ": "
	}
	msg += string(e.Kind)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind so callers can use errors.Is(err, ErrX).
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf extracts the taxonomy kind from err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindInternal
}

// UserMessage returns the human-readable text for err.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	switch KindOf(err) {
	case KindCapacityExceeded:
		return "The assistant is at capacity. Please try again shortly."
	case KindProviderUnavailable:
		return "The speech service is temporarily unavailable."
	case KindInvalidSequence:
		return "An audio chunk arrived out of order and was skipped."
	case KindSessionNotFound:
		return "This conversation does not exist. Please start a new one."
	case KindSessionExpired:
		return "This conversation has expired. Please start a new one."
	case KindProtocolViolation:
		return "The client sent a message the server could not understand."
	default:
		return "Something went wrong."
	}
}

// ProviderUnavailable wraps a provider failure.
func ProviderUnavailable(op string, cause error) *Error {
	return New(KindProviderUnavailable, op, "", cause)
}
