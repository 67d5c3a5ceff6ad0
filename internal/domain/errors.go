package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session layer. Every error surfaced at the public
// boundary wraps exactly one of these; callers classify with errors.Is.
var (
	// ErrConfiguration marks invalid proxy or request parameters. Detected
	// synchronously, before any I/O, and never retried.
	ErrConfiguration = fmt.Errorf("invalid configuration")

	// ErrConnectionFailed marks a failed connection attempt (DNS, TCP, TLS,
	// proxy rejection, auth rejection). Surfaced to the connect caller.
	ErrConnectionFailed = fmt.Errorf("connection failed")

	// ErrConnectionTimeout marks a single request that exceeded its deadline
	// while the connection stayed usable.
	ErrConnectionTimeout = fmt.Errorf("request timed out")

	// ErrConnectionClosed is delivered to every request still pending when
	// the session disconnects.
	ErrConnectionClosed = fmt.Errorf("connection closed")

	// ErrServiceInactive marks an operation attempted on a session that is
	// disconnecting, closed, or failed. No I/O is attempted.
	ErrServiceInactive = fmt.Errorf("service inactive")

	// ErrProtocol marks a malformed inbound frame. Logged and dropped; the
	// connection continues.
	ErrProtocol = fmt.Errorf("protocol error")

	// ErrAlreadyAcknowledged marks a second use of an event's one-shot
	// acknowledgment token.
	ErrAlreadyAcknowledged = fmt.Errorf("event already acknowledged")
)

// SessionError wraps a sentinel error with operation context.
type SessionError struct {
	Op     string // operation name (e.g., "Session.Send")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *SessionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NewSessionError creates a new SessionError.
func NewSessionError(op string, err error, detail string) *SessionError {
	return &SessionError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and for
// bindings that cannot carry Go error chains across their boundary.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeConfiguration       ErrorCode = "CONFIGURATION"
	CodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"
	CodeConnectionTimeout   ErrorCode = "CONNECTION_TIMEOUT"
	CodeConnectionClosed    ErrorCode = "CONNECTION_CLOSED"
	CodeServiceInactive     ErrorCode = "SERVICE_INACTIVE"
	CodeProtocol            ErrorCode = "PROTOCOL"
	CodeAlreadyAcknowledged ErrorCode = "ALREADY_ACKNOWLEDGED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrConfiguration:       CodeConfiguration,
	ErrConnectionFailed:    CodeConnectionFailed,
	ErrConnectionTimeout:   CodeConnectionTimeout,
	ErrConnectionClosed:    CodeConnectionClosed,
	ErrServiceInactive:     CodeServiceInactive,
	ErrProtocol:            CodeProtocol,
	ErrAlreadyAcknowledged: CodeAlreadyAcknowledged,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps SessionError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var se *SessionError
	if errors.As(err, &se) {
		if code, ok := errorCodeMap[se.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this SessionError's underlying sentinel.
func (e *SessionError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
