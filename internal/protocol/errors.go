package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol client failure.
type Kind string

const (
	KindSerialUnsupported  Kind = "serial_unsupported"
	KindSerialUnavailable  Kind = "serial_unavailable"
	KindNotConnected       Kind = "not_connected"
	KindFrameTooLarge      Kind = "frame_too_large"
	KindTimeout            Kind = "timeout"
	KindConnectionClosed   Kind = "connection_closed"
	KindInvalidJSON        Kind = "invalid_json"
	KindInvalidEnvelope    Kind = "invalid_envelope"
	KindUnsupportedVersion Kind = "unsupported_version"
	KindInvalidPayload     Kind = "invalid_payload"
	KindInvalidAck         Kind = "invalid_ack"
	KindInvalidNack        Kind = "invalid_nack"
	KindUnexpectedResponse Kind = "unexpected_response"
	KindInvalidConfig      Kind = "invalid_config"
	KindInvalidPackage     Kind = "invalid_package"
	KindDevice             Kind = "device_error"
	KindNack               Kind = "nack"
	KindBusy               Kind = "busy"
)

// Error is the error type returned by the protocol client. Code carries the
// device supplied code for device_error and nack kinds.
type Error struct {
	Kind        Kind
	RequestType string
	Code        string
	Message     string
	Retryable   bool
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", msg, e.Err)
	}
	return "protocol: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can compare against the
// sentinel values below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrSerialUnsupported  = &Error{Kind: KindSerialUnsupported}
	ErrSerialUnavailable  = &Error{Kind: KindSerialUnavailable}
	ErrNotConnected       = &Error{Kind: KindNotConnected}
	ErrFrameTooLarge      = &Error{Kind: KindFrameTooLarge}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrConnectionClosed   = &Error{Kind: KindConnectionClosed}
	ErrInvalidJSON        = &Error{Kind: KindInvalidJSON}
	ErrInvalidEnvelope    = &Error{Kind: KindInvalidEnvelope}
	ErrUnsupportedVersion = &Error{Kind: KindUnsupportedVersion}
	ErrInvalidPayload     = &Error{Kind: KindInvalidPayload}
	ErrInvalidAck         = &Error{Kind: KindInvalidAck}
	ErrInvalidNack        = &Error{Kind: KindInvalidNack}
	ErrUnexpectedResponse = &Error{Kind: KindUnexpectedResponse}
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrInvalidPackage     = &Error{Kind: KindInvalidPackage}
	ErrDevice             = &Error{Kind: KindDevice}
	ErrNack               = &Error{Kind: KindNack}
	ErrBusy               = &Error{Kind: KindBusy}
)

// NewError builds an *Error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// TimeoutError reports that no response to requestType arrived in time.
func TimeoutError(requestType string) *Error {
	return &Error{
		Kind:        KindTimeout,
		RequestType: requestType,
		Message:     fmt.Sprintf("timed out waiting for %s response", requestType),
		Retryable:   true,
	}
}

// ClosedError reports that the connection went away while requestType was pending.
func ClosedError(reason string) *Error {
	msg := "connection closed"
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{Kind: KindConnectionClosed, Message: msg, Retryable: true}
}

// KindOf returns the Kind of err, or "" when err is not a protocol error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err carries the retryable hint.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
