package bridge

import (
	"errors"
	"fmt"
)

// HTTP-like status codes used for locally generated errors. Remote JSON-RPC
// errors keep their (negative) protocol codes, so the two ranges never clash.
const (
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error represents a transport-level or remote tool failure. It includes the
// request context (if applicable), a message, an HTTP-like or JSON-RPC status
// code, and whether the condition is temporary (retryable).
type Error struct {
	RequestID string      `json:"requestId,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("request %s: %s (code: %d)", e.RequestID, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			RequestID: e.RequestID,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(requestID, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusBadRequest,
		RequestID: requestID,
		Temporary: false,
	}
}

func internal(requestID, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusInternalServerError,
		RequestID: requestID,
		Temporary: false,
	}
}

func unavailable(requestID, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusServiceUnavailable,
		RequestID: requestID,
		Temporary: true,
	}
}

func timeout(requestID, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusGatewayTimeout,
		RequestID: requestID,
		Temporary: true,
	}
}

// IsTimeout reports whether err is a call that expired without a correlated
// stream event.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == StatusGatewayTimeout
}

// IsDisconnected reports whether err was caused by the push stream closing
// while the call was pending.
func IsDisconnected(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == StatusServiceUnavailable
}
