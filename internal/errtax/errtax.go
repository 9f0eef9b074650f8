// Package errtax centralizes the error_type taxonomy used across node
// execution, graph error policy, and the command plane's reply envelope.
package errtax

import (
	"errors"
	"strings"
)

// Type is one of the standardized error_type values a Result may carry.
type Type string

const (
	InvalidRequest  Type = "invalid_request_error"
	Authentication  Type = "authentication_error"
	Permission      Type = "permission_error"
	NotFound        Type = "not_found_error"
	RateLimit       Type = "rate_limit_error"
	API             Type = "api_error"
	Network         Type = "network_error"
	Timeout         Type = "timeout"
	NodeStopped     Type = "node_stopped"
	ExecutionError  Type = "execution_error"
	GenericNotFound Type = "not_found"
	Internal        Type = "internal_error"
)

// Retryable reports whether a graph step with this error_type is a good
// candidate for its ErrorPolicy's retry_count.
func (t Type) Retryable() bool {
	switch t {
	case RateLimit, Timeout, Network, API:
		return true
	default:
		return false
	}
}

// Error pairs a classified Type with the underlying cause.
type Error struct {
	ErrType Type
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause under the given error_type with message.
func New(errType Type, message string, cause error) *Error {
	return &Error{ErrType: errType, Message: message, Cause: cause}
}

// As extracts an *Error from err, if any wraps it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassifyStatus maps an HTTP-ish status code to an error_type.
func ClassifyStatus(status int) Type {
	switch {
	case status == 401 || status == 403:
		return Authentication
	case status == 404:
		return NotFound
	case status == 429:
		return RateLimit
	case status == 400:
		return InvalidRequest
	case status >= 500 && status < 600:
		return API
	default:
		return Internal
	}
}

// Classify inspects err's text for well-known substrings when no status
// code is available, falling back to Internal when nothing matches.
func Classify(err error) Type {
	if err == nil {
		return ""
	}
	var taxErr *Error
	if errors.As(err, &taxErr) {
		return taxErr.ErrType
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Timeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return RateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "forbidden"):
		return Authentication
	case strings.Contains(msg, "not found"), strings.Contains(msg, "404"):
		return NotFound
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "network"):
		return Network
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "400"), strings.Contains(msg, "bad request"):
		return InvalidRequest
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return API
	default:
		return Internal
	}
}
