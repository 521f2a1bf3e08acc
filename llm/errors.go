package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

const (
	KindRateLimit   ErrorKind = "rate_limit"
	KindOverloaded  ErrorKind = "overloaded"
	KindUnavailable ErrorKind = "unavailable"
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "auth"
	KindBadRequest  ErrorKind = "bad_request"
	KindUnknown     ErrorKind = "unknown"
)

// Error is a classified provider error.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Provider   string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) ErrorKind {
	switch status {
	case 429:
		return KindRateLimit
	case 529:
		return KindOverloaded
	case 500, 502, 503, 504:
		return KindUnavailable
	case 401, 403:
		return KindAuth
	case 400, 404, 413, 422:
		return KindBadRequest
	}
	return KindUnknown
}

// NewStatusError wraps err with a kind derived from the HTTP status.
func NewStatusError(provider string, status int, err error) *Error {
	return &Error{Kind: KindForStatus(status), StatusCode: status, Provider: provider, Err: err}
}

// Classify wraps an error returned by a provider SDK when it was not
// classified by status code. Context errors pass through untouched so
// cancellation is never retried.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindNetwork, Provider: provider, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "overloaded"):
		return &Error{Kind: KindOverloaded, Provider: provider, Err: err}
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return &Error{Kind: KindRateLimit, Provider: provider, Err: err}
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "timeout"), strings.Contains(msg, "temporary"):
		return &Error{Kind: KindNetwork, Provider: provider, Err: err}
	}
	return &Error{Kind: KindUnknown, Provider: provider, Err: err}
}

// IsTransient reports whether err is worth retrying: rate limits,
// overload, unavailability and network failures.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindRateLimit, KindOverloaded, KindUnavailable, KindNetwork:
		return true
	}
	return false
}
