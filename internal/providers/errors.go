package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error is a structured upstream failure shared by all provider adapters.
// It keeps the upstream status and Retry-After hint so the key router can
// classify auth failures, rate limits, and outages without string matching.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Retry      time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// RetryAfter implements RetryAfterer. Zero when the upstream sent no hint.
func (e *Error) RetryAfter() time.Duration { return e.Retry }

// IsAuthFailure reports whether err is an upstream 401/403.
func IsAuthFailure(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode == 401 || pe.StatusCode == 403
	}
	return false
}

// IsRateLimited reports whether err is an upstream 429.
func IsRateLimited(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode == 429
	}
	return false
}

// IsUnavailable reports whether err warrants failing over to the next
// provider key: 5xx, timeouts, and transport-level failures.
func IsUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500 && pe.StatusCode < 600
	}
	// Transport errors carry no status — treat as an outage.
	return !errors.Is(err, context.Canceled)
}
