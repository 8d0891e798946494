package backend

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind buckets adapter failures by how the router reacts to them.
type ErrorKind string

const (
	KindRateLimit      ErrorKind = "rate_limit"
	KindQuotaExhausted ErrorKind = "quota_exhausted"
	KindAuthentication ErrorKind = "authentication"
	KindTransient      ErrorKind = "transient_server"
	KindPermanent      ErrorKind = "permanent"
	KindUnknown        ErrorKind = "unknown"
)

// RateLimitError is a short-window throttle. RetryAfter is zero when the
// backend gave no hint.
type RateLimitError struct {
	Backend    string
	Model      string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s: %s", e.Backend, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("%s: rate limited: %s", e.Backend, e.Message)
}

// QuotaExhaustedError is a spent daily or billing quota. Retrying the
// same backend cannot succeed until the quota resets, so the router
// switches backends instead of sleeping.
type QuotaExhaustedError struct {
	Backend string
	Model   string
	Message string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("%s: quota exhausted: %s", e.Backend, e.Message)
}

type AuthenticationError struct {
	Backend string
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Backend, e.Message)
}

type TransientServerError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *TransientServerError) Error() string {
	return fmt.Sprintf("%s: server error (status %d): %s", e.Backend, e.StatusCode, e.Message)
}

type PermanentError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent error (status %d): %s", e.Backend, e.StatusCode, e.Message)
}

// KindOf classifies err, unwrapping as needed.
func KindOf(err error) ErrorKind {
	var (
		rl *RateLimitError
		qe *QuotaExhaustedError
		ae *AuthenticationError
		ts *TransientServerError
		pe *PermanentError
	)
	switch {
	case errors.As(err, &rl):
		return KindRateLimit
	case errors.As(err, &qe):
		return KindQuotaExhausted
	case errors.As(err, &ae):
		return KindAuthentication
	case errors.As(err, &ts):
		return KindTransient
	case errors.As(err, &pe):
		return KindPermanent
	}
	return KindUnknown
}

// Retryable reports whether the same backend and model are worth another
// attempt. Quota, auth and permanent failures are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransient:
		return true
	}
	return false
}

// RetryAfterHint extracts the server-advertised wait, zero when absent.
func RetryAfterHint(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
