package relaygate

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	// Authentication.
	ErrMissingCredential = errors.New("relaygate: missing credential")
	ErrInvalidFormat     = errors.New("relaygate: malformed credential")
	ErrInvalidKey        = errors.New("relaygate: invalid or expired api key")
	ErrInvalidSession    = errors.New("relaygate: invalid or expired session")

	// Admission.
	ErrClientNotAllowed    = errors.New("relaygate: client not allowed")
	ErrConcurrencyExceeded = errors.New("relaygate: concurrency limit exceeded")
	ErrRateLimitExceeded   = errors.New("relaygate: rate limit exceeded")
	ErrCostLimitExceeded   = errors.New("relaygate: cost limit exceeded")
	ErrModelNotAllowed     = errors.New("relaygate: model not allowed for this key")

	// Scheduling.
	ErrNoAccountAvailable = errors.New("relaygate: no eligible upstream account")
	ErrAccountNotFound    = errors.New("relaygate: account not found")

	// Upstream signals reported by the dispatcher.
	ErrUpstreamRateLimited  = errors.New("relaygate: upstream rate limited")
	ErrUpstreamUnauthorized = errors.New("relaygate: upstream unauthorized")
	ErrUpstreamOverloaded   = errors.New("relaygate: upstream overloaded")

	ErrStoreUnavailable = errors.New("relaygate: counter store unavailable")
)

// RateLimitAxis identifies which dimension of a rate window was exhausted.
type RateLimitAxis string

const (
	AxisRequests RateLimitAxis = "requests"
	AxisTokens   RateLimitAxis = "tokens"
)

// AuthError wraps an authentication failure with the credential source
// that produced it.
type AuthError struct {
	Err    error
	Source string // "api-key", "session", "admin"
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("relaygate: auth via %s: %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CostViolation describes one cost period over its limit.
type CostViolation struct {
	Period  Period  `json:"period"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
}

// AdmissionError carries the context a rejected caller needs to self-serve:
// the limit that was hit, the current value, and when it resets.
type AdmissionError struct {
	Err        error
	Limit      int64
	Current    int64
	Axis       RateLimitAxis
	ResetAt    time.Time
	Violations []CostViolation
}

func (e *AdmissionError) Error() string {
	switch {
	case errors.Is(e.Err, ErrConcurrencyExceeded):
		return fmt.Sprintf("relaygate: concurrency limit exceeded (current=%d limit=%d)", e.Current, e.Limit)
	case errors.Is(e.Err, ErrRateLimitExceeded):
		return fmt.Sprintf("relaygate: rate limit exceeded (%s, current=%d limit=%d, resets %s)",
			e.Axis, e.Current, e.Limit, e.ResetAt.Format(time.RFC3339))
	case errors.Is(e.Err, ErrCostLimitExceeded):
		return fmt.Sprintf("relaygate: cost limit exceeded (%d period(s) violated)", len(e.Violations))
	default:
		return e.Err.Error()
	}
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// RemainingMinutes returns whole minutes until the window resets, rounded up.
// Zero when no reset time is known.
func (e *AdmissionError) RemainingMinutes() int {
	if e.ResetAt.IsZero() {
		return 0
	}
	d := time.Until(e.ResetAt)
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

// UpstreamError wraps a provider-reported failure with its retry hint.
type UpstreamError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("relaygate: upstream status=%d: %v", e.StatusCode, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is terminal at the authentication stage.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidSession)
}

// IsAdmissionError reports whether err is a budget rejection that heals
// over time (the caller may retry after the reported reset).
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrConcurrencyExceeded) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrCostLimitExceeded) ||
		errors.Is(err, ErrClientNotAllowed)
}

// IsRetryableUpstream reports whether the dispatcher may re-select another
// account after this upstream failure.
func IsRetryableUpstream(err error) bool {
	return errors.Is(err, ErrUpstreamRateLimited) ||
		errors.Is(err, ErrUpstreamOverloaded)
}
