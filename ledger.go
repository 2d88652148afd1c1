package relaygate

import (
	"context"
	"time"
)

// Window is the live rate-limit window for one principal.
type Window struct {
	StartedAt time.Time
	Duration  time.Duration
	Requests  int64
	Tokens    int64
}

// ResetAt returns when the window expires.
func (w Window) ResetAt() time.Time { return w.StartedAt.Add(w.Duration) }

// CostSnapshot is the running cost per accounting period for one principal.
type CostSnapshot struct {
	Daily   float64
	Weekly  float64
	Monthly float64
	Total   float64
}

// For returns the running cost for a period.
func (c CostSnapshot) For(period Period) float64 {
	switch period {
	case PeriodDaily:
		return c.Daily
	case PeriodWeekly:
		return c.Weekly
	case PeriodMonthly:
		return c.Monthly
	case PeriodTotal:
		return c.Total
	}
	return 0
}

// LedgerStore is the shared counter store behind the admission gates and
// the scheduler's session affinity. It is the single source of truth for
// all counters; implementations must make every mutation atomic.
//
// Backends: store.Memory for tests and single-node deployments,
// store/redis for multi-instance deployments.
type LedgerStore interface {
	// IncrConcurrency atomically increments the live-lease counter and
	// returns the post-increment value.
	IncrConcurrency(ctx context.Context, principalID string) (int64, error)

	// DecrConcurrency atomically decrements the live-lease counter and
	// returns the post-decrement value. The counter never goes below zero.
	DecrConcurrency(ctx context.Context, principalID string) (int64, error)

	// Concurrency returns the current live-lease count.
	Concurrency(ctx context.Context, principalID string) (int64, error)

	// EnsureWindow atomically initializes the rate window when it is absent
	// or expired (start=now, counts=0, TTL=duration, set together), and
	// returns the active window. Two racing initializations must agree on
	// a single windowStart.
	EnsureWindow(ctx context.Context, principalID string, duration time.Duration) (Window, error)

	// IncrWindowRequests increments the request count of the active window
	// and returns the new count.
	IncrWindowRequests(ctx context.Context, principalID string) (int64, error)

	// AddWindowTokens adds reported token usage to the active window.
	AddWindowTokens(ctx context.Context, principalID string, tokens int64) error

	// AddCost adds a completed request's dollar cost to every accounting
	// period at once.
	AddCost(ctx context.Context, principalID string, amount float64) error

	// Costs returns the running cost per period.
	Costs(ctx context.Context, principalID string) (CostSnapshot, error)

	// BindSession maps a session hash to an account id for the affinity TTL.
	BindSession(ctx context.Context, sessionHash, accountID string, ttl time.Duration) error

	// SessionAccount returns the account id bound to a session hash, or ""
	// when no binding exists.
	SessionAccount(ctx context.Context, sessionHash string) (string, error)

	// UnbindSession drops a session binding (e.g. the bound account became
	// ineligible).
	UnbindSession(ctx context.Context, sessionHash string) error
}
