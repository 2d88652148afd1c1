package relaygate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome is what the dispatcher reports back after an upstream call.
type Outcome struct {
	Success      bool
	RateLimited  bool
	Unauthorized bool
	RetryAfter   time.Duration // from the upstream retry hint, 0 = unknown
	Reason       string
}

// AccountPool is the registry of upstream accounts with their
// health/rate-limit/schedulability state. All methods are safe for
// concurrent use.
type AccountPool struct {
	mu       sync.RWMutex
	accounts map[string]*UpstreamAccount
	groups   map[string]*AccountGroup

	notifier        Notifier
	defaultCooldown time.Duration
}

// PoolOption configures an AccountPool.
type PoolOption func(*AccountPool)

// WithNotifier sets the anomaly notifier.
func WithNotifier(n Notifier) PoolOption {
	return func(p *AccountPool) { p.notifier = n }
}

// WithDefaultCooldown sets the rate-limit duration used when the upstream
// gives no retry hint (default 1h).
func WithDefaultCooldown(d time.Duration) PoolOption {
	return func(p *AccountPool) { p.defaultCooldown = d }
}

// NewAccountPool creates an empty pool.
func NewAccountPool(opts ...PoolOption) *AccountPool {
	p := &AccountPool{
		accounts:        make(map[string]*UpstreamAccount),
		groups:          make(map[string]*AccountGroup),
		notifier:        NoopNotifier{},
		defaultCooldown: time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers an account. An existing account with the same id is
// replaced (administrative refresh).
func (p *AccountPool) Add(acc *UpstreamAccount) error {
	if acc.ID == "" {
		return fmt.Errorf("relaygate: pool: account id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[acc.ID] = acc
	return nil
}

// AddGroup registers an account group.
func (p *AccountPool) AddGroup(g *AccountGroup) error {
	if g.ID == "" {
		return fmt.Errorf("relaygate: pool: group id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[g.ID] = g
	return nil
}

// Get returns a copy of the account, so callers never hold a reference
// into the pool's mutable state.
func (p *AccountPool) Get(id string) (UpstreamAccount, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acc, ok := p.accounts[id]
	if !ok {
		return UpstreamAccount{}, false
	}
	return *acc, true
}

// Group returns the group definition for an id.
func (p *AccountPool) Group(id string) (AccountGroup, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[id]
	if !ok {
		return AccountGroup{}, false
	}
	return *g, true
}

// Eligible returns copies of the accounts that may serve a request on the
// given platform, scoped to groupID when non-empty. Expired rate limits
// and rolled-over daily quotas are cleared lazily here, so an account
// whose resetAt has passed becomes eligible on the very next call.
func (p *AccountPool) Eligible(platform Platform, groupID string) []UpstreamAccount {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []UpstreamAccount
	for _, acc := range p.accounts {
		if acc.Platform != platform {
			continue
		}
		// Grouped accounts only serve their own group; shared accounts only
		// serve the shared pool. Dedicated accounts are pin-only.
		if groupID != "" {
			if acc.GroupID != groupID {
				continue
			}
		} else {
			if acc.Type != AccountShared {
				continue
			}
		}
		if !p.eligibleLocked(acc, now) {
			continue
		}
		out = append(out, *acc)
	}

	// Deterministic order for strategies and tests.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EligibleByID reports whether one specific account may serve a request
// right now (used for pinning and affinity checks). Lazily clears expired
// state the same way Eligible does.
func (p *AccountPool) EligibleByID(id string) bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[id]
	if !ok {
		return false
	}
	return p.eligibleLocked(acc, now)
}

// eligibleLocked applies the eligibility filter, mutating expired state in
// place. Caller holds p.mu.
func (p *AccountPool) eligibleLocked(acc *UpstreamAccount, now time.Time) bool {
	if !acc.Schedulable {
		return false
	}

	if acc.RateLimitExpired(now) {
		p.clearRateLimitLocked(acc)
	}
	if acc.Status == StatusQuotaExceeded && acc.QuotaRolledOver(now) {
		acc.Status = StatusActive
		acc.QuotaUsed = 0
		acc.QuotaDay = startOfDayUTC(now)
	}

	switch acc.Status {
	case StatusUnauthorized, StatusQuotaExceeded, StatusRateLimited:
		return false
	}
	return true
}

// ReportOutcome records an upstream call result and applies the matching
// state transition.
func (p *AccountPool) ReportOutcome(ctx context.Context, accountID string, outcome Outcome) {
	switch {
	case outcome.Unauthorized:
		p.MarkUnauthorized(ctx, accountID, outcome.Reason)
	case outcome.RateLimited:
		d := outcome.RetryAfter
		if d <= 0 {
			d = p.defaultCooldown
		}
		p.MarkRateLimited(accountID, d)
	case outcome.Success:
		p.mu.Lock()
		if acc, ok := p.accounts[accountID]; ok && acc.Status == StatusRateLimited {
			// A success on a supposedly limited account means the upstream
			// recovered early.
			p.clearRateLimitLocked(acc)
		}
		p.mu.Unlock()
	}
}

// MarkRateLimited transitions an account to rateLimited for the given
// duration.
func (p *AccountPool) MarkRateLimited(accountID string, duration time.Duration) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[accountID]
	if !ok {
		return
	}
	acc.Status = StatusRateLimited
	acc.RateLimitedAt = now
	acc.RateLimitDuration = duration
	acc.RateLimitResetAt = now.Add(duration)
}

// MarkUnauthorized transitions an account to unauthorized. This is
// terminal until an administrative reset, so it also raises an anomaly
// notification.
func (p *AccountPool) MarkUnauthorized(ctx context.Context, accountID, reason string) {
	p.mu.Lock()
	acc, ok := p.accounts[accountID]
	if !ok {
		p.mu.Unlock()
		return
	}
	acc.Status = StatusUnauthorized
	platform := acc.Platform
	p.mu.Unlock()

	p.notifier.Notify(ctx, AnomalyEvent{
		AccountID: accountID,
		Platform:  platform,
		Status:    StatusUnauthorized,
		Reason:    reason,
		Message:   fmt.Sprintf("account %s marked unauthorized: %s", accountID, reason),
	})
}

// AddQuotaUsage accumulates daily dollar usage and auto-stops the account
// when the tracked quota is exceeded.
func (p *AccountPool) AddQuotaUsage(ctx context.Context, accountID string, dollars float64) {
	now := time.Now()

	p.mu.Lock()
	acc, ok := p.accounts[accountID]
	if !ok {
		p.mu.Unlock()
		return
	}

	if acc.QuotaRolledOver(now) || acc.QuotaDay.IsZero() {
		acc.QuotaUsed = 0
		acc.QuotaDay = startOfDayUTC(now)
	}
	acc.QuotaUsed += dollars

	exceeded := acc.DailyQuota > 0 && acc.QuotaUsed >= acc.DailyQuota && acc.Status == StatusActive
	if exceeded {
		acc.Status = StatusQuotaExceeded
	}
	platform := acc.Platform
	used := acc.QuotaUsed
	quota := acc.DailyQuota
	p.mu.Unlock()

	if exceeded {
		p.notifier.Notify(ctx, AnomalyEvent{
			AccountID: accountID,
			Platform:  platform,
			Status:    StatusQuotaExceeded,
			Reason:    "daily-quota",
			Message:   fmt.Sprintf("account %s exceeded daily quota ($%.2f of $%.2f)", accountID, used, quota),
		})
	}
}

// ToggleSchedulable flips the manual scheduling gate and returns the new
// value. Disabling emits an anomaly notification.
func (p *AccountPool) ToggleSchedulable(ctx context.Context, accountID string) (bool, error) {
	p.mu.Lock()
	acc, ok := p.accounts[accountID]
	if !ok {
		p.mu.Unlock()
		return false, ErrAccountNotFound
	}
	acc.Schedulable = !acc.Schedulable
	schedulable := acc.Schedulable
	platform := acc.Platform
	status := acc.Status
	p.mu.Unlock()

	if !schedulable {
		p.notifier.Notify(ctx, AnomalyEvent{
			AccountID: accountID,
			Platform:  platform,
			Status:    status,
			Reason:    "schedulable-off",
			Message:   fmt.Sprintf("account %s removed from scheduling", accountID),
		})
	}
	return schedulable, nil
}

// ClearExpiredRateLimit clears an expired rate limit and reports whether
// anything changed.
func (p *AccountPool) ClearExpiredRateLimit(accountID string) bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[accountID]
	if !ok || !acc.RateLimitExpired(now) {
		return false
	}
	p.clearRateLimitLocked(acc)
	return true
}

// ResetStatus is the administrative reset for unauthorized accounts.
func (p *AccountPool) ResetStatus(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Status = StatusActive
	acc.RateLimitedAt = time.Time{}
	acc.RateLimitResetAt = time.Time{}
	acc.RateLimitDuration = 0
	return nil
}

// TouchLastUsed records that an account just served a request.
func (p *AccountPool) TouchLastUsed(accountID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acc, ok := p.accounts[accountID]; ok {
		acc.LastUsedAt = at
	}
}

func (p *AccountPool) clearRateLimitLocked(acc *UpstreamAccount) {
	acc.Status = StatusActive
	acc.RateLimitedAt = time.Time{}
	acc.RateLimitResetAt = time.Time{}
	acc.RateLimitDuration = 0
}

func startOfDayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
