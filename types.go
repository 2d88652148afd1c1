package relaygate

import "time"

// PrincipalKind classifies a resolved identity.
type PrincipalKind string

const (
	KindAPIKey       PrincipalKind = "api-key"
	KindUserSession  PrincipalKind = "user-session"
	KindAdminSession PrincipalKind = "admin-session"
)

// Period is a cost accounting period.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodTotal   Period = "total"
)

// Periods lists all accounting periods in checking order.
var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodTotal}

// Principal is the resolved identity for one request. It is created per
// request by the IdentityResolver, is immutable for the request lifetime,
// and is never persisted.
type Principal struct {
	Kind        PrincipalKind
	ID          string
	Name        string
	Permissions []string

	// Per-key budgets. Zero means unlimited on that axis.
	TokenLimit        int64
	ConcurrencyLimit  int64
	RateLimitWindow   time.Duration
	RateLimitRequests int64
	WindowTokenLimit  int64

	// Cost limits per period, in dollars. Zero means unlimited.
	DailyCostLimit   float64
	WeeklyCostLimit  float64
	MonthlyCostLimit float64
	TotalCostLimit   float64

	// Optional pin to specific upstream accounts, keyed by platform.
	BoundAccounts map[Platform]string

	// Scheduling scope. Empty means the shared pool.
	GroupID string

	EnableModelRestriction  bool
	RestrictedModels        []string
	EnableClientRestriction bool
	AllowedClients          []string // ids into the configured client signatures
}

// CostLimit returns the configured limit for a period (0 = unlimited).
func (p *Principal) CostLimit(period Period) float64 {
	switch period {
	case PeriodDaily:
		return p.DailyCostLimit
	case PeriodWeekly:
		return p.WeeklyCostLimit
	case PeriodMonthly:
		return p.MonthlyCostLimit
	case PeriodTotal:
		return p.TotalCostLimit
	}
	return 0
}

// AllowsModel reports whether the principal may use the given model.
// Restriction applies only when enabled and the list is non-empty.
func (p *Principal) AllowsModel(model string) bool {
	if !p.EnableModelRestriction || len(p.RestrictedModels) == 0 {
		return true
	}
	for _, m := range p.RestrictedModels {
		if m == model {
			return false
		}
	}
	return true
}

// PinnedAccount returns the bound account id for a platform, if any.
func (p *Principal) PinnedAccount(platform Platform) (string, bool) {
	if p.BoundAccounts == nil {
		return "", false
	}
	id, ok := p.BoundAccounts[platform]
	return id, ok && id != ""
}

// Usage is the token usage reported by an upstream call.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheWriteTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens  int64 `json:"cache_read_input_tokens"`
}

// Total returns the sum of all token counts.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheWriteTokens + u.CacheReadTokens
}

// ClientSignature names an allowed client and the pattern that matches its
// user-agent string. Patterns are case-insensitive substring matches unless
// anchored with a leading '^' (prefix match).
type ClientSignature struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// RequestInfo carries the per-request attributes the admission gates
// inspect. The raw HTTP request stays at the boundary.
type RequestInfo struct {
	UserAgent   string
	Model       string
	SessionHash string
}
