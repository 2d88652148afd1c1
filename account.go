package relaygate

import "time"

// Platform identifies an upstream provider API family.
type Platform string

const (
	PlatformClaude          Platform = "claude"
	PlatformClaudeConsole   Platform = "claude-console"
	PlatformGemini          Platform = "gemini"
	PlatformOpenAI          Platform = "openai"
	PlatformOpenAIResponses Platform = "openai-responses"
	PlatformBedrock         Platform = "bedrock"
	PlatformAzureOpenAI     Platform = "azure-openai"
)

// AccountType scopes how an account may be scheduled.
type AccountType string

const (
	AccountShared    AccountType = "shared"
	AccountDedicated AccountType = "dedicated"
	AccountGrouped   AccountType = "group"
)

// AccountStatus is the health state of an upstream account.
type AccountStatus string

const (
	StatusActive        AccountStatus = "active"
	StatusRateLimited   AccountStatus = "rateLimited"
	StatusUnauthorized  AccountStatus = "unauthorized"
	StatusQuotaExceeded AccountStatus = "quotaExceeded"
)

// SchedulingStrategy names the policy used to pick one account among
// several eligible ones.
type SchedulingStrategy string

const (
	StrategyWeighted    SchedulingStrategy = "weighted"
	StrategySequential  SchedulingStrategy = "sequential"
	StrategyLeastRecent SchedulingStrategy = "least-recent"
)

// ValidStrategy reports whether s names a known scheduling strategy.
func ValidStrategy(s SchedulingStrategy) bool {
	switch s {
	case StrategyWeighted, StrategySequential, StrategyLeastRecent:
		return true
	}
	return false
}

// AccountCredential holds the secret material for one upstream account.
// Which fields are populated depends on the platform.
type AccountCredential struct {
	APIKey       string `yaml:"api_key" json:"api_key,omitempty"`
	AccessToken  string `yaml:"access_token" json:"access_token,omitempty"`
	RefreshToken string `yaml:"refresh_token" json:"refresh_token,omitempty"`
	Endpoint     string `yaml:"endpoint" json:"endpoint,omitempty"`
	Region       string `yaml:"region" json:"region,omitempty"` // bedrock
}

// UpstreamAccount is one credential/endpoint the gateway can relay
// requests through. Status and schedulable are mutated by the scheduler
// feedback path; creation and deletion are administrative actions.
type UpstreamAccount struct {
	ID       string
	Name     string
	Platform Platform

	// Priority 1-100, lower is preferred. Used as the least-recent tie-break.
	Priority int

	Type    AccountType
	GroupID string

	// Strategy overrides. Empty Strategy means "no account-level override".
	Strategy        SchedulingStrategy
	Weight          int
	SequentialOrder int

	// Schedulable is the manual on/off gate, orthogonal to Status.
	Schedulable bool
	Status      AccountStatus

	RateLimitedAt     time.Time
	RateLimitResetAt  time.Time
	RateLimitDuration time.Duration

	// Daily dollar quota. Zero means untracked.
	DailyQuota float64
	QuotaUsed  float64
	QuotaDay   time.Time // start of the day QuotaUsed accumulates in (UTC)

	LastUsedAt time.Time

	Credential AccountCredential
}

// RateLimitExpired reports whether a rateLimited account's reset time has
// passed.
func (a *UpstreamAccount) RateLimitExpired(now time.Time) bool {
	return a.Status == StatusRateLimited && !a.RateLimitResetAt.IsZero() && !now.Before(a.RateLimitResetAt)
}

// QuotaRolledOver reports whether the tracked daily quota belongs to a
// previous calendar day.
func (a *UpstreamAccount) QuotaRolledOver(now time.Time) bool {
	if a.QuotaDay.IsZero() {
		return false
	}
	y1, m1, d1 := a.QuotaDay.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// AccountGroup is a named partition of accounts sharing a platform and a
// default scheduling strategy.
type AccountGroup struct {
	ID              string
	Name            string
	Platform        Platform
	Strategy        SchedulingStrategy
	Weight          int
	SequentialOrder int
}
