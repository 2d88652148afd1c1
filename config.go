package relaygate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	RedisAddr   string `yaml:"redis_addr"`
	DatabaseURL string `yaml:"database_url"`

	// DefaultStrategy applies when neither the account nor its group
	// overrides the scheduling strategy.
	DefaultStrategy SchedulingStrategy `yaml:"scheduling_strategy"`

	// AffinityTTLMinutes is how long a session hash stays bound to an
	// account. Zero disables session affinity.
	AffinityTTLMinutes int `yaml:"affinity_ttl_minutes"`

	// RateLimitCooldownMinutes is the fallback rate-limit duration when the
	// upstream gives no retry hint.
	RateLimitCooldownMinutes int `yaml:"rate_limit_cooldown_minutes"`

	// CostWarningThreshold is the fraction of a cost limit at which
	// non-blocking warnings attach to admission results.
	CostWarningThreshold float64 `yaml:"cost_warning_threshold"`

	Clients []ClientSignature `yaml:"clients"`

	Accounts []AccountConfig `yaml:"accounts"`
	Groups   []GroupConfig   `yaml:"groups"`
}

// AccountConfig seeds one upstream account into the pool at startup.
// Accounts managed through the admin surface live in the database instead.
type AccountConfig struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	Platform        Platform           `yaml:"platform"`
	Priority        int                `yaml:"priority"`
	Type            AccountType        `yaml:"type"`
	GroupID         string             `yaml:"group_id"`
	Strategy        SchedulingStrategy `yaml:"strategy"`
	Weight          int                `yaml:"weight"`
	SequentialOrder int                `yaml:"sequential_order"`
	DailyQuota      float64            `yaml:"daily_quota"`
	Credential      AccountCredential  `yaml:"credential"`
}

// GroupConfig seeds one account group.
type GroupConfig struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	Platform        Platform           `yaml:"platform"`
	Strategy        SchedulingStrategy `yaml:"strategy"`
	Weight          int                `yaml:"weight"`
	SequentialOrder int                `yaml:"sequential_order"`
}

// Account materializes the config entry into a pool account.
func (c AccountConfig) Account() *UpstreamAccount {
	typ := c.Type
	if typ == "" {
		typ = AccountShared
	}
	if c.GroupID != "" {
		typ = AccountGrouped
	}
	priority := c.Priority
	if priority == 0 {
		priority = 50
	}
	weight := c.Weight
	if weight == 0 {
		weight = 1
	}
	return &UpstreamAccount{
		ID:              c.ID,
		Name:            c.Name,
		Platform:        c.Platform,
		Priority:        priority,
		Type:            typ,
		GroupID:         c.GroupID,
		Strategy:        c.Strategy,
		Weight:          weight,
		SequentialOrder: c.SequentialOrder,
		Schedulable:     true,
		Status:          StatusActive,
		DailyQuota:      c.DailyQuota,
		Credential:      c.Credential,
	}
}

// AffinityTTL returns the configured session affinity TTL.
func (c Config) AffinityTTL() time.Duration {
	return time.Duration(c.AffinityTTLMinutes) * time.Minute
}

// RateLimitCooldown returns the fallback cooldown for rate-limited accounts.
func (c Config) RateLimitCooldown() time.Duration {
	return time.Duration(c.RateLimitCooldownMinutes) * time.Minute
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("relaygate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("relaygate: parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = StrategyLeastRecent
	}
	if c.AffinityTTLMinutes == 0 {
		c.AffinityTTLMinutes = 60
	}
	if c.RateLimitCooldownMinutes == 0 {
		c.RateLimitCooldownMinutes = 60
	}
	if c.CostWarningThreshold == 0 {
		c.CostWarningThreshold = 0.8
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if !ValidStrategy(c.DefaultStrategy) {
		return fmt.Errorf("relaygate: config: invalid scheduling_strategy %q", c.DefaultStrategy)
	}
	if c.CostWarningThreshold < 0 || c.CostWarningThreshold > 1 {
		return fmt.Errorf("relaygate: config: cost_warning_threshold must be in [0,1]")
	}

	groups := make(map[string]GroupConfig, len(c.Groups))
	for i, g := range c.Groups {
		if g.ID == "" {
			return fmt.Errorf("relaygate: config: groups[%d]: id is required", i)
		}
		if _, dup := groups[g.ID]; dup {
			return fmt.Errorf("relaygate: config: duplicate group id %q", g.ID)
		}
		if g.Strategy != "" && !ValidStrategy(g.Strategy) {
			return fmt.Errorf("relaygate: config: groups[%d] (%s): invalid strategy %q", i, g.ID, g.Strategy)
		}
		groups[g.ID] = g
	}

	ids := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("relaygate: config: account[%d]: id is required", i)
		}
		if ids[acc.ID] {
			return fmt.Errorf("relaygate: config: duplicate account id %q", acc.ID)
		}
		ids[acc.ID] = true

		if acc.Platform == "" {
			return fmt.Errorf("relaygate: config: account[%d] (%s): platform is required", i, acc.ID)
		}
		if acc.Priority < 0 || acc.Priority > 100 {
			return fmt.Errorf("relaygate: config: account[%d] (%s): priority must be 1-100", i, acc.ID)
		}
		if acc.Strategy != "" && !ValidStrategy(acc.Strategy) {
			return fmt.Errorf("relaygate: config: account[%d] (%s): invalid strategy %q", i, acc.ID, acc.Strategy)
		}
		if acc.GroupID != "" {
			g, ok := groups[acc.GroupID]
			if !ok {
				return fmt.Errorf("relaygate: config: account[%d] (%s): unknown group %q", i, acc.ID, acc.GroupID)
			}
			if g.Platform != "" && g.Platform != acc.Platform {
				return fmt.Errorf("relaygate: config: account[%d] (%s): platform %q does not match group %q platform %q",
					i, acc.ID, acc.Platform, acc.GroupID, g.Platform)
			}
		}
	}

	for i, cs := range c.Clients {
		if cs.ID == "" || cs.Pattern == "" {
			return fmt.Errorf("relaygate: config: clients[%d]: id and pattern are required", i)
		}
	}

	return nil
}
