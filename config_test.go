package relaygate_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rg "github.com/ineris/relaygate"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	cfg, err := rg.LoadConfig(writeConfig(t, "redis_addr: localhost:6379\n"))
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, rg.StrategyLeastRecent, cfg.DefaultStrategy)
	assert.Equal(t, time.Hour, cfg.AffinityTTL())
	assert.Equal(t, time.Hour, cfg.RateLimitCooldown())
	assert.InDelta(t, 0.8, cfg.CostWarningThreshold, 1e-9)
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-from-env")

	cfg, err := rg.LoadConfig(writeConfig(t, `
accounts:
  - id: acct-1
    platform: claude
    credential:
      api_key: ${TEST_UPSTREAM_KEY}
`))
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "sk-from-env", cfg.Accounts[0].Credential.APIKey)
}

func TestLoadConfig_FullAccountMaterialization(t *testing.T) {
	cfg, err := rg.LoadConfig(writeConfig(t, `
scheduling_strategy: weighted
groups:
  - id: grp-1
    platform: claude
    strategy: sequential
accounts:
  - id: acct-1
    platform: claude
    group_id: grp-1
    weight: 3
  - id: acct-2
    platform: gemini
    priority: 5
`))
	require.NoError(t, err)

	acc := cfg.Accounts[0].Account()
	assert.Equal(t, rg.AccountGrouped, acc.Type, "a group membership forces the grouped type")
	assert.Equal(t, 3, acc.Weight)
	assert.Equal(t, 50, acc.Priority)
	assert.True(t, acc.Schedulable)
	assert.Equal(t, rg.StatusActive, acc.Status)

	acc2 := cfg.Accounts[1].Account()
	assert.Equal(t, rg.AccountShared, acc2.Type)
	assert.Equal(t, 5, acc2.Priority)
	assert.Equal(t, 1, acc2.Weight)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad strategy", "scheduling_strategy: fastest\n"},
		{"threshold out of range", "cost_warning_threshold: 1.5\n"},
		{
			"duplicate account id",
			"accounts:\n  - id: a\n    platform: claude\n  - id: a\n    platform: claude\n",
		},
		{
			"priority out of range",
			"accounts:\n  - id: a\n    platform: claude\n    priority: 200\n",
		},
		{
			"unknown group",
			"accounts:\n  - id: a\n    platform: claude\n    group_id: nope\n",
		},
		{
			"platform mismatch with group",
			"groups:\n  - id: g\n    platform: gemini\naccounts:\n  - id: a\n    platform: claude\n    group_id: g\n",
		},
		{
			"client without pattern",
			"clients:\n  - id: cli\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rg.LoadConfig(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := rg.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
