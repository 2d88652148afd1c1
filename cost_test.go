package relaygate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	rg "github.com/ineris/relaygate"
)

func TestPricingTable_LongestPrefixWins(t *testing.T) {
	table := rg.PricingTable{
		"claude":          {Input: 1, Output: 1},
		"claude-sonnet-4": {Input: 3, Output: 15},
	}

	b := table.Calculate(rg.Usage{InputTokens: 1_000_000}, "claude-sonnet-4-20250514")
	assert.InDelta(t, 3, b.Input, 1e-9)

	b = table.Calculate(rg.Usage{InputTokens: 1_000_000}, "claude-3-opus")
	assert.InDelta(t, 1, b.Input, 1e-9)
}

func TestPricingTable_UnknownModelIsFree(t *testing.T) {
	b := rg.DefaultPricing().Calculate(rg.Usage{InputTokens: 1_000_000}, "mystery-model")
	assert.Zero(t, b.Total)
}

func TestPricingTable_CacheTokensPricedSeparately(t *testing.T) {
	b := rg.DefaultPricing().Calculate(rg.Usage{
		InputTokens:      1_000_000,
		OutputTokens:     1_000_000,
		CacheWriteTokens: 1_000_000,
		CacheReadTokens:  1_000_000,
	}, "claude-sonnet-4-20250514")

	assert.InDelta(t, 3, b.Input, 1e-9)
	assert.InDelta(t, 15, b.Output, 1e-9)
	assert.InDelta(t, 3.75, b.CacheWrite, 1e-9)
	assert.InDelta(t, 0.3, b.CacheRead, 1e-9)
	assert.InDelta(t, 22.05, b.Total, 1e-9)
}
