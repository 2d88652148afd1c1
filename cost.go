package relaygate

import "strings"

// CostBreakdown is the dollar cost of one upstream call.
type CostBreakdown struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheWrite float64 `json:"cache_write"`
	CacheRead  float64 `json:"cache_read"`
	Total      float64 `json:"total"`
}

// CostCalculator turns token usage into money. Implementations must be
// pure functions with no side effects.
type CostCalculator interface {
	Calculate(usage Usage, model string) CostBreakdown
}

// ModelPricing holds per-million-token prices in dollars.
type ModelPricing struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// PricingTable maps model name prefixes to prices. Lookup picks the
// longest matching prefix so "claude-sonnet-4" beats "claude".
type PricingTable map[string]ModelPricing

var _ CostCalculator = (PricingTable)(nil)

// Calculate computes the cost breakdown for a usage report. Unknown
// models cost nothing, mirroring how unpriced models are treated upstream.
func (t PricingTable) Calculate(usage Usage, model string) CostBreakdown {
	pricing, ok := t.lookup(model)
	if !ok {
		return CostBreakdown{}
	}

	const million = 1_000_000
	b := CostBreakdown{
		Input:      float64(usage.InputTokens) * pricing.Input / million,
		Output:     float64(usage.OutputTokens) * pricing.Output / million,
		CacheWrite: float64(usage.CacheWriteTokens) * pricing.CacheWrite / million,
		CacheRead:  float64(usage.CacheReadTokens) * pricing.CacheRead / million,
	}
	b.Total = b.Input + b.Output + b.CacheWrite + b.CacheRead
	return b
}

func (t PricingTable) lookup(model string) (ModelPricing, bool) {
	var (
		best    ModelPricing
		bestLen = -1
	)
	for prefix, p := range t {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}

// DefaultPricing returns a pricing table for the commonly relayed models.
// Cache-write is priced at 1.25x input and cache-read at 0.1x input where
// the provider publishes those multipliers.
func DefaultPricing() PricingTable {
	return PricingTable{
		"claude-opus-4":    {Input: 15, Output: 75, CacheWrite: 18.75, CacheRead: 1.5},
		"claude-sonnet-4":  {Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.3},
		"claude-3-5-haiku": {Input: 0.8, Output: 4, CacheWrite: 1, CacheRead: 0.08},
		"gpt-4o":           {Input: 2.5, Output: 10, CacheRead: 1.25},
		"gpt-4o-mini":      {Input: 0.15, Output: 0.6, CacheRead: 0.075},
		"o3":               {Input: 2, Output: 8, CacheRead: 0.5},
		"gemini-2.5-pro":   {Input: 1.25, Output: 10, CacheRead: 0.31},
		"gemini-2.5-flash": {Input: 0.3, Output: 2.5, CacheRead: 0.075},
	}
}
