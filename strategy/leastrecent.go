package strategy

import (
	"sort"

	"github.com/ineris/relaygate"
)

// LeastRecent picks the account that has gone longest without serving a
// request. Ties break on the lowest priority value (lower = preferred),
// then on id for determinism.
type LeastRecent struct{}

var _ relaygate.Strategy = (*LeastRecent)(nil)

// NewLeastRecent creates a least-recently-used strategy.
func NewLeastRecent() *LeastRecent { return &LeastRecent{} }

// Pick returns the least recently used account. Never-used accounts
// (zero lastUsedAt) sort before all used ones.
func (s *LeastRecent) Pick(_ string, accounts []relaygate.UpstreamAccount) (relaygate.UpstreamAccount, bool) {
	if len(accounts) == 0 {
		return relaygate.UpstreamAccount{}, false
	}

	ordered := make([]relaygate.UpstreamAccount, len(accounts))
	copy(ordered, accounts)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := ordered[i].LastUsedAt, ordered[j].LastUsedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	return ordered[0], true
}

// Default returns the full strategy set keyed by name, ready for the
// scheduler.
func Default() map[relaygate.SchedulingStrategy]relaygate.Strategy {
	return map[relaygate.SchedulingStrategy]relaygate.Strategy{
		relaygate.StrategyWeighted:    NewWeighted(),
		relaygate.StrategySequential:  NewSequential(),
		relaygate.StrategyLeastRecent: NewLeastRecent(),
	}
}
