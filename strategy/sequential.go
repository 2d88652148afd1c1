package strategy

import (
	"sort"
	"sync"

	"github.com/ineris/relaygate"
)

// Sequential walks accounts in sequentialOrder, advancing a cursor per
// scope so load spreads round-robin across the set.
type Sequential struct {
	mu      sync.Mutex
	cursors map[string]int
}

var _ relaygate.Strategy = (*Sequential)(nil)

// NewSequential creates a sequential strategy with empty cursors.
func NewSequential() *Sequential {
	return &Sequential{cursors: make(map[string]int)}
}

// Pick orders accounts by sequentialOrder (id as tie-break so the order
// is total) and returns the one at the scope's cursor, then advances it.
// The cursor position survives eligibility churn: it indexes the rotation,
// not a fixed account.
func (s *Sequential) Pick(scope string, accounts []relaygate.UpstreamAccount) (relaygate.UpstreamAccount, bool) {
	if len(accounts) == 0 {
		return relaygate.UpstreamAccount{}, false
	}

	ordered := make([]relaygate.UpstreamAccount, len(accounts))
	copy(ordered, accounts)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SequentialOrder != ordered[j].SequentialOrder {
			return ordered[i].SequentialOrder < ordered[j].SequentialOrder
		}
		return ordered[i].ID < ordered[j].ID
	})

	s.mu.Lock()
	idx := s.cursors[scope] % len(ordered)
	s.cursors[scope] = idx + 1
	s.mu.Unlock()

	return ordered[idx], true
}
