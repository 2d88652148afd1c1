// Package strategy provides the scheduling strategies the core picks
// accounts with: weighted random, sequential round-robin, and
// least-recently-used.
package strategy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ineris/relaygate"
)

// Weighted picks accounts with probability proportional to their
// scheduling weight.
type Weighted struct {
	mu   sync.Mutex
	rand *rand.Rand
}

var _ relaygate.Strategy = (*Weighted)(nil)

// NewWeighted creates a weighted strategy with a time-seeded source.
func NewWeighted() *Weighted {
	return &Weighted{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWeightedSeeded creates a weighted strategy with a fixed seed, for
// deterministic tests.
func NewWeightedSeeded(seed int64) *Weighted {
	return &Weighted{rand: rand.New(rand.NewSource(seed))}
}

// Pick draws one account; an account with weight w is w times as likely
// as an account with weight 1. Non-positive weights count as 1.
func (s *Weighted) Pick(_ string, accounts []relaygate.UpstreamAccount) (relaygate.UpstreamAccount, bool) {
	if len(accounts) == 0 {
		return relaygate.UpstreamAccount{}, false
	}

	total := 0
	for _, acc := range accounts {
		total += weightOf(acc)
	}

	s.mu.Lock()
	n := s.rand.Intn(total)
	s.mu.Unlock()

	for _, acc := range accounts {
		n -= weightOf(acc)
		if n < 0 {
			return acc, true
		}
	}
	return accounts[len(accounts)-1], true
}

func weightOf(acc relaygate.UpstreamAccount) int {
	if acc.Weight <= 0 {
		return 1
	}
	return acc.Weight
}
