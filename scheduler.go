package relaygate

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SchedulingDecision is the output of one scheduling call. It is not
// persisted; the affinity binding in the ledger is what future requests
// read back.
type SchedulingDecision struct {
	Account      UpstreamAccount
	Strategy     SchedulingStrategy
	FromAffinity bool
	Pinned       bool
}

// Scheduler selects a servicing account for an admitted request.
type Scheduler struct {
	pool       *AccountPool
	ledger     LedgerStore
	strategies map[SchedulingStrategy]Strategy

	defaultStrategy SchedulingStrategy
	affinityTTL     time.Duration
	meter           Meter
	logger          *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithDefaultStrategy sets the system-wide default strategy.
func WithDefaultStrategy(s SchedulingStrategy) SchedulerOption {
	return func(sc *Scheduler) { sc.defaultStrategy = s }
}

// WithAffinityTTL sets how long session bindings live. Zero disables
// session affinity.
func WithAffinityTTL(d time.Duration) SchedulerOption {
	return func(sc *Scheduler) { sc.affinityTTL = d }
}

// WithSchedulerMeter sets the meter.
func WithSchedulerMeter(m Meter) SchedulerOption {
	return func(sc *Scheduler) { sc.meter = m }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(sc *Scheduler) { sc.logger = l }
}

// NewScheduler creates a Scheduler over the given pool and ledger. The
// strategies map must cover every strategy named by config or account
// overrides; missing entries fall back to the default strategy.
func NewScheduler(pool *AccountPool, ledger LedgerStore, strategies map[SchedulingStrategy]Strategy, opts ...SchedulerOption) (*Scheduler, error) {
	if pool == nil {
		return nil, fmt.Errorf("relaygate: scheduler: pool is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("relaygate: scheduler: ledger is required")
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("relaygate: scheduler: at least one strategy is required")
	}

	s := &Scheduler{
		pool:            pool,
		ledger:          ledger,
		strategies:      strategies,
		defaultStrategy: StrategyLeastRecent,
		affinityTTL:     time.Hour,
		meter:           noopMeter{},
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, ok := s.strategies[s.defaultStrategy]; !ok {
		return nil, fmt.Errorf("relaygate: scheduler: default strategy %q has no implementation", s.defaultStrategy)
	}
	return s, nil
}

// Select picks one eligible account for the principal on the given
// platform. sessionHash, when non-empty, requests session affinity.
func (s *Scheduler) Select(ctx context.Context, p *Principal, platform Platform, sessionHash string) (SchedulingDecision, error) {
	return s.selectExcluding(ctx, p, platform, sessionHash, "")
}

// Reschedule is the single failover re-selection after an upstream
// rate-limit signal: the failed account is excluded and any affinity
// pointing at it is dropped.
func (s *Scheduler) Reschedule(ctx context.Context, p *Principal, platform Platform, sessionHash, failedAccountID string) (SchedulingDecision, error) {
	if sessionHash != "" {
		if bound, err := s.ledger.SessionAccount(ctx, sessionHash); err == nil && bound == failedAccountID {
			_ = s.ledger.UnbindSession(ctx, sessionHash)
		}
	}
	return s.selectExcluding(ctx, p, platform, sessionHash, failedAccountID)
}

func (s *Scheduler) selectExcluding(ctx context.Context, p *Principal, platform Platform, sessionHash, excludeID string) (SchedulingDecision, error) {
	// 1. Pinned account bypasses strategy entirely.
	if pinned, ok := p.PinnedAccount(platform); ok {
		if pinned != excludeID && s.pool.EligibleByID(pinned) {
			acc, _ := s.pool.Get(pinned)
			return s.record(ctx, p, SchedulingDecision{Account: acc, Pinned: true}, sessionHash)
		}
		// A pinned principal has no fallback pool.
		return SchedulingDecision{}, ErrNoAccountAvailable
	}

	// 2. Session affinity keeps a conversation on the same account while
	// it stays eligible.
	if sessionHash != "" && s.affinityTTL > 0 {
		bound, err := s.ledger.SessionAccount(ctx, sessionHash)
		if err != nil {
			s.logger.Warn("affinity lookup failed, selecting fresh", "error", err)
		} else if bound != "" && bound != excludeID && s.pool.EligibleByID(bound) {
			acc, _ := s.pool.Get(bound)
			if affinityServes(acc, platform, p.GroupID) {
				return s.record(ctx, p, SchedulingDecision{Account: acc, FromAffinity: true}, sessionHash)
			}
			// The bound account belongs to another platform or scope;
			// fall through to strategy selection, which rebinds.
		}
	}

	// 3. Strategy selection over the eligible set.
	eligible := s.pool.Eligible(platform, p.GroupID)
	if excludeID != "" {
		filtered := eligible[:0]
		for _, acc := range eligible {
			if acc.ID != excludeID {
				filtered = append(filtered, acc)
			}
		}
		eligible = filtered
	}
	if len(eligible) == 0 {
		return SchedulingDecision{}, ErrNoAccountAvailable
	}

	name := s.effectiveStrategy(eligible, p.GroupID)
	strat, ok := s.strategies[name]
	if !ok {
		name = s.defaultStrategy
		strat = s.strategies[name]
	}

	scope := string(platform)
	if p.GroupID != "" {
		scope = scope + ":" + p.GroupID
	}

	acc, ok := strat.Pick(scope, eligible)
	if !ok {
		return SchedulingDecision{}, ErrNoAccountAvailable
	}
	return s.record(ctx, p, SchedulingDecision{Account: acc, Strategy: name}, sessionHash)
}

// effectiveStrategy resolves the strategy precedence: account override
// (when the whole eligible set agrees) > group override > system default.
func (s *Scheduler) effectiveStrategy(eligible []UpstreamAccount, groupID string) SchedulingStrategy {
	if override := unanimousOverride(eligible); override != "" {
		return override
	}
	if groupID != "" {
		if g, ok := s.pool.Group(groupID); ok && g.Strategy != "" {
			return g.Strategy
		}
	}
	return s.defaultStrategy
}

// affinityServes applies the same platform and scope filter to a
// session-bound account that Eligible applies to the pool: the account
// must serve this platform, and either the principal's group or the
// shared pool.
func affinityServes(acc UpstreamAccount, platform Platform, groupID string) bool {
	if acc.Platform != platform {
		return false
	}
	if groupID != "" {
		return acc.GroupID == groupID
	}
	return acc.Type == AccountShared
}

func unanimousOverride(accounts []UpstreamAccount) SchedulingStrategy {
	var override SchedulingStrategy
	for _, acc := range accounts {
		if acc.Strategy == "" {
			return ""
		}
		if override == "" {
			override = acc.Strategy
		} else if acc.Strategy != override {
			return ""
		}
	}
	return override
}

// record finalizes a decision: last-used bookkeeping, affinity binding,
// and observability. The binding is written on reuse too, so an active
// conversation keeps renewing its TTL.
func (s *Scheduler) record(ctx context.Context, p *Principal, d SchedulingDecision, sessionHash string) (SchedulingDecision, error) {
	s.pool.TouchLastUsed(d.Account.ID, time.Now())

	if sessionHash != "" && s.affinityTTL > 0 {
		if err := s.ledger.BindSession(ctx, sessionHash, d.Account.ID, s.affinityTTL); err != nil {
			s.logger.Warn("session bind failed", "session", sessionHash, "account", d.Account.ID, "error", err)
		}
	}

	s.meter.OnSchedule(ScheduleEvent{
		PrincipalID:  p.ID,
		Platform:     d.Account.Platform,
		AccountID:    d.Account.ID,
		Strategy:     d.Strategy,
		FromAffinity: d.FromAffinity,
		Pinned:       d.Pinned,
	})
	return d, nil
}

// noopMeter keeps the zero-config path quiet. The meter package has the
// real implementations.
type noopMeter struct{}

func (noopMeter) OnAdmit(AdmitEvent)       {}
func (noopMeter) OnReject(RejectEvent)     {}
func (noopMeter) OnSchedule(ScheduleEvent) {}
func (noopMeter) OnOutcome(OutcomeEvent)   {}
