package relaygate

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RelayRequest is the upstream-bound request as the core sees it. The
// wire-format translation to each provider API happens in the caller.
type RelayRequest struct {
	Model       string
	SessionHash string
	UserAgent   string
	Payload     []byte
	Stream      bool
}

// RelayResult is what comes back from an upstream call.
type RelayResult struct {
	StatusCode int
	Usage      Usage
	Model      string
	Body       []byte
	AccountID  string
}

// UpstreamCaller executes the wire call against a scheduled account. It
// lives outside the core; implementations classify provider failures into
// the Upstream* sentinel errors (wrapped in UpstreamError for retry
// hints).
type UpstreamCaller interface {
	Do(ctx context.Context, acc UpstreamAccount, req RelayRequest) (RelayResult, error)
}

// Dispatcher glues the scheduler, the pool, and the ledger around one
// upstream call: select, call, report, account the usage.
type Dispatcher struct {
	scheduler *Scheduler
	pool      *AccountPool
	ledger    LedgerStore
	cost      CostCalculator
	caller    UpstreamCaller
	meter     Meter
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherMeter sets the meter.
func WithDispatcherMeter(m Meter) DispatcherOption {
	return func(d *Dispatcher) { d.meter = m }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithCostCalculator overrides the pricing table.
func WithCostCalculator(c CostCalculator) DispatcherOption {
	return func(d *Dispatcher) { d.cost = c }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(scheduler *Scheduler, pool *AccountPool, ledger LedgerStore, caller UpstreamCaller, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		scheduler: scheduler,
		pool:      pool,
		ledger:    ledger,
		cost:      DefaultPricing(),
		caller:    caller,
		meter:     noopMeter{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Relay schedules an account and executes the upstream call. When the
// chosen account fails with a rate-limit signal mid-flight, it is marked
// and selection runs exactly once more, excluding it. Other failures
// surface as terminal.
func (d *Dispatcher) Relay(ctx context.Context, p *Principal, platform Platform, req RelayRequest) (RelayResult, error) {
	decision, err := d.scheduler.Select(ctx, p, platform, req.SessionHash)
	if err != nil {
		return RelayResult{}, err
	}

	result, err := d.attempt(ctx, p, decision.Account, req)
	if err == nil {
		return result, nil
	}

	if !IsRetryableUpstream(err) {
		return RelayResult{}, err
	}

	// Single failover re-selection, excluding the account that just
	// reported the limit.
	decision, rerr := d.scheduler.Reschedule(ctx, p, platform, req.SessionHash, decision.Account.ID)
	if rerr != nil {
		// No alternative: surface the original upstream failure.
		return RelayResult{}, err
	}
	return d.attempt(ctx, p, decision.Account, req)
}

// attempt runs one upstream call and feeds the outcome back into the
// pool and the ledger.
func (d *Dispatcher) attempt(ctx context.Context, p *Principal, acc UpstreamAccount, req RelayRequest) (RelayResult, error) {
	start := time.Now()
	result, err := d.caller.Do(ctx, acc, req)
	duration := time.Since(start)

	if err != nil {
		d.reportFailure(ctx, acc, err)
		d.meter.OnOutcome(OutcomeEvent{
			AccountID: acc.ID,
			Platform:  acc.Platform,
			Model:     req.Model,
			Duration:  duration,
			Error:     err,
		})
		return RelayResult{}, err
	}

	d.pool.ReportOutcome(ctx, acc.ID, Outcome{Success: true})

	model := result.Model
	if model == "" {
		model = req.Model
	}
	breakdown := d.recordUsage(ctx, p, acc, result.Usage, model)

	d.meter.OnOutcome(OutcomeEvent{
		AccountID: acc.ID,
		Platform:  acc.Platform,
		Model:     model,
		Success:   true,
		Duration:  duration,
		Usage:     result.Usage,
		Cost:      breakdown.Total,
	})

	result.AccountID = acc.ID
	return result, nil
}

func (d *Dispatcher) reportFailure(ctx context.Context, acc UpstreamAccount, err error) {
	outcome := Outcome{Reason: err.Error()}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		outcome.RetryAfter = ue.RetryAfter
	}

	switch {
	case errors.Is(err, ErrUpstreamRateLimited):
		outcome.RateLimited = true
	case errors.Is(err, ErrUpstreamUnauthorized):
		outcome.Unauthorized = true
	}

	d.pool.ReportOutcome(ctx, acc.ID, outcome)
}

// recordUsage settles a completed call: window token counts, the cost
// ledger across all periods, and the account's daily quota.
func (d *Dispatcher) recordUsage(ctx context.Context, p *Principal, acc UpstreamAccount, usage Usage, model string) CostBreakdown {
	if total := usage.Total(); total > 0 && p.RateLimitWindow > 0 && p.WindowTokenLimit > 0 {
		if err := d.ledger.AddWindowTokens(ctx, p.ID, total); err != nil {
			d.logger.Warn("window token accounting failed", "principal", p.ID, "error", err)
		}
	}

	breakdown := d.cost.Calculate(usage, model)
	if breakdown.Total > 0 {
		if err := d.ledger.AddCost(ctx, p.ID, breakdown.Total); err != nil {
			d.logger.Warn("cost accounting failed", "principal", p.ID, "error", err)
		}
		d.pool.AddQuotaUsage(ctx, acc.ID, breakdown.Total)
	}
	return breakdown
}
