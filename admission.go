package relaygate

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConcurrencyLease is an ephemeral claim on a principal's concurrency
// budget. Release is safe to call from every terminal lifecycle path of a
// request; only the first call decrements the counter.
type ConcurrencyLease struct {
	ID          string
	PrincipalID string
	AcquiredAt  time.Time

	ledger   LedgerStore
	logger   *slog.Logger
	released atomic.Bool
}

// Release returns the lease to the principal's budget. Idempotent.
func (l *ConcurrencyLease) Release(ctx context.Context) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	if _, err := l.ledger.DecrConcurrency(ctx, l.PrincipalID); err != nil {
		l.logger.Warn("concurrency release failed", "principal", l.PrincipalID, "lease", l.ID, "error", err)
	}
}

// Released reports whether the lease has already been returned.
func (l *ConcurrencyLease) Released() bool { return l.released.Load() }

// CostWarning is a non-blocking heads-up that a period is close to its
// limit.
type CostWarning struct {
	Period  Period  `json:"period"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
}

// Admission is the result of a passed admission check. The lease is nil
// when the principal has no concurrency limit.
type Admission struct {
	Lease    *ConcurrencyLease
	Window   Window
	Warnings []CostWarning
}

// AdmissionController composes the gates in fixed order: client
// restriction, concurrency, rate window, cost. The first failure
// short-circuits, so a request rejected by an early gate never inflates a
// later counter.
type AdmissionController struct {
	ledger        LedgerStore
	clients       []ClientSignature
	warnThreshold float64
	meter         Meter
	logger        *slog.Logger
}

// AdmissionOption configures an AdmissionController.
type AdmissionOption func(*AdmissionController)

// WithClientSignatures sets the allow-list used by the client gate.
func WithClientSignatures(sigs []ClientSignature) AdmissionOption {
	return func(a *AdmissionController) { a.clients = sigs }
}

// WithWarnThreshold sets the fraction of a cost limit at which warnings
// attach (default 0.8).
func WithWarnThreshold(f float64) AdmissionOption {
	return func(a *AdmissionController) { a.warnThreshold = f }
}

// WithAdmissionMeter sets the meter.
func WithAdmissionMeter(m Meter) AdmissionOption {
	return func(a *AdmissionController) { a.meter = m }
}

// WithAdmissionLogger sets the logger.
func WithAdmissionLogger(l *slog.Logger) AdmissionOption {
	return func(a *AdmissionController) { a.logger = l }
}

// NewAdmissionController creates a controller over the given ledger.
func NewAdmissionController(ledger LedgerStore, opts ...AdmissionOption) *AdmissionController {
	a := &AdmissionController{
		ledger:        ledger,
		warnThreshold: 0.8,
		meter:         noopMeter{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Admit runs the gates for one request. On success the caller owns the
// returned lease (if any) and must Release it on every terminal path.
// On rejection no residual state is left behind: the concurrency counter
// is the only side effect and it is rolled back synchronously.
func (a *AdmissionController) Admit(ctx context.Context, p *Principal, req RequestInfo) (*Admission, error) {
	if err := a.clientGate(p, req); err != nil {
		a.meter.OnReject(RejectEvent{PrincipalID: p.ID, Gate: "client", Err: err})
		return nil, err
	}

	lease, current, err := a.concurrencyGate(ctx, p)
	if err != nil {
		a.meter.OnReject(RejectEvent{PrincipalID: p.ID, Gate: "concurrency", Err: err})
		return nil, err
	}

	window, err := a.rateWindowGate(ctx, p)
	if err != nil {
		lease.Release(ctx)
		a.meter.OnReject(RejectEvent{PrincipalID: p.ID, Gate: "rate-window", Err: err})
		return nil, err
	}

	warnings, err := a.costGate(ctx, p)
	if err != nil {
		lease.Release(ctx)
		a.meter.OnReject(RejectEvent{PrincipalID: p.ID, Gate: "cost", Err: err})
		return nil, err
	}

	a.meter.OnAdmit(AdmitEvent{PrincipalID: p.ID, Kind: p.Kind, Concurrency: current, Warnings: len(warnings)})
	return &Admission{Lease: lease, Window: window, Warnings: warnings}, nil
}

// clientGate matches the caller's user-agent against the allowed client
// signatures when the principal restricts clients.
func (a *AdmissionController) clientGate(p *Principal, req RequestInfo) error {
	if !p.EnableClientRestriction || len(p.AllowedClients) == 0 {
		return nil
	}
	for _, id := range p.AllowedClients {
		sig, ok := a.signature(id)
		if !ok {
			continue
		}
		if matchClient(sig.Pattern, req.UserAgent) {
			return nil
		}
	}
	return ErrClientNotAllowed
}

func (a *AdmissionController) signature(id string) (ClientSignature, bool) {
	for _, sig := range a.clients {
		if sig.ID == id {
			return sig, true
		}
	}
	return ClientSignature{}, false
}

// matchClient applies a signature pattern to a user-agent string.
// A leading '^' anchors the pattern as a prefix; otherwise it is a
// case-insensitive substring match.
func matchClient(pattern, userAgent string) bool {
	if pattern == "" || userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	if strings.HasPrefix(pattern, "^") {
		return strings.HasPrefix(ua, strings.ToLower(pattern[1:]))
	}
	return strings.Contains(ua, strings.ToLower(pattern))
}

// concurrencyGate atomically claims a slot. When the post-increment value
// exceeds the limit it decrements back and rejects with limit and current.
// A store outage fails open: availability beats counter precision here.
func (a *AdmissionController) concurrencyGate(ctx context.Context, p *Principal) (*ConcurrencyLease, int64, error) {
	if p.ConcurrencyLimit <= 0 {
		return nil, 0, nil
	}

	current, err := a.ledger.IncrConcurrency(ctx, p.ID)
	if err != nil {
		a.logger.Warn("concurrency gate store failure, failing open", "principal", p.ID, "error", err)
		return nil, 0, nil
	}

	if current > p.ConcurrencyLimit {
		rejected := current
		if _, err := a.ledger.DecrConcurrency(ctx, p.ID); err != nil {
			a.logger.Warn("concurrency rollback failed", "principal", p.ID, "error", err)
		}
		return nil, 0, &AdmissionError{
			Err:     ErrConcurrencyExceeded,
			Limit:   p.ConcurrencyLimit,
			Current: rejected,
		}
	}

	lease := &ConcurrencyLease{
		ID:          uuid.New().String(),
		PrincipalID: p.ID,
		AcquiredAt:  time.Now(),
		ledger:      a.ledger,
		logger:      a.logger,
	}
	return lease, current, nil
}

// rateWindowGate enforces the sliding window. The window is atomically
// (re)initialized by the store when absent or expired, so the first
// admitted request after expiry observes requestCount == 1.
func (a *AdmissionController) rateWindowGate(ctx context.Context, p *Principal) (Window, error) {
	if p.RateLimitWindow <= 0 || (p.RateLimitRequests <= 0 && p.WindowTokenLimit <= 0) {
		return Window{}, nil
	}

	w, err := a.ledger.EnsureWindow(ctx, p.ID, p.RateLimitWindow)
	if err != nil {
		a.logger.Warn("rate window store failure, failing open", "principal", p.ID, "error", err)
		return Window{}, nil
	}

	if p.RateLimitRequests > 0 && w.Requests >= p.RateLimitRequests {
		return Window{}, &AdmissionError{
			Err:     ErrRateLimitExceeded,
			Axis:    AxisRequests,
			Limit:   p.RateLimitRequests,
			Current: w.Requests,
			ResetAt: w.ResetAt(),
		}
	}
	if p.WindowTokenLimit > 0 && w.Tokens >= p.WindowTokenLimit {
		return Window{}, &AdmissionError{
			Err:     ErrRateLimitExceeded,
			Axis:    AxisTokens,
			Limit:   p.WindowTokenLimit,
			Current: w.Tokens,
			ResetAt: w.ResetAt(),
		}
	}

	if n, err := a.ledger.IncrWindowRequests(ctx, p.ID); err != nil {
		a.logger.Warn("rate window increment failed", "principal", p.ID, "error", err)
	} else {
		w.Requests = n
	}
	return w, nil
}

// costGate reads (never mutates) the running cost per period. Any period
// at or over its limit rejects; periods within the warning threshold
// attach non-blocking warnings.
func (a *AdmissionController) costGate(ctx context.Context, p *Principal) ([]CostWarning, error) {
	costs, err := a.ledger.Costs(ctx, p.ID)
	if err != nil {
		a.logger.Warn("cost gate store failure, failing open", "principal", p.ID, "error", err)
		return nil, nil
	}

	var (
		violations []CostViolation
		warnings   []CostWarning
	)
	for _, period := range Periods {
		limit := p.CostLimit(period)
		if limit <= 0 {
			continue
		}
		current := costs.For(period)
		switch {
		case current >= limit:
			violations = append(violations, CostViolation{Period: period, Current: current, Limit: limit})
		case current >= limit*a.warnThreshold:
			warnings = append(warnings, CostWarning{Period: period, Current: current, Limit: limit})
		}
	}

	if len(violations) > 0 {
		return nil, &AdmissionError{Err: ErrCostLimitExceeded, Violations: violations}
	}
	return warnings, nil
}
