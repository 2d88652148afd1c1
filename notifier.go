package relaygate

import "context"

// AnomalyEvent describes an account-level anomaly worth telling an
// operator about (auto-stopped account, dead credential, ...).
type AnomalyEvent struct {
	AccountID string        `json:"account_id"`
	Platform  Platform      `json:"platform"`
	Status    AccountStatus `json:"status"`
	Reason    string        `json:"reason"`
	Message   string        `json:"message"`
}

// Notifier delivers anomaly events. Implementations are fire-and-forget:
// failures are logged by the implementation and never block the request
// path.
type Notifier interface {
	Notify(ctx context.Context, event AnomalyEvent)
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

var _ Notifier = (*NoopNotifier)(nil)

func (NoopNotifier) Notify(context.Context, AnomalyEvent) {}
