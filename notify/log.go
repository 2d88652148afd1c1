// Package notify provides Notifier implementations for anomaly events.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ineris/relaygate"
)

// LogNotifier writes anomaly events to a logrus logger. Delivery is
// fire-and-forget by construction: logging never blocks the request path.
type LogNotifier struct {
	log *logrus.Logger
}

var _ relaygate.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier over the given logger.
// If logger is nil, logrus.StandardLogger() is used.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e relaygate.AnomalyEvent) {
	n.log.WithFields(logrus.Fields{
		"account":  e.AccountID,
		"platform": e.Platform,
		"status":   e.Status,
		"reason":   e.Reason,
	}).Warn(e.Message)
}
