// Package meter provides Meter implementations: slog logging, Prometheus
// counters, and a no-op.
package meter

import "github.com/ineris/relaygate"

// NoopMeter discards all events.
type NoopMeter struct{}

var _ relaygate.Meter = (*NoopMeter)(nil)

func (*NoopMeter) OnAdmit(relaygate.AdmitEvent)       {}
func (*NoopMeter) OnReject(relaygate.RejectEvent)     {}
func (*NoopMeter) OnSchedule(relaygate.ScheduleEvent) {}
func (*NoopMeter) OnOutcome(relaygate.OutcomeEvent)   {}
