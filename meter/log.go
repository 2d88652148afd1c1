package meter

import (
	"log/slog"

	"github.com/ineris/relaygate"
)

// LogMeter logs admission and scheduling events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ relaygate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmit(e relaygate.AdmitEvent) {
	m.Logger.Info("admit",
		"principal", e.PrincipalID,
		"kind", e.Kind,
		"concurrency", e.Concurrency,
		"warnings", e.Warnings,
	)
}

func (m *LogMeter) OnReject(e relaygate.RejectEvent) {
	m.Logger.Warn("reject",
		"principal", e.PrincipalID,
		"gate", e.Gate,
		"error", e.Err,
	)
}

func (m *LogMeter) OnSchedule(e relaygate.ScheduleEvent) {
	m.Logger.Info("schedule",
		"principal", e.PrincipalID,
		"platform", e.Platform,
		"account", e.AccountID,
		"strategy", e.Strategy,
		"affinity", e.FromAffinity,
		"pinned", e.Pinned,
	)
}

func (m *LogMeter) OnOutcome(e relaygate.OutcomeEvent) {
	if e.Success {
		m.Logger.Info("outcome",
			"account", e.AccountID,
			"platform", e.Platform,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"input_tokens", e.Usage.InputTokens,
			"output_tokens", e.Usage.OutputTokens,
			"cost", e.Cost,
		)
	} else {
		m.Logger.Warn("outcome_error",
			"account", e.AccountID,
			"platform", e.Platform,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
