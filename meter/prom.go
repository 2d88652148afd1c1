package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineris/relaygate"
)

// PromMeter exports admission and scheduling counters to Prometheus.
type PromMeter struct {
	admitted   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	scheduled  *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	costDollar *prometheus.CounterVec
}

var _ relaygate.Meter = (*PromMeter)(nil)

// NewPromMeter creates the meter and registers its collectors with reg
// (prometheus.DefaultRegisterer when nil).
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_admissions_total",
			Help: "Requests that passed all admission gates.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_rejections_total",
			Help: "Requests rejected by an admission gate.",
		}, []string{"gate"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_scheduling_decisions_total",
			Help: "Scheduling decisions by strategy and origin.",
		}, []string{"platform", "strategy", "origin"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_upstream_outcomes_total",
			Help: "Upstream call outcomes.",
		}, []string{"platform", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaygate_upstream_duration_seconds",
			Help:    "Upstream call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		costDollar: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_cost_dollars_total",
			Help: "Accumulated upstream cost in dollars.",
		}, []string{"platform"}),
	}

	reg.MustRegister(m.admitted, m.rejected, m.scheduled, m.outcomes, m.durations, m.costDollar)
	return m
}

func (m *PromMeter) OnAdmit(e relaygate.AdmitEvent) {
	m.admitted.WithLabelValues(string(e.Kind)).Inc()
}

func (m *PromMeter) OnReject(e relaygate.RejectEvent) {
	m.rejected.WithLabelValues(e.Gate).Inc()
}

func (m *PromMeter) OnSchedule(e relaygate.ScheduleEvent) {
	origin := "strategy"
	switch {
	case e.Pinned:
		origin = "pinned"
	case e.FromAffinity:
		origin = "affinity"
	}
	m.scheduled.WithLabelValues(string(e.Platform), string(e.Strategy), origin).Inc()
}

func (m *PromMeter) OnOutcome(e relaygate.OutcomeEvent) {
	result := "success"
	if !e.Success {
		result = "error"
	}
	m.outcomes.WithLabelValues(string(e.Platform), result).Inc()
	m.durations.WithLabelValues(string(e.Platform)).Observe(e.Duration.Seconds())
	if e.Cost > 0 {
		m.costDollar.WithLabelValues(string(e.Platform)).Add(e.Cost)
	}
}
