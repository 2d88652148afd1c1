package relaygate

import "time"

// Meter observes admission and scheduling events for monitoring/logging.
type Meter interface {
	// OnAdmit is called when a request passes all gates.
	OnAdmit(event AdmitEvent)

	// OnReject is called when a gate rejects a request.
	OnReject(event RejectEvent)

	// OnSchedule is called when the scheduler picks an account.
	OnSchedule(event ScheduleEvent)

	// OnOutcome is called when the upstream call completes.
	OnOutcome(event OutcomeEvent)
}

// AdmitEvent describes a passed admission.
type AdmitEvent struct {
	PrincipalID string
	Kind        PrincipalKind
	Concurrency int64
	Warnings    int
}

// RejectEvent describes a gate rejection.
type RejectEvent struct {
	PrincipalID string
	Gate        string // "client", "concurrency", "rate-window", "cost"
	Err         error
}

// ScheduleEvent describes one scheduling decision.
type ScheduleEvent struct {
	PrincipalID  string
	Platform     Platform
	AccountID    string
	Strategy     SchedulingStrategy
	FromAffinity bool
	Pinned       bool
}

// OutcomeEvent describes the result of an upstream call.
type OutcomeEvent struct {
	AccountID string
	Platform  Platform
	Model     string
	Success   bool
	Duration  time.Duration
	Usage     Usage
	Cost      float64
	Error     error
}
