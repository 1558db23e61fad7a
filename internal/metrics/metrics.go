package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan outcomes.
const (
	OutcomeAccepted      = "accepted"
	OutcomeAlreadyMarked = "already_marked"
	OutcomeRejected      = "rejected"
	OutcomeError         = "error"
)

var (
	// ScansTotal counts scan attempts by outcome.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_scans_total",
		Help: "Scan attempts by outcome.",
	}, []string{"outcome"})

	// SessionsClosedTotal counts sessions driven to a terminal status.
	SessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_sessions_closed_total",
		Help: "Sessions closed, by cause (expiry, manual, displaced, cancel).",
	}, []string{"cause"})

	// SweepsTotal counts expiry sweep passes.
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sweeps_total",
		Help: "Expiry sweep passes.",
	})

	// SweepFailuresTotal counts per-item close failures inside sweeps.
	SweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sweep_failures_total",
		Help: "Session closes that failed during a sweep.",
	})
)
