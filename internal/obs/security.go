package obs

import "github.com/prometheus/client_golang/prometheus"

// Security subsystem counters. Labels never carry account identifiers.
var (
	FieldCryptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famsave_fieldcrypt_failures_total",
			Help: "Field encryption and decryption failures by field kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	GuardDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famsave_guard_decisions_total",
			Help: "Brute-force guard admission decisions.",
		},
		[]string{"outcome"},
	)

	GuardTrackedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "famsave_guard_tracked_keys",
		Help: "Keys currently tracked by the in-memory brute-force guard.",
	})

	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famsave_tokens_issued_total",
			Help: "Signed tokens issued by type.",
		},
		[]string{"type"},
	)

	TokenRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famsave_token_rotations_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)

	LoginOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famsave_login_outcomes_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)
)
