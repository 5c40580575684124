package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Verbs Metrics
// =============================================================================

var (
	// QPTransitionsTotal counts queue pair state changes.
	QPTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaperf_qp_transitions_total",
			Help: "Total queue pair state transitions by transport and target state",
		},
		[]string{"transport", "state"},
	)

	// CompletionErrorsTotal counts work completions with a non-success status.
	CompletionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaperf_completion_errors_total",
			Help: "Total work completions with an error status",
		},
		[]string{"test", "status"},
	)

	// UnknownWRTagsTotal counts completions carrying an identifier no loop
	// posted.
	UnknownWRTagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaperf_unknown_wr_tags_total",
			Help: "Total completions with an unrecognised work request tag",
		},
		[]string{"test"},
	)

	// VerificationMismatchesTotal counts atomic results that broke the
	// expected sequence.
	VerificationMismatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaperf_verification_mismatches_total",
			Help: "Total atomic verification mismatches",
		},
		[]string{"test"},
	)

	// MaxCQEs tracks the largest completion batch of the last run.
	MaxCQEs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmaperf_max_cqes",
			Help: "Largest number of completions returned by one poll in the last run",
		},
		[]string{"test"},
	)
)

// RecordQPTransition records a queue pair reaching state.
func RecordQPTransition(transport, state string) {
	QPTransitionsTotal.WithLabelValues(transport, state).Inc()
}

// RecordCompletionError records a failed work completion.
func RecordCompletionError(test, status string) {
	CompletionErrorsTotal.WithLabelValues(test, status).Inc()
}

// RecordUnknownWRTag records a completion nobody claimed.
func RecordUnknownWRTag(test string) {
	UnknownWRTagsTotal.WithLabelValues(test).Inc()
}

// RecordVerificationMismatch records a broken atomic sequence.
func RecordVerificationMismatch(test string) {
	VerificationMismatchesTotal.WithLabelValues(test).Inc()
}

// SetMaxCQEs publishes the largest completion batch of a run.
func SetMaxCQEs(test string, n uint32) {
	MaxCQEs.WithLabelValues(test).Set(float64(n))
}
