// Package metrics provides Prometheus metrics collection for rdmaperf.
//
// The daemon exposes metrics at /metrics (default port 9765):
//
// Run Metrics:
//   - rdmaperf_runs_total: Completed test runs by test, role and outcome
//   - rdmaperf_run_duration_seconds: Wall clock time of each run
//   - rdmaperf_active_runs: Runs in progress
//
// Transfer Metrics:
//   - rdmaperf_bytes_total: Bytes moved by test and direction
//   - rdmaperf_messages_total: Messages moved by test and direction
//
// Verbs level instruments live in rdma_metrics.go.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaperf_runs_total",
			Help: "Total number of test runs",
		},
		[]string{"test", "role", "status"},
	)

	// RunDuration tracks run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmaperf_run_duration_seconds",
			Help:    "Test run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"test", "role"},
	)

	// ActiveRuns tracks runs in progress
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmaperf_active_runs",
			Help: "Number of test runs in progress",
		},
	)

	// BytesTotal tracks bytes moved per direction
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaperf_bytes_total",
			Help: "Total bytes transferred",
		},
		[]string{"test", "direction"},
	)

	// MessagesTotal tracks messages moved per direction
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaperf_messages_total",
			Help: "Total messages transferred",
		},
		[]string{"test", "direction"},
	)

	// RequestErrorsTotal counts requests the daemon rejected before running
	RequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaperf_request_errors_total",
			Help: "Total number of rejected test requests",
		},
		[]string{"reason"},
	)

	// NodeInfo provides node information
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmaperf_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "version", "backend"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID, backend string) {
	NodeInfo.WithLabelValues(nodeID, Version, backend).Set(1)
}

// RunStarted marks a run as in progress
func RunStarted() {
	ActiveRuns.Inc()
}

// RecordRun records a finished run and the traffic this node counted for it
func RecordRun(test, role string, err error, duration time.Duration, sent, received Transfer) {
	ActiveRuns.Dec()

	RunsTotal.WithLabelValues(test, role, statusOf(err)).Inc()
	RunDuration.WithLabelValues(test, role).Observe(duration.Seconds())

	BytesTotal.WithLabelValues(test, "send").Add(float64(sent.Bytes))
	BytesTotal.WithLabelValues(test, "recv").Add(float64(received.Bytes))
	MessagesTotal.WithLabelValues(test, "send").Add(float64(sent.Msgs))
	MessagesTotal.WithLabelValues(test, "recv").Add(float64(received.Msgs))
}

// RecordRequestError records a rejected request
func RecordRequestError(reason string) {
	RequestErrorsTotal.WithLabelValues(reason).Inc()
}

// Transfer is the byte and message count of one direction.
type Transfer struct {
	Bytes uint64
	Msgs  uint64
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
