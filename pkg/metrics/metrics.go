package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Enclave/partition inventory
	EnclavesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nclav_enclaves_total",
			Help: "Total number of enclaves by cloud and status",
		},
		[]string{"cloud", "status"},
	)

	PartitionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nclav_partitions_total",
			Help: "Total number of partitions by produces type and status",
		},
		[]string{"produces", "status"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nclav_reconciliation_duration_seconds",
			Help:    "Time taken for a reconcile cycle in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"dry_run"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nclav_reconciliation_cycles_total",
			Help: "Total number of reconcile cycles completed by outcome",
		},
		[]string{"outcome"},
	)

	ReconciliationChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nclav_reconciliation_changes_total",
			Help: "Total number of changes applied by kind",
		},
		[]string{"kind"},
	)

	// Driver operation metrics
	DriverCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nclav_driver_call_duration_seconds",
			Help:    "Time taken for a driver call in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cloud", "operation"},
	)

	DriverCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nclav_driver_calls_total",
			Help: "Total number of driver calls by cloud, operation and outcome",
		},
		[]string{"cloud", "operation", "outcome"},
	)

	DriverLroPolls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nclav_driver_lro_polls",
			Help:    "Number of polls taken for a long-running operation to complete",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 120},
		},
		[]string{"cloud"},
	)

	// IaC subprocess backend metrics
	IacRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nclav_iac_run_duration_seconds",
			Help:    "Time taken for a terraform/tofu subprocess run in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"action"},
	)

	IacRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nclav_iac_runs_total",
			Help: "Total number of IaC subprocess runs by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// State store metrics
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nclav_store_op_duration_seconds",
			Help:    "Time taken for a state store operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	TfLockConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nclav_tf_lock_conflicts_total",
			Help: "Total number of Terraform state lock conflicts observed",
		},
	)
)

func init() {
	prometheus.MustRegister(EnclavesTotal)
	prometheus.MustRegister(PartitionsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationChangesTotal)
	prometheus.MustRegister(DriverCallDuration)
	prometheus.MustRegister(DriverCallsTotal)
	prometheus.MustRegister(DriverLroPolls)
	prometheus.MustRegister(IacRunDuration)
	prometheus.MustRegister(IacRunsTotal)
	prometheus.MustRegister(StoreOpDuration)
	prometheus.MustRegister(TfLockConflictsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
