package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "ciqueue_"

var reservationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "reservations_total",
		Help: "Number of reserve/reserve_lost outcomes, by outcome",
	},
	[]string{"outcome"},
)

var requeuesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "requeues_total",
		Help: "Number of requeue attempts, by outcome",
	},
	[]string{"outcome"},
)

var heartbeatsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "heartbeats_total",
		Help: "Number of heartbeat script invocations, by outcome",
	},
	[]string{"outcome"},
)

var leaseExtensionSeconds = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    metricsPrefix + "lease_extension_seconds",
		Help:    "Seconds a lease deadline was pushed out by a heartbeat",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	},
)

var masterElectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "master_elections_total",
		Help: "Master election/takeover outcomes",
	},
	[]string{"outcome"},
)

var timingStoreSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "timing_store_size",
		Help: "Number of unit ids currently tracked in the timing store",
	},
)

var timingUpdateDurationSeconds = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    metricsPrefix + "timing_update_duration_seconds",
		Help:    "Wall time spent applying a timing-store EMA update",
		Buckets: prometheus.DefBuckets,
	},
)

var queueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "queue_depth",
		Help: "Number of executables remaining in the queue, as last observed by the supervisor",
	},
)

var runningCount = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "running_count",
		Help: "Number of executables currently reserved, as last observed by the supervisor",
	},
)

// Metrics bundles the package-level Prometheus collectors so call sites
// don't reach for bare package vars.
type Metrics struct{}

func NewMetrics() *Metrics { return &Metrics{} }

func (*Metrics) RecordReservation(outcome string) { reservationsTotal.WithLabelValues(outcome).Inc() }
func (*Metrics) RecordRequeue(outcome string)     { requeuesTotal.WithLabelValues(outcome).Inc() }
func (*Metrics) RecordHeartbeat(outcome string)   { heartbeatsTotal.WithLabelValues(outcome).Inc() }
func (*Metrics) RecordLeaseExtension(seconds float64) {
	leaseExtensionSeconds.Observe(seconds)
}
func (*Metrics) RecordMasterElection(outcome string) {
	masterElectionsTotal.WithLabelValues(outcome).Inc()
}
func (*Metrics) SetTimingStoreSize(n float64)          { timingStoreSize.Set(n) }
func (*Metrics) RecordTimingUpdateDuration(seconds float64) {
	timingUpdateDurationSeconds.Observe(seconds)
}
func (*Metrics) SetQueueDepth(n float64)   { queueDepth.Set(n) }
func (*Metrics) SetRunningCount(n float64) { runningCount.Set(n) }
