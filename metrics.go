package msgstore

import "github.com/prometheus/client_golang/prometheus"

var IndexBuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "msgstore",
	Subsystem: "index_registry",
	Name:      "builds",
}, []string{"index", "reason"})

var IndexBuildResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "msgstore",
	Subsystem: "index_registry",
	Name:      "build_results",
}, []string{"index", "result"})

var IndexBuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "msgstore",
	Subsystem: "index_registry",
	Name:      "build_duration",
	Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
}, []string{"index"})

var IndexReadinessStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "msgstore",
	Subsystem: "index_registry",
	Name:      "readiness",
}, []string{"index"})

var ReconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "msgstore",
	Subsystem: "failed_messages_job",
	Name:      "runs",
}, []string{"result"})

var ReconcileTransitioned = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "msgstore",
	Subsystem: "failed_messages_job",
	Name:      "messages_failed",
})
