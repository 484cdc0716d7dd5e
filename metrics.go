package revpad

import "github.com/prometheus/client_golang/prometheus"

var SubmitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "revpad",
	Subsystem: "manager",
	Name:      "submits",
}, []string{"doc", "result"})

var SubmitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "revpad",
	Subsystem: "manager",
	Name:      "submit_duration_ms",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"doc"})

var SnapshotCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "revpad",
	Subsystem: "manager",
	Name:      "snapshots",
}, []string{"doc", "trigger", "result"})

var DeferredSnapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "revpad",
	Subsystem: "manager",
	Name:      "deferred_snapshots",
}, []string{"doc"})

var CurrentSeq = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "revpad",
	Subsystem: "manager",
	Name:      "current_seq",
}, []string{"doc"})

// Collectors lists every manager metric for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{SubmitCount, SubmitDuration, SnapshotCount, DeferredSnapshots, CurrentSeq}
}
