// Package monitoring holds the process-wide Prometheus metrics and the
// system snapshot used by the health endpoint.
package monitoring

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Pipeline intake
	EventsNormalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "janus_events_normalized_total",
		Help: "Inbound platform events normalized into canonical events",
	}, []string{"platform", "type"})

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "janus_events_dropped_total",
		Help: "Inbound events dropped before delivery, by reason",
	}, []string{"platform", "reason"})

	LoopFilterHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "janus_loopfilter_hits_total",
		Help: "Inbound events suppressed as echoes of our own sends",
	})

	// Queue processing
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "janus_jobs_total",
		Help: "Queue jobs settled, by queue class and outcome",
	}, []string{"queue_class", "outcome"})

	// Outbound deliveries
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "janus_deliveries_total",
		Help: "Successful outbound deliveries by variant",
	}, []string{"variant"})

	// Platform call protection
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "janus_breaker_state",
		Help: "Circuit state per platform (0=closed, 1=half-open, 2=open)",
	}, []string{"platform"})

	// Supervisor
	WorkerSetsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "janus_worker_sets_active",
		Help: "Delivery worker sets currently running",
	})

	BridgesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "janus_bridges_active",
		Help: "Bridge pairs currently active",
	})
)

func init() {
	prometheus.MustRegister(EventsNormalized)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(LoopFilterHits)

	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(Deliveries)

	prometheus.MustRegister(BreakerState)

	prometheus.MustRegister(WorkerSetsActive)
	prometheus.MustRegister(BridgesActive)
}

// QueueClass folds per-channel queue names into their class label so the
// metric cardinality stays flat no matter how many channels exist.
func QueueClass(name string) string {
	if strings.HasPrefix(name, "deliver:") {
		return "delivery"
	}
	return name
}
