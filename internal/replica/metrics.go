package replica

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "replica",
		Name:      "apply_seconds",
		Help:      "Time spent applying an inbound update, including listener fan-out.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"kind"})

	protocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replica",
		Name:      "protocol_violations_total",
		Help:      "Updates dropped because they targeted a table with no replica.",
	}, []string{"kind"})

	listenerFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replica",
		Name:      "listener_faults_total",
		Help:      "Listener invocations that returned an error or panicked.",
	})

	replicaCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "replica",
		Name:      "tables",
		Help:      "Number of replicated tables held in memory across all stores.",
	})

	tracer = otel.Tracer("github.com/example/table-sync/replica")
)

func init() {
	prometheus.MustRegister(applyLatency, protocolViolations, listenerFaults, replicaCount)
}
