package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "host",
		Name:      "mutations_total",
		Help:      "Authoritative table mutations by operation.",
	}, []string{"op"})

	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "host",
		Name:      "publish_failures_total",
		Help:      "Wire messages the publisher failed to deliver.",
	})

	tableCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "host",
		Name:      "tables",
		Help:      "Number of authoritative tables held by the host.",
	})

	tracer = otel.Tracer("github.com/example/table-sync/host")
)

func init() {
	prometheus.MustRegister(mutations, publishFailures, tableCount)
}
