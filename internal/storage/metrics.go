package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	saveLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "save_table_seconds",
		Help:      "Latency for persisting a table and its update log entry.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	loadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "load_tables_seconds",
		Help:      "Latency for loading all persisted tables.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "retries_total",
		Help:      "Transient Postgres failures that were retried.",
	})

	storedTables = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "storage",
		Name:      "tables",
		Help:      "Tables found in Postgres at the last load.",
	})

	tracer = otel.Tracer("github.com/example/table-sync/storage")
)

func init() {
	prometheus.MustRegister(saveLatency, loadLatency, retries, storedTables)
}
