package inspect

import "github.com/prometheus/client_golang/prometheus"

var cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inspect",
	Name:      "cache_lookups_total",
	Help:      "Encoded table cache lookups by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(cacheLookups)
}
