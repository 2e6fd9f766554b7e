package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_writes_total",
		Help: "Store writes grouped by operation and result.",
	}, []string{"op", "result"})

	writesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_writes_dropped_total",
		Help: "Writes dropped because the write queue was full or the record could not be encoded.",
	})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "store_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})
)
