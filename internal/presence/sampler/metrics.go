package sampler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sampler_samples_total",
		Help: "Position samples accepted by the adaptive sampler.",
	})
	modeSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sampler_mode_switches_total",
		Help: "Tracking mode switches grouped by target mode.",
	}, []string{"mode"})
	activeMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sampler_active_mode",
		Help: "1 while sampling in ACTIVE mode, 0 otherwise.",
	})
)
