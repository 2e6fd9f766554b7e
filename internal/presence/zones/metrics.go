package zones

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	zoneChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_zone_changes_total",
		Help: "Resolved zone changes for the local subject.",
	})

	invalidZones = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_invalid_zones_total",
		Help: "Zones skipped because of invalid geometry.",
	})
)
