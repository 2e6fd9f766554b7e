package geo

import (
	"math"

	"github.com/example/festivo/internal/presence/domain"
)

const earthRadius = 6371000.0

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadius * c
}

// ValidRadius reports whether a zone radius can be used for containment.
func ValidRadius(radius float64) bool {
	return radius > 0 && !math.IsNaN(radius) && !math.IsInf(radius, 0)
}

// Contains reports whether p lies inside z. Zones with unusable geometry
// contain nothing.
func Contains(z domain.Zone, p domain.GeoPoint) bool {
	if !ValidRadius(z.RadiusMeters) {
		return false
	}
	return DistanceMeters(p, z.Center) <= z.RadiusMeters
}

// NearAny reports whether p is inside or within margin meters of the edge of
// any zone.
func NearAny(p domain.GeoPoint, zones []domain.Zone, margin float64) bool {
	for _, z := range zones {
		if !ValidRadius(z.RadiusMeters) {
			continue
		}
		if DistanceMeters(p, z.Center) <= z.RadiusMeters+margin {
			return true
		}
	}
	return false
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
