package geo

import (
	"math"

	"github.com/example/delivery-dispatch/internal/models"
)

// earthRadiusKm is used for every great-circle calculation in this
// package; callers must not mix it with other radius constants.
const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between a and b in km.
func Haversine(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Within reports whether p lies inside the bounding circle of radiusKm
// around center. This is a containment test, not road distance.
func Within(center, p models.Coord, radiusKm float64) bool {
	return Haversine(center, p) <= radiusKm
}

// ETAMinutes converts a distance to whole minutes at an assumed average
// speed. This is a heuristic, not a routed ETA.
func ETAMinutes(distKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = 25 // urban default
	}
	return int(math.Ceil(distKm / speedKmh * 60))
}

// RouteDistance is the remaining route for an active delivery:
// driver -> store plus store -> customer. Recomputed on demand.
func RouteDistance(driver, store, customer models.Coord) float64 {
	return Haversine(driver, store) + Haversine(store, customer)
}
