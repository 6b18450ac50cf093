package matcher

import (
	"errors"
	"sort"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

// ErrNoDriverAvailable means no candidate passed the radius filter.
// Callers leave the order awaiting assignment; this is not fatal.
var ErrNoDriverAvailable = errors.New("no driver available")

// Candidate is a scored driver, ordered best-first by Rank.
type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
	Score      float64
}

// Score is the 0-100 composite:
//
//	distance  max 50:  max(0, 50 - km), linear decay
//	rating    max 30:  avg * 6
//	load      max 20:  max(0, 20 - 5*active)
//
// Active deliveries should be zero for candidates since availability
// filters them out, but the load term guards against races and
// manual overrides.
func Score(distanceKm, rating float64, activeDeliveries int) float64 {
	dist := 50 - distanceKm
	if dist < 0 {
		dist = 0
	}
	load := 20 - 5*float64(activeDeliveries)
	if load < 0 {
		load = 0
	}
	return dist + rating*6 + load
}

// Rank filters drivers to the bounding circle around origin and sorts
// them by score, best first. The ordering is fully deterministic:
// score desc, then fresher location data, then driver id.
func Rank(origin models.Coord, drivers []models.Driver, radiusKm float64) []Candidate {
	cands := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		dist := geo.Haversine(origin, d.Loc)
		if dist > radiusKm {
			continue
		}
		active := 0
		if d.CurrentDelivery != "" {
			active = 1
		}
		cands = append(cands, Candidate{
			Driver:     d,
			DistanceKm: dist,
			Score:      Score(dist, d.Rating, active),
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		ti, tj := cands[i].Driver.LastLocationAt, cands[j].Driver.LastLocationAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return cands[i].Driver.ID < cands[j].Driver.ID
	})
	return cands
}

// Match returns the best candidate for an order's pickup point.
func Match(origin models.Coord, drivers []models.Driver, radiusKm float64) (Candidate, error) {
	cands := Rank(origin, drivers, radiusKm)
	if len(cands) == 0 {
		return Candidate{}, ErrNoDriverAvailable
	}
	return cands[0], nil
}
