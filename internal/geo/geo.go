package geo

import (
	"math"
	"sort"

	"github.com/squarejellyfish/ntuber/internal/models"
)

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

// Distance is Haversine between two points.
func Distance(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// ValidPoint reports whether p holds finite, in-range coordinates.
func ValidPoint(p models.Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Candidate is an open ride together with its pickup distance.
type Candidate struct {
	Ride     models.Ride `json:"ride"`
	Distance float64     `json:"distance_m"`
}

// Nearby returns the open (Created) rides ordered by pickup distance from
// the given point, nearest first. Ties keep the newest ride first. A limit
// <= 0 returns every open ride.
func Nearby(rides []models.Ride, from models.Point, limit int) []Candidate {
	out := make([]Candidate, 0, len(rides))
	for _, r := range rides {
		if r.Status != models.StatusCreated {
			continue
		}
		out = append(out, Candidate{Ride: r, Distance: Distance(from, r.Pickup)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Ride.ID > out[j].Ride.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
