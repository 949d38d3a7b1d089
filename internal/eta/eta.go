package eta

import (
	"github.com/squarejellyfish/ntuber/internal/geo"
	"github.com/squarejellyfish/ntuber/internal/models"
)

// Estimator reports travel time in seconds between two points.
type Estimator interface {
	EstimateSeconds(from, to models.Point) (float64, error)
}

// Straight estimates travel time as great-circle distance over a fixed speed.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateSeconds(from, to models.Point) (float64, error) {
	return EstimateSeconds(from, to, s.SpeedMps), nil
}

// Naive ETA: distance / speed_mps. In prod use a routing engine.
func EstimateSeconds(from, to models.Point, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 4.0 // bike speed around campus
	}
	return geo.Distance(from, to) / speedMps
}

// WithFallback returns the primary estimate, or the straight-line estimate
// when the primary fails.
type WithFallback struct {
	Primary  Estimator
	Fallback Straight
}

func (w WithFallback) EstimateSeconds(from, to models.Point) (float64, error) {
	if w.Primary != nil {
		if v, err := w.Primary.EstimateSeconds(from, to); err == nil {
			return v, nil
		}
	}
	return w.Fallback.EstimateSeconds(from, to)
}
