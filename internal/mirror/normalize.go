package mirror

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/squarejellyfish/ntuber/internal/geo"
	"github.com/squarejellyfish/ntuber/internal/ledger"
	"github.com/squarejellyfish/ntuber/internal/models"
)

// DefaultLandmark is where unparseable locations are placed.
var DefaultLandmark = models.Point{Lat: 25.0174, Lng: 121.5397}

// weiExp is the fixed-point exponent of the native currency.
const weiExp = -18

type locationJSON struct {
	Name string   `json:"name"`
	Lat  *float64 `json:"lat"`
	Lng  *float64 `json:"lng"`
}

// ParseLocation decodes a `{"name","lat","lng"}` location field. Anything
// else keeps the raw text as label and lands on the fallback coordinate.
func ParseLocation(raw string, fallback models.Point) (models.Point, bool) {
	var loc locationJSON
	if err := json.Unmarshal([]byte(raw), &loc); err == nil && loc.Lat != nil && loc.Lng != nil {
		p := models.Point{Label: loc.Name, Lat: *loc.Lat, Lng: *loc.Lng}
		if geo.ValidPoint(p) {
			return p, true
		}
	}
	label := raw
	if loc.Name != "" {
		label = loc.Name
	}
	return models.Point{Label: label, Lat: fallback.Lat, Lng: fallback.Lng}, false
}

// EncodeLocation is the inverse of ParseLocation, used when requesting rides.
func EncodeLocation(p models.Point) string {
	lat, lng := p.Lat, p.Lng
	b, _ := json.Marshal(locationJSON{Name: p.Label, Lat: &lat, Lng: &lng})
	return string(b)
}

// Normalize converts a raw contract record into a Ride.
func Normalize(rec ledger.Record, fallback models.Point) models.Ride {
	pickup, _ := ParseLocation(rec.PickupLocation, fallback)
	dropoff, _ := ParseLocation(rec.DropoffLocation, fallback)
	r := models.Ride{
		ID:        rec.ID,
		Requester: models.Address(rec.Passenger),
		Pickup:    pickup,
		Dropoff:   dropoff,
		Amount:    decimal.Zero,
		Status:    models.Status(rec.Status),
		Rated:     rec.IsRated,
		Rating:    rec.Rating,
	}
	if rec.Driver != "" && !strings.EqualFold(rec.Driver, ledger.ZeroAddress) {
		r.Fulfiller = models.Address(rec.Driver)
	}
	if rec.Amount != nil {
		r.Amount = decimal.NewFromBigInt(rec.Amount, weiExp)
	}
	if rec.Timestamp > 0 && rec.Timestamp < math.MaxInt64 {
		r.CreatedAt = time.Unix(int64(rec.Timestamp), 0).UTC()
	}
	return r
}
