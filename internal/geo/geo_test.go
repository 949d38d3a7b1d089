package geo

import (
	"math"
	"testing"

	"github.com/squarejellyfish/ntuber/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	want := EarthRadius * math.Pi / 180
	if math.Abs(d-want) > 1e-6 {
		t.Fatalf("expected %f, got %f", want, d)
	}
}

func TestValidPoint(t *testing.T) {
	cases := []struct {
		p    models.Point
		want bool
	}{
		{models.Point{Lat: 25.0174, Lng: 121.5397}, true},
		{models.Point{Lat: math.NaN(), Lng: 0}, false},
		{models.Point{Lat: 0, Lng: math.Inf(1)}, false},
		{models.Point{Lat: 91, Lng: 0}, false},
		{models.Point{Lat: 0, Lng: -181}, false},
	}
	for _, c := range cases {
		if got := ValidPoint(c.p); got != c.want {
			t.Errorf("ValidPoint(%+v) = %v; want %v", c.p, got, c.want)
		}
	}
}

func TestNearbyOnlyOpenRidesNearestFirst(t *testing.T) {
	from := models.Point{Lat: 0, Lng: 0}
	rides := []models.Ride{
		{ID: 1, Status: models.StatusCreated, Pickup: models.Point{Lat: 0.02}},
		{ID: 2, Status: models.StatusAccepted, Pickup: models.Point{Lat: 0.001}},
		{ID: 3, Status: models.StatusCreated, Pickup: models.Point{Lat: 0.01}},
		{ID: 4, Status: models.StatusCreated, Pickup: models.Point{Lat: 0.01}},
	}
	got := Nearby(rides, from, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 open rides, got %d", len(got))
	}
	ids := []uint64{got[0].Ride.ID, got[1].Ride.ID, got[2].Ride.ID}
	if ids[0] != 4 || ids[1] != 3 || ids[2] != 1 {
		t.Fatalf("unexpected order %v", ids)
	}
	if limited := Nearby(rides, from, 1); len(limited) != 1 || limited[0].Ride.ID != 4 {
		t.Fatalf("limit not applied: %+v", limited)
	}
}
