package fare

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/squarejellyfish/ntuber/internal/models"
)

func TestLocalPriceTiers(t *testing.T) {
	e := New(DefaultConfig())
	cases := []struct {
		d    float64
		want int64
	}{
		{0, 20},
		{500, 20},
		{500.5, 30},
		{1000, 30},
		{1001, 45},
		{1100, 45},
		{1101, 50},
		{1500, 65},
	}
	for _, c := range cases {
		if got := e.LocalPrice(c.d); got != c.want {
			t.Errorf("LocalPrice(%v) = %d; want %d", c.d, got, c.want)
		}
	}
}

func TestBoundaryRoundsUp(t *testing.T) {
	e := New(DefaultConfig())
	if e.LocalPrice(1001) != e.LocalPrice(1100) {
		t.Fatalf("1001 m and 1100 m should share a surcharge step")
	}
}

func TestWideIncrementOneStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers.StepM = 500
	e := New(cfg)
	want := cfg.Tiers.BasePrice + cfg.Tiers.StepPrice
	if got := e.LocalPrice(1500); got != want {
		t.Fatalf("LocalPrice(1500) = %d; want base + one step %d", got, want)
	}
}

func TestToNativeRounding(t *testing.T) {
	e := New(DefaultConfig())
	if got := e.ToNative(20); !got.Equal(decimal.RequireFromString("0.0002")) {
		t.Fatalf("ToNative(20) = %s", got)
	}
	if got := e.ToNative(65); !got.Equal(decimal.RequireFromString("0.00065")) {
		t.Fatalf("ToNative(65) = %s", got)
	}
	cfg := DefaultConfig()
	cfg.ExchangeRate = decimal.NewFromInt(3)
	if got := New(cfg).ToNative(1); !got.Equal(decimal.RequireFromString("0.33333")) {
		t.Fatalf("expected 5 digit rounding, got %s", got)
	}
}

func TestEstimateDegenerateInput(t *testing.T) {
	e := New(DefaultConfig())
	q := e.Estimate(models.Point{Lat: math.NaN()}, models.Point{Lat: 25, Lng: 121})
	if q.Valid {
		t.Fatal("expected invalid quote")
	}
	if q.Local != 20 {
		t.Fatalf("expected minimum tier, got %d", q.Local)
	}
}

func TestEstimateRoute(t *testing.T) {
	e := New(DefaultConfig())
	from := models.Point{Lat: 25.0174, Lng: 121.5397}
	to := models.Point{Lat: 25.0174, Lng: 121.5397}
	q := e.Estimate(from, to)
	if !q.Valid || q.DistanceM != 0 || q.Local != 20 {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestDefaultQuote(t *testing.T) {
	e := New(DefaultConfig())
	q := e.Default()
	if !q.Native.Equal(decimal.RequireFromString("0.001")) || q.Local != 100 {
		t.Fatalf("unexpected default %+v", q)
	}
}
