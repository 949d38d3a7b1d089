package eta

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/squarejellyfish/ntuber/internal/models"
)

type failing struct{}

func (failing) EstimateSeconds(from, to models.Point) (float64, error) {
	return 0, errors.New("down")
}

func TestStraightUsesSpeed(t *testing.T) {
	from := models.Point{Lat: 0, Lng: 0}
	to := models.Point{Lat: 0.01, Lng: 0}
	a, _ := Straight{SpeedMps: 10}.EstimateSeconds(from, to)
	b, _ := Straight{SpeedMps: 5}.EstimateSeconds(from, to)
	if a <= 0 || b <= a {
		t.Fatalf("expected slower speed to take longer: %f vs %f", a, b)
	}
}

func TestFallbackOnPrimaryError(t *testing.T) {
	w := WithFallback{Primary: failing{}, Fallback: Straight{SpeedMps: 10}}
	v, err := w.EstimateSeconds(models.Point{}, models.Point{Lat: 0.01})
	if err != nil || v <= 0 {
		t.Fatalf("expected fallback estimate, got %f err=%v", v, err)
	}
}

func TestOSRMClientParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":42.5}]}`)
	}))
	defer srv.Close()
	c := NewOSRMClient(srv.URL)
	v, err := c.EstimateSeconds(models.Point{}, models.Point{Lat: 1})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if v != 42.5 {
		t.Fatalf("expected 42.5, got %f", v)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(models.Point{}, models.Point{}); err == nil {
		t.Fatal("expected error")
	}
}
