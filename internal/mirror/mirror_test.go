package mirror

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/squarejellyfish/ntuber/internal/ledger"
	"github.com/squarejellyfish/ntuber/internal/models"
)

func seed(m *ledger.Memory, n int) {
	for i := 1; i <= n; i++ {
		m.Put(ledger.Record{
			ID:              uint64(i),
			Passenger:       "0xAAA",
			PickupLocation:  fmt.Sprintf(`{"name":"p%d","lat":25.01,"lng":121.53}`, i),
			DropoffLocation: `{"name":"d","lat":25.02,"lng":121.54}`,
			Amount:          big.NewInt(1e15),
		}, ledger.EventRequested)
	}
}

func TestRefreshBoundsWindow(t *testing.T) {
	mem := ledger.NewMemory()
	seed(mem, 25)
	m := New(mem.As("0xAAA"), Config{Window: 20}, nil)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := m.Snapshot()
	if snap.Len() != 20 {
		t.Fatalf("expected 20 rides, got %d", snap.Len())
	}
	rides := snap.Rides()
	if rides[0].ID != 25 || rides[19].ID != 6 {
		t.Fatalf("expected ids 25..6, got %d..%d", rides[0].ID, rides[19].ID)
	}
	if snap.Count() != 25 || snap.Seq() != 1 {
		t.Fatalf("unexpected count=%d seq=%d", snap.Count(), snap.Seq())
	}
}

func TestRefreshSmallLedger(t *testing.T) {
	mem := ledger.NewMemory()
	seed(mem, 3)
	m := New(mem.As("0xAAA"), Config{}, nil)
	_ = m.Refresh(context.Background())
	if m.Snapshot().Len() != 3 {
		t.Fatalf("expected 3 rides, got %d", m.Snapshot().Len())
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	mem := ledger.NewMemory()
	seed(mem, 2)
	m := New(mem.As("0xAAA"), Config{}, nil)
	_ = m.Refresh(context.Background())
	before := m.Snapshot()

	mem.FailReads(errors.New("rpc timeout"))
	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if m.Snapshot() != before {
		t.Fatal("snapshot replaced on failure")
	}
	mem.FailReads(nil)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if m.Snapshot().Seq() != before.Seq()+1 {
		t.Fatalf("expected seq %d, got %d", before.Seq()+1, m.Snapshot().Seq())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	mem := ledger.NewMemory()
	seed(mem, 1)
	m := New(mem.As("0xAAA"), Config{}, nil)
	_ = m.Refresh(context.Background())
	rides := m.Snapshot().Rides()
	rides[0].Status = models.StatusCancelled
	if r, _ := m.Snapshot().Get(1); r.Status != models.StatusCreated {
		t.Fatal("snapshot mutated through Rides()")
	}
}

func TestRunRefetchesOnNotification(t *testing.T) {
	mem := ledger.NewMemory()
	seed(mem, 1)
	m := New(mem.As("0xAAA"), Config{MinRefreshInterval: time.Millisecond, PollInterval: time.Hour}, nil)
	updates, stop := m.Updates()
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor := func(pred func(*Snapshot) bool) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case s := <-updates:
				if pred(s) {
					return
				}
			case <-deadline:
				t.Fatal("timed out waiting for snapshot")
			}
		}
	}
	waitFor(func(s *Snapshot) bool { return s.Len() == 1 })

	if err := mem.As("0xBBB").AcceptRide(context.Background(), 1); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(func(s *Snapshot) bool {
		r, ok := s.Get(1)
		return ok && r.Status == models.StatusAccepted && r.Fulfiller.Equal("0xbbb")
	})
}

func TestNormalizeFallbackAndAmount(t *testing.T) {
	r := Normalize(ledger.Record{
		ID:              4,
		Passenger:       "0xAAA",
		Driver:          ledger.ZeroAddress,
		PickupLocation:  "Main Library",
		DropoffLocation: `{"name":"Gym","lat":25.02,"lng":121.53}`,
		Amount:          big.NewInt(650000000000000),
		Timestamp:       1700000000,
		Status:          0,
	}, DefaultLandmark)
	if r.Pickup.Label != "Main Library" || r.Pickup.Lat != DefaultLandmark.Lat || r.Pickup.Lng != DefaultLandmark.Lng {
		t.Fatalf("expected fallback pickup, got %+v", r.Pickup)
	}
	if r.Dropoff.Label != "Gym" || r.Dropoff.Lat != 25.02 {
		t.Fatalf("unexpected dropoff %+v", r.Dropoff)
	}
	if !r.Fulfiller.IsZero() {
		t.Fatalf("zero address should map to no fulfiller, got %s", r.Fulfiller)
	}
	if r.Amount.String() != "0.00065" {
		t.Fatalf("unexpected amount %s", r.Amount)
	}
	if r.CreatedAt.Unix() != 1700000000 {
		t.Fatalf("unexpected timestamp %v", r.CreatedAt)
	}
}

func TestParseLocationRejectsMissingCoords(t *testing.T) {
	p, ok := ParseLocation(`{"name":"Hall"}`, DefaultLandmark)
	if ok || p.Label != "Hall" || p.Lat != DefaultLandmark.Lat {
		t.Fatalf("expected fallback with name label, got %+v ok=%v", p, ok)
	}
	p, ok = ParseLocation(EncodeLocation(models.Point{Label: "A", Lat: 1, Lng: 2}), DefaultLandmark)
	if !ok || p.Label != "A" || p.Lat != 1 || p.Lng != 2 {
		t.Fatalf("round trip failed: %+v", p)
	}
}
