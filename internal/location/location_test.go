package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/squarejellyfish/ntuber/internal/models"
)

func TestCurrentWithoutFix(t *testing.T) {
	f := NewFeed(time.Minute)
	if _, err := f.Current(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCurrentRejectsStaleFix(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := NewFeed(10 * time.Second)
	f.now = func() time.Time { return now }
	if err := f.Update(models.Fix{Lat: 25.01, Lng: 121.53, At: now.Add(-5 * time.Second)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.Current(context.Background()); err != nil {
		t.Fatalf("expected fresh fix, got %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := f.Current(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected stale fix to be rejected, got %v", err)
	}
}

func TestUpdateRejectsInvalidCoordinates(t *testing.T) {
	f := NewFeed(0)
	if err := f.Update(models.Fix{Lat: 91, Lng: 0}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWatchDeliversAndCloses(t *testing.T) {
	f := NewFeed(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	_ = f.Update(models.Fix{Lat: 1, Lng: 1})
	_ = f.Update(models.Fix{Lat: 2, Lng: 2})

	select {
	case fix := <-ch:
		if fix.Lat != 2 {
			t.Fatalf("expected latest fix, got %+v", fix)
		}
	case <-time.After(time.Second):
		t.Fatal("no fix delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch not closed")
	}
	if n := f.Watchers(); n != 0 {
		t.Fatalf("expected no watchers, got %d", n)
	}
}
