package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/squarejellyfish/ntuber/internal/location"
	"github.com/squarejellyfish/ntuber/internal/models"
)

func trackable(id uint64, status models.Status) *models.Ride {
	return &models.Ride{ID: id, Requester: "0xAAA", Fulfiller: "0xBBB", Status: status}
}

func waitSample(t *testing.T, r *Relay, pred func(models.Sample) bool) models.Sample {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.Samples():
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for sample")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFulfillerPublishesFixes(t *testing.T) {
	ch := NewMemoryChannel(false, nil)
	feed := location.NewFeed(0)
	r := New(ch, feed, "0xBBB", Config{}, nil)
	defer r.Stop()

	r.Sync(trackable(7, models.StatusAccepted), models.RoleFulfiller)
	waitFor(t, func() bool { return feed.Watchers() == 1 })

	if err := feed.Update(models.Fix{Lat: 25.02, Lng: 121.54}); err != nil {
		t.Fatalf("update: %v", err)
	}
	local := waitSample(t, r, func(models.Sample) bool { return true })
	if local.RideID != 7 || !local.Publisher.Equal("0xbbb") {
		t.Fatalf("unexpected local echo %+v", local)
	}
	waitFor(t, func() bool {
		_, ok, _ := ch.Latest(context.Background(), 7)
		return ok
	})
	if w, _ := ch.Writer(7); !w.Equal("0xBBB") {
		t.Fatalf("expected fulfiller recorded as writer, got %q", w)
	}
}

func TestRequesterPollsImmediately(t *testing.T) {
	ch := NewMemoryChannel(false, nil)
	_ = ch.Publish(context.Background(), models.Sample{RideID: 7, Lat: 1, Lng: 2, Publisher: "0xBBB"})
	r := New(ch, location.NewFeed(0), "0xAAA", Config{PollInterval: time.Hour}, nil)
	defer r.Stop()

	r.Sync(trackable(7, models.StatusAccepted), models.RoleRequester)
	s := waitSample(t, r, func(models.Sample) bool { return true })
	if s.Lat != 1 || s.Lng != 2 {
		t.Fatalf("unexpected sample %+v", s)
	}
}

func TestRequesterWithoutSampleStaysEmpty(t *testing.T) {
	ch := NewMemoryChannel(false, nil)
	r := New(ch, location.NewFeed(0), "0xAAA", Config{PollInterval: 5 * time.Millisecond}, nil)
	r.Sync(trackable(7, models.StatusOngoing), models.RoleRequester)
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	select {
	case s := <-r.Samples():
		t.Fatalf("unexpected sample %+v", s)
	default:
	}
}

func TestSyncStopsWhenRideLeavesTrackableWindow(t *testing.T) {
	ch := NewMemoryChannel(false, nil)
	feed := location.NewFeed(0)
	r := New(ch, feed, "0xBBB", Config{}, nil)

	r.Sync(trackable(7, models.StatusAccepted), models.RoleFulfiller)
	waitFor(t, func() bool { return feed.Watchers() == 1 })
	_ = ch.Publish(context.Background(), models.Sample{RideID: 7, Publisher: "0xBBB"})

	r.Sync(trackable(7, models.StatusOngoing), models.RoleFulfiller)
	if r.Active() != 7 {
		t.Fatal("task should survive Accepted to Ongoing")
	}

	r.Sync(trackable(7, models.StatusCompleted), models.RoleFulfiller)
	if r.Active() != 0 {
		t.Fatal("task should stop on completion")
	}
	waitFor(t, func() bool { return feed.Watchers() == 0 })
	if _, ok, _ := ch.Latest(context.Background(), 7); ok {
		t.Fatal("terminal ride should be forgotten by its writer")
	}
}

func TestSyncNilStops(t *testing.T) {
	r := New(NewMemoryChannel(false, nil), location.NewFeed(0), "0xAAA", Config{PollInterval: time.Hour}, nil)
	r.Sync(trackable(3, models.StatusAccepted), models.RoleRequester)
	if r.Active() != 3 {
		t.Fatal("expected active task")
	}
	r.Sync(nil, models.RoleRequester)
	if r.Active() != 0 {
		t.Fatal("expected no task")
	}
}

func TestStrictRequesterDropsForeignSample(t *testing.T) {
	ch := NewMemoryChannel(false, nil)
	_ = ch.Publish(context.Background(), models.Sample{RideID: 7, Lat: 9, Publisher: "0xEVE"})
	r := New(ch, location.NewFeed(0), "0xAAA", Config{PollInterval: 5 * time.Millisecond, StrictWriter: true}, nil)
	r.Sync(trackable(7, models.StatusAccepted), models.RoleRequester)
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	select {
	case s := <-r.Samples():
		t.Fatalf("foreign sample delivered: %+v", s)
	default:
	}
}

func TestMemoryChannelWriterTracking(t *testing.T) {
	ctx := context.Background()
	lax := NewMemoryChannel(false, nil)
	_ = lax.Publish(ctx, models.Sample{RideID: 1, Lat: 1, Publisher: "0xBBB"})
	if err := lax.Publish(ctx, models.Sample{RideID: 1, Lat: 2, Publisher: "0xEVE"}); err != nil {
		t.Fatalf("permissive channel rejected: %v", err)
	}
	if s, _, _ := lax.Latest(ctx, 1); s.Lat != 2 {
		t.Fatal("permissive channel should overwrite")
	}

	strict := NewMemoryChannel(true, nil)
	_ = strict.Publish(ctx, models.Sample{RideID: 1, Lat: 1, Publisher: "0xBBB"})
	if err := strict.Publish(ctx, models.Sample{RideID: 1, Lat: 2, Publisher: "0xEVE"}); !errors.Is(err, ErrForeignPublisher) {
		t.Fatalf("expected ErrForeignPublisher, got %v", err)
	}
	if err := strict.Publish(ctx, models.Sample{RideID: 1, Lat: 3, Publisher: "0xbbb"}); err != nil {
		t.Fatalf("writer rejected after case change: %v", err)
	}
	if s, _, _ := strict.Latest(ctx, 1); s.Lat != 3 {
		t.Fatalf("unexpected latest %+v", s)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []models.Sample
}

func (p *recordingPublisher) Publish(ctx context.Context, s models.Sample) error {
	p.mu.Lock()
	p.sent = append(p.sent, s)
	p.mu.Unlock()
	return nil
}

func TestSplitRoutesByDirection(t *testing.T) {
	pub := &recordingPublisher{}
	poll := NewMemoryChannel(false, nil)
	_ = poll.Publish(context.Background(), models.Sample{RideID: 4, Publisher: "0xBBB"})
	s := Split{Publisher: pub, Poller: poll}

	_ = s.Publish(context.Background(), models.Sample{RideID: 5})
	if len(pub.sent) != 1 {
		t.Fatalf("expected publish on write path, got %d", len(pub.sent))
	}
	if _, ok, _ := poll.Latest(context.Background(), 5); ok {
		t.Fatal("write path leaked into read path")
	}
	if err := s.Forget(context.Background(), 4); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok, _ := poll.Latest(context.Background(), 4); ok {
		t.Fatal("forget should reach the read path")
	}
}

func TestAMQPHandleCachesLatest(t *testing.T) {
	a := &AMQPChannel{cache: NewMemoryChannel(false, nil), logger: slog.Default()}
	body, _ := json.Marshal(models.Sample{RideID: 8, Lat: 25.0, Lng: 121.5, Publisher: "0xBBB"})
	a.handle(context.Background(), body)
	a.handle(context.Background(), []byte("not json"))

	s, ok, err := a.Latest(context.Background(), 8)
	if err != nil || !ok || s.Lat != 25.0 {
		t.Fatalf("unexpected latest %+v ok=%v err=%v", s, ok, err)
	}
	if routingKey(8) != "ride.8" {
		t.Fatalf("unexpected routing key %s", routingKey(8))
	}
}
