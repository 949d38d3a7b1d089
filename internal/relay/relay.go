// Package relay shares the fulfiller's live position with the requester while
// a ride is trackable. Delivery is best effort and only the latest sample per
// ride matters.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/squarejellyfish/ntuber/internal/location"
	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/observability"
)

// ErrForeignPublisher is returned by strict channels when someone other than
// the ride's first publisher writes to it.
var ErrForeignPublisher = errors.New("sample published by a foreign writer")

type Publisher interface {
	// Publish overwrites the latest sample for s.RideID.
	Publish(ctx context.Context, s models.Sample) error
}

type Poller interface {
	// Latest returns the newest sample for the ride, or false when none exists.
	Latest(ctx context.Context, rideID uint64) (models.Sample, bool, error)
}

// Channel is a keyed latest-value medium addressed by ride id.
type Channel interface {
	Publisher
	Poller
	// Forget drops the ride's state. Leaving it behind is harmless.
	Forget(ctx context.Context, rideID uint64) error
}

// Split combines a write path and a read path that live on different
// transports, e.g. Kafka in and Redis out.
type Split struct {
	Publisher
	Poller
}

func (s Split) Forget(ctx context.Context, rideID uint64) error {
	if f, ok := s.Poller.(interface {
		Forget(context.Context, uint64) error
	}); ok {
		return f.Forget(ctx, rideID)
	}
	return nil
}

type Config struct {
	// PollInterval is how often the requester reads the channel.
	PollInterval time.Duration
	// PublishTimeout bounds a single publish.
	PublishTimeout time.Duration
	// PollTimeout bounds a single poll.
	PollTimeout time.Duration
	// StrictWriter drops samples whose publisher is not the ride's fulfiller.
	StrictWriter bool
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		PublishTimeout: 2 * time.Second,
		PollTimeout:    time.Second,
	}
}

type task struct {
	rideID uint64
	side   models.Role
	cancel context.CancelFunc
	done   chan struct{}
}

// Relay runs at most one relay task at a time. The fulfiller side watches
// the device and publishes, the requester side polls. Samples for the
// session, including the fulfiller's own, are delivered on Samples.
type Relay struct {
	ch       Channel
	loc      location.Source
	identity models.Address
	cfg      Config
	logger   *slog.Logger
	out      chan models.Sample

	mu     sync.Mutex
	active *task
}

func New(ch Channel, loc location.Source, identity models.Address, cfg Config, logger *slog.Logger) *Relay {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		ch:       ch,
		loc:      loc,
		identity: identity,
		cfg:      cfg,
		logger:   logger.With("component", "relay"),
		out:      make(chan models.Sample, 1),
	}
}

// Samples carries the latest sample; unread ones are overwritten.
func (r *Relay) Samples() <-chan models.Sample { return r.out }

// Active reports the ride id currently relayed, or 0.
func (r *Relay) Active() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return 0
	}
	return r.active.rideID
}

// Sync aligns the running task with the ride of interest. A nil or
// non-trackable ride stops any task; a terminal ride previously relayed by
// this side as fulfiller is also forgotten on the channel.
func (r *Relay) Sync(ride *models.Ride, side models.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := ride != nil && ride.Status.Trackable() && side.Valid()
	if a := r.active; a != nil {
		if want && a.rideID == ride.ID && a.side == side {
			return
		}
		r.stopLocked()
		if ride != nil && ride.ID == a.rideID && ride.Status.Terminal() && a.side == models.RoleFulfiller {
			r.forget(a.rideID)
		}
	}
	if !want {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{rideID: ride.ID, side: side, cancel: cancel, done: make(chan struct{})}
	r.active = t
	observability.RelayActive.Set(1)
	r.logger.Info("relay started", "ride_id", ride.ID, "side", side)

	target := *ride
	go func() {
		defer close(t.done)
		if side == models.RoleFulfiller {
			r.publishLoop(ctx, target)
		} else {
			r.pollLoop(ctx, target)
		}
	}()
}

// Stop cancels the running task and waits for it to exit.
func (r *Relay) Stop() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
}

func (r *Relay) stopLocked() {
	a := r.active
	if a == nil {
		return
	}
	a.cancel()
	<-a.done
	r.active = nil
	observability.RelayActive.Set(0)
	r.logger.Info("relay stopped", "ride_id", a.rideID, "side", a.side)
}

func (r *Relay) forget(rideID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer cancel()
	if err := r.ch.Forget(ctx, rideID); err != nil {
		r.logger.Debug("relay forget failed", "ride_id", rideID, "error", err)
	}
}

func (r *Relay) publishLoop(ctx context.Context, ride models.Ride) {
	fixes, err := r.loc.Watch(ctx)
	if err != nil {
		r.logger.Warn("location watch unavailable, not publishing", "ride_id", ride.ID, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				return
			}
			s := models.Sample{RideID: ride.ID, Lat: fix.Lat, Lng: fix.Lng, Publisher: r.identity, At: fix.At}
			r.emit(s)
			r.publish(ctx, s)
		}
	}
}

func (r *Relay) publish(ctx context.Context, s models.Sample) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	if err := r.ch.Publish(pctx, s); err != nil {
		observability.RelayPublishedTotal.WithLabelValues("error").Inc()
		r.logger.Debug("position publish failed", "ride_id", s.RideID, "error", err)
		return
	}
	observability.RelayPublishedTotal.WithLabelValues("ok").Inc()
}

func (r *Relay) pollLoop(ctx context.Context, ride models.Ride) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		r.poll(ctx, ride)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Relay) poll(ctx context.Context, ride models.Ride) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()
	s, ok, err := r.ch.Latest(pctx, ride.ID)
	switch {
	case err != nil:
		observability.RelayPollsTotal.WithLabelValues("error").Inc()
		r.logger.Debug("position poll failed", "ride_id", ride.ID, "error", err)
		return
	case !ok:
		observability.RelayPollsTotal.WithLabelValues("empty").Inc()
		return
	}
	observability.RelayPollsTotal.WithLabelValues("ok").Inc()
	if !ride.Fulfiller.IsZero() && !s.Publisher.Equal(ride.Fulfiller) {
		observability.RelayForeignPublishTotal.Inc()
		r.logger.Warn("position sample not published by the fulfiller", "ride_id", ride.ID, "publisher", s.Publisher, "fulfiller", ride.Fulfiller)
		if r.cfg.StrictWriter {
			return
		}
	}
	r.emit(s)
}

// emit never blocks; a pending sample is replaced by the newer one.
func (r *Relay) emit(s models.Sample) {
	select {
	case r.out <- s:
		return
	default:
	}
	select {
	case <-r.out:
	default:
	}
	select {
	case r.out <- s:
	default:
	}
}
