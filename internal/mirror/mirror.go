// Package mirror keeps a recency-bounded local copy of the ledger's rides.
package mirror

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/squarejellyfish/ntuber/internal/ledger"
	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/observability"
)

type Config struct {
	// Window is how many of the most recent ride ids are mirrored.
	Window int
	// PollInterval refetches the window even without notifications.
	PollInterval time.Duration
	// MinRefreshInterval coalesces notification bursts into one refetch.
	MinRefreshInterval time.Duration
	// Fallback is the coordinate used for malformed location fields.
	Fallback models.Point
}

func DefaultConfig() Config {
	return Config{
		Window:             20,
		PollInterval:       15 * time.Second,
		MinRefreshInterval: 500 * time.Millisecond,
		Fallback:           DefaultLandmark,
	}
}

// Source is the read side of the ledger the mirror depends on.
type Source interface {
	ledger.Reader
	ledger.Notifier
}

// Snapshot is an immutable view of the mirrored window, newest ride first.
type Snapshot struct {
	rides     []models.Ride
	count     uint64
	seq       uint64
	fetchedAt time.Time
}

// Rides returns a copy of the mirrored rides, newest first.
func (s *Snapshot) Rides() []models.Ride {
	return append([]models.Ride(nil), s.rides...)
}

func (s *Snapshot) Get(id uint64) (models.Ride, bool) {
	for _, r := range s.rides {
		if r.ID == id {
			return r, true
		}
	}
	return models.Ride{}, false
}

func (s *Snapshot) Len() int { return len(s.rides) }

// Count is the ledger's total ride count at fetch time.
func (s *Snapshot) Count() uint64 { return s.count }

// Seq increases by one with every successful refresh.
func (s *Snapshot) Seq() uint64 { return s.seq }

func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

type Mirror struct {
	src     Source
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	snap      atomic.Pointer[Snapshot]
	refreshMu sync.Mutex

	mu      sync.Mutex
	subs    map[int]chan *Snapshot
	nextSub int
}

func New(src Source, cfg Config, logger *slog.Logger) *Mirror {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = def.MinRefreshInterval
	}
	if cfg.Fallback == (models.Point{}) {
		cfg.Fallback = def.Fallback
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		src:     src,
		cfg:     cfg,
		logger:  logger.With("component", "mirror"),
		limiter: rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1),
		subs:    make(map[int]chan *Snapshot),
	}
	m.snap.Store(&Snapshot{})
	return m
}

// Snapshot returns the current snapshot; never nil.
func (m *Mirror) Snapshot() *Snapshot { return m.snap.Load() }

// Updates delivers every new snapshot. Slow readers only see the latest one.
// The returned func unsubscribes.
func (m *Mirror) Updates() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Refresh refetches the trailing window. On any read failure the previous
// snapshot stays in place and the error is returned for logging only.
func (m *Mirror) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	start := time.Now()

	count, err := m.src.RideCount(ctx)
	if err != nil {
		return m.fail("ride_count", err, start)
	}
	first := uint64(1)
	if window := uint64(m.cfg.Window); count > window {
		first = count - window + 1
	}
	rides := make([]models.Ride, 0, m.cfg.Window)
	for id := count; id >= first && id > 0; id-- {
		rec, err := m.src.Ride(ctx, id)
		if err != nil {
			return m.fail("ride", err, start)
		}
		rides = append(rides, Normalize(rec, m.cfg.Fallback))
	}

	prev := m.snap.Load()
	next := &Snapshot{rides: rides, count: count, seq: prev.seq + 1, fetchedAt: time.Now()}
	m.snap.Store(next)
	observability.MirrorRefreshTotal.WithLabelValues("ok").Inc()
	observability.MirrorRefreshDuration.Observe(time.Since(start).Seconds())
	observability.MirrorRides.Set(float64(len(rides)))
	m.logger.Debug("mirror refreshed", "count", count, "window", len(rides), "seq", next.seq)
	m.publish(next)
	return nil
}

func (m *Mirror) fail(stage string, err error, start time.Time) error {
	observability.MirrorRefreshTotal.WithLabelValues("error").Inc()
	observability.MirrorRefreshDuration.Observe(time.Since(start).Seconds())
	m.logger.Warn("mirror refresh failed, keeping previous snapshot", "stage", stage, "error", err)
	return err
}

func (m *Mirror) publish(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

// Run performs the initial fetch and then refetches on every ledger
// notification and poll tick until ctx ends.
func (m *Mirror) Run(ctx context.Context) error {
	events := m.subscribe(ctx)
	_ = m.Refresh(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				m.logger.Warn("ledger subscription ended, relying on polling")
				events = nil
				continue
			}
			m.logger.Debug("ledger notification", "kind", ev.Kind, "ride_id", ev.RideID)
			if err := m.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			drain(events)
			_ = m.Refresh(ctx)
		case <-ticker.C:
			if events == nil {
				events = m.subscribe(ctx)
			}
			_ = m.Refresh(ctx)
		}
	}
}

func (m *Mirror) subscribe(ctx context.Context) <-chan ledger.Event {
	events, err := m.src.Subscribe(ctx)
	if err != nil {
		m.logger.Warn("ledger subscribe failed, relying on polling", "error", err)
		return nil
	}
	return events
}

// drain discards queued notifications; the refetch that follows covers them.
func drain(events <-chan ledger.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
