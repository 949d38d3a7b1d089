package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/squarejellyfish/ntuber/internal/eta"
	"github.com/squarejellyfish/ntuber/internal/fare"
	"github.com/squarejellyfish/ntuber/internal/geo"
	"github.com/squarejellyfish/ntuber/internal/ledger"
	"github.com/squarejellyfish/ntuber/internal/location"
	"github.com/squarejellyfish/ntuber/internal/mirror"
	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/observability"
	"github.com/squarejellyfish/ntuber/internal/storage"
)

var (
	ErrNotAllowed          = errors.New("action not allowed in current session state")
	ErrBusy                = errors.New("another action is in progress")
	ErrLocationUnavailable = errors.New("device location required")
	ErrStopped             = errors.New("session stopped")
)

// Rides is the mirrored ride window the engine reconciles against.
type Rides interface {
	Snapshot() *mirror.Snapshot
	Updates() (<-chan *mirror.Snapshot, func())
	Refresh(ctx context.Context) error
}

// Tracker relays positions for the ride of interest.
type Tracker interface {
	Sync(ride *models.Ride, side models.Role)
	Samples() <-chan models.Sample
	Stop()
}

type Config struct {
	Identity models.Address
	Role     models.Role
	// Near is where the open pool is ranked from when no device fix exists.
	Near models.Point
	// PoolLimit caps OpenPool results when the caller passes no limit.
	PoolLimit int
}

type Deps struct {
	Ledger   ledger.Writer
	Rides    Rides
	Tracker  Tracker
	Location location.Source
	Fares    *fare.Estimator
	ETA      eta.Estimator
	Deferred *storage.DeferredSet
	Logger   *slog.Logger
}

// View is the externally visible session.
type View struct {
	Mode       Mode           `json:"mode"`
	Role       models.Role    `json:"role"`
	Identity   models.Address `json:"identity"`
	Ride       *models.Ride   `json:"ride,omitempty"`
	Draft      Draft          `json:"draft"`
	Quote      fare.Quote     `json:"quote"`
	Position   *models.Sample `json:"position,omitempty"`
	ETASeconds *float64       `json:"eta_seconds,omitempty"`
	Pending    string         `json:"pending,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Deferred   []uint64       `json:"deferred"`
	Seq        uint64         `json:"seq"`
}

// Engine owns the session. Every state change runs on the loop started by
// Run; ledger transactions run on the caller's goroutine in between.
type Engine struct {
	cfg      Config
	ledger   ledger.Writer
	rides    Rides
	tracker  Tracker
	loc      location.Source
	fares    *fare.Estimator
	eta      eta.Estimator
	deferred *storage.DeferredSet
	logger   *slog.Logger

	cmds    chan func()
	started chan struct{}
	done    chan struct{}
	once    sync.Once

	// loop owned
	state State
	snap  *mirror.Snapshot

	mu       sync.Mutex
	watchers map[int]chan struct{}
	nextW    int
}

func New(cfg Config, deps Deps) *Engine {
	if !cfg.Role.Valid() {
		cfg.Role = models.RoleRequester
	}
	if cfg.Near == (models.Point{}) {
		cfg.Near = mirror.DefaultLandmark
	}
	if cfg.PoolLimit <= 0 {
		cfg.PoolLimit = 20
	}
	if deps.Fares == nil {
		deps.Fares = fare.New(fare.DefaultConfig())
	}
	if deps.ETA == nil {
		deps.ETA = eta.Straight{}
	}
	if deps.Deferred == nil {
		deps.Deferred, _ = storage.NewDeferredSet(context.Background(), nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		ledger:   deps.Ledger,
		rides:    deps.Rides,
		tracker:  deps.Tracker,
		loc:      deps.Location,
		fares:    deps.Fares,
		eta:      deps.ETA,
		deferred: deps.Deferred,
		logger:   deps.Logger.With("component", "session", "identity", cfg.Identity),
		cmds:     make(chan func()),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		watchers: make(map[int]chan struct{}),
	}
	e.state = State{Mode: ModeIdle, Role: cfg.Role, Identity: cfg.Identity, Quote: e.fares.Default()}
	return e
}

// Run processes snapshots, position samples and commands until ctx ends.
// It stops the tracker on the way out.
func (e *Engine) Run(ctx context.Context) error {
	updates, unsubscribe := e.rides.Updates()
	defer unsubscribe()
	var samples <-chan models.Sample
	if e.tracker != nil {
		samples = e.tracker.Samples()
		defer e.tracker.Stop()
	}
	defer close(e.done)

	e.snap = e.rides.Snapshot()
	e.reconcile()
	e.once.Do(func() { close(e.started) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-updates:
			// an action may already have installed a newer one
			if e.snap != nil && snap.Seq() <= e.snap.Seq() {
				continue
			}
			e.snap = snap
			e.reconcile()
		case s := <-samples:
			e.onSample(s)
		case fn := <-e.cmds:
			fn()
		}
	}
}

// Started is closed once the loop has taken its first snapshot.
func (e *Engine) Started() <-chan struct{} { return e.started }

// Changes signals after every state change. Signals coalesce.
func (e *Engine) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	id := e.nextW
	e.nextW++
	e.watchers[id] = ch
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) rideList() []models.Ride {
	if e.snap == nil {
		return nil
	}
	return e.snap.Rides()
}

func (e *Engine) reconcile() {
	e.commit(Reconcile(e.state, e.rideList(), e.deferred))
}

// commit installs next and brings the tracker in line with it.
func (e *Engine) commit(next State) {
	prev := e.state
	if !next.Draft.Complete() && next.Quote == (fare.Quote{}) {
		next.Quote = e.fares.Default()
	}
	if next.Ride == nil || !next.Ride.Status.Trackable() {
		next.Position = nil
	}
	if prev.Mode != next.Mode {
		observability.SessionTransitionsTotal.WithLabelValues(prev.Mode.String(), next.Mode.String()).Inc()
		e.logger.Info("session transition", "from", prev.Mode, "to", next.Mode, "ride_id", next.RideID)
	}
	e.state = next
	e.syncTracker(prev)
	e.notify()
}

func (e *Engine) syncTracker(prev State) {
	if e.tracker == nil {
		return
	}
	ride := e.state.Ride
	if ride == nil && prev.RideID != 0 {
		// hand over the terminal copy so the channel can be pruned
		if r, ok := find(e.rideList(), prev.RideID); ok && r.Status.Terminal() {
			ride = &r
		}
	}
	if ride == nil {
		e.tracker.Sync(nil, "")
		return
	}
	side := models.RoleRequester
	if ride.Fulfiller.Equal(e.state.Identity) {
		side = models.RoleFulfiller
	}
	e.tracker.Sync(ride, side)
}

func (e *Engine) onSample(s models.Sample) {
	r := e.state.Ride
	if r == nil || r.ID != s.RideID || !r.Status.Trackable() {
		return
	}
	e.state.Position = &s
	e.notify()
}

// State returns a copy of the session context.
func (e *Engine) State(ctx context.Context) (State, error) {
	var s State
	err := e.call(ctx, func() { s = e.state })
	return s, err
}

// View renders the session, including an arrival estimate while the ride
// is trackable and a position is known.
func (e *Engine) View(ctx context.Context) (View, error) {
	var (
		s   State
		seq uint64
	)
	if err := e.call(ctx, func() {
		s = e.state
		if e.snap != nil {
			seq = e.snap.Seq()
		}
	}); err != nil {
		return View{}, err
	}
	v := View{
		Mode:      s.Mode,
		Role:      s.Role,
		Identity:  s.Identity,
		Ride:      s.Ride,
		Draft:     s.Draft,
		Quote:     s.Quote,
		Position:  s.Position,
		Pending:   s.Pending,
		LastError: s.LastError,
		Deferred:  e.deferred.IDs(),
		Seq:       seq,
	}
	if s.Ride != nil && s.Position != nil {
		target := s.Ride.Dropoff
		if s.Ride.Status == models.StatusAccepted {
			target = s.Ride.Pickup
		}
		from := models.Point{Lat: s.Position.Lat, Lng: s.Position.Lng}
		if secs, err := e.eta.EstimateSeconds(from, target); err == nil {
			v.ETASeconds = &secs
		} else {
			e.logger.Debug("eta unavailable", "error", err)
		}
	}
	return v, nil
}

// SwitchRole changes the role when no trip holds the session. It reports
// false, without error, when the switch is refused.
func (e *Engine) SwitchRole(ctx context.Context, role models.Role) (bool, error) {
	if !role.Valid() {
		return false, fmt.Errorf("unknown role %q", role)
	}
	var ok bool
	err := e.call(ctx, func() {
		if !CanSwitchRole(e.state) {
			return
		}
		ok = true
		if e.state.Role == role {
			return
		}
		next := e.state
		next.Role = role
		next.Draft = Draft{}
		next.Quote = fare.Quote{}
		e.commit(Reconcile(next, e.rideList(), e.deferred))
	})
	return ok, err
}

// SetDraft updates the trip being composed and reprices it. A nil point
// clears that end of the draft.
func (e *Engine) SetDraft(ctx context.Context, pickup, dropoff *models.Point) (fare.Quote, error) {
	for _, p := range []*models.Point{pickup, dropoff} {
		if p != nil && !geo.ValidPoint(*p) {
			return fare.Quote{}, fmt.Errorf("%w: invalid coordinates %v,%v", ErrNotAllowed, p.Lat, p.Lng)
		}
	}
	var (
		q   fare.Quote
		err error
	)
	cerr := e.call(ctx, func() {
		s := e.state
		if s.Role != models.RoleRequester || s.Mode != ModeIdle {
			err = fmt.Errorf("%w: drafting needs requester role in Idle", ErrNotAllowed)
			return
		}
		next := s
		next.Draft = Draft{Pickup: clonePoint(pickup), Dropoff: clonePoint(dropoff)}
		next.Quote = fare.Quote{}
		if next.Draft.Complete() {
			next.Quote = e.fares.Estimate(*next.Draft.Pickup, *next.Draft.Dropoff)
		}
		e.commit(next)
		q = e.state.Quote
	})
	if cerr != nil {
		return fare.Quote{}, cerr
	}
	return q, err
}

func clonePoint(p *models.Point) *models.Point {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// transact runs one ledger transaction. check validates and may read the
// state on the loop; after adjusts the reconciled state once the ledger
// confirmed.
// On failure the mode is left as it was before the attempt.
func (e *Engine) transact(ctx context.Context, op string, check func(s State) error, tx func(ctx context.Context) error, after func(s State) State) error {
	var err error
	if cerr := e.call(ctx, func() {
		if e.state.Pending != "" {
			err = fmt.Errorf("%w: %s", ErrBusy, e.state.Pending)
			return
		}
		if err = check(e.state); err != nil {
			return
		}
		e.state.Pending = op
		e.state.LastError = ""
		e.notify()
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	start := time.Now()
	txErr := tx(ctx)
	observability.LedgerTxTotal.WithLabelValues(op, txResult(txErr)).Inc()
	observability.LedgerTxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if txErr == nil {
		_ = e.rides.Refresh(ctx)
		e.logger.Info("transaction confirmed", "op", op, "duration_ms", time.Since(start).Milliseconds())
	} else {
		e.logger.Warn("transaction failed", "op", op, "error", txErr)
	}

	cerr := e.call(context.WithoutCancel(ctx), func() {
		next := e.state
		next.Pending = ""
		if txErr != nil {
			next.LastError = txErr.Error()
			e.commit(next)
			return
		}
		e.snap = e.rides.Snapshot()
		next = Reconcile(next, e.rideList(), e.deferred)
		if after != nil {
			next = after(next)
		}
		e.commit(next)
	})
	if txErr != nil {
		return txErr
	}
	return cerr
}

func txResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrRejected):
		return "rejected"
	case errors.Is(err, ledger.ErrReverted):
		return "reverted"
	default:
		return "failed"
	}
}

func notAllowed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotAllowed, fmt.Sprintf(format, args...))
}

// RequestRide submits the draft with the current quote as payment.
func (e *Engine) RequestRide(ctx context.Context) error {
	var pickup, dropoff models.Point
	var quote fare.Quote
	return e.transact(ctx, "requestRide",
		func(s State) error {
			if s.Role != models.RoleRequester || s.Mode != ModeIdle {
				return notAllowed("requesting needs requester role in Idle, have %s in %s", s.Role, s.Mode)
			}
			if !s.Draft.Complete() {
				return notAllowed("pickup and dropoff are required")
			}
			pickup, dropoff, quote = *s.Draft.Pickup, *s.Draft.Dropoff, s.Quote
			return nil
		},
		func(ctx context.Context) error {
			wei := quote.Native.Shift(18).BigInt()
			return e.ledger.RequestRide(ctx, mirror.EncodeLocation(pickup), mirror.EncodeLocation(dropoff), wei)
		},
		func(s State) State {
			s.Mode = ModeWaitingForFulfiller
			return s
		},
	)
}

// AcceptRide takes an open ride. A device fix is required so the requester
// can follow the fulfiller.
func (e *Engine) AcceptRide(ctx context.Context, id uint64) error {
	if e.loc == nil {
		return ErrLocationUnavailable
	}
	fix, err := e.loc.Current(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	return e.transact(ctx, "acceptRide",
		func(s State) error {
			if s.Role != models.RoleFulfiller || s.Mode != ModeIdle {
				return notAllowed("accepting needs fulfiller role in Idle, have %s in %s", s.Role, s.Mode)
			}
			if id == 0 {
				return notAllowed("ride id required")
			}
			return nil
		},
		func(ctx context.Context) error { return e.ledger.AcceptRide(ctx, id) },
		func(s State) State {
			if s.RideID == id && s.Position == nil {
				s.Position = &models.Sample{RideID: id, Lat: fix.Lat, Lng: fix.Lng, Publisher: s.Identity, At: fix.At}
			}
			return s
		},
	)
}

func (e *Engine) StartRide(ctx context.Context) error {
	var id uint64
	return e.transact(ctx, "startRide",
		func(s State) error {
			if s.Role != models.RoleFulfiller || s.Mode != ModeFulfillerEnRoute || s.RideID == 0 {
				return notAllowed("starting needs fulfiller role in FulfillerEnRoute, have %s in %s", s.Role, s.Mode)
			}
			id = s.RideID
			return nil
		},
		func(ctx context.Context) error { return e.ledger.StartRide(ctx, id) },
		nil,
	)
}

func (e *Engine) CompleteRide(ctx context.Context) error {
	var id uint64
	return e.transact(ctx, "completeRide",
		func(s State) error {
			if s.Role != models.RoleRequester || s.Mode != ModeTripInProgress || s.RideID == 0 {
				return notAllowed("completing needs requester role in TripInProgress, have %s in %s", s.Role, s.Mode)
			}
			id = s.RideID
			return nil
		},
		func(ctx context.Context) error { return e.ledger.CompleteRide(ctx, id) },
		nil,
	)
}

// CancelRide cancels id, or the ride of interest when id is 0. Outside
// History the session is reset afterwards.
func (e *Engine) CancelRide(ctx context.Context, id uint64) error {
	target := id
	return e.transact(ctx, "cancelRide",
		func(s State) error {
			if target == 0 {
				target = s.RideID
			}
			if target == 0 {
				return notAllowed("no ride to cancel")
			}
			return nil
		},
		func(ctx context.Context) error { return e.ledger.CancelRide(ctx, target) },
		func(s State) State {
			if s.Mode == ModeHistory {
				return s
			}
			return ResetTrip(s)
		},
	)
}

// Rate submits a 1 to 5 star rating for the ride being rated.
func (e *Engine) Rate(ctx context.Context, stars uint8) error {
	if stars < 1 || stars > 5 {
		return notAllowed("rating must be between 1 and 5, got %d", stars)
	}
	var id uint64
	return e.transact(ctx, "rateDriver",
		func(s State) error {
			if s.Mode != ModeRating || s.RideID == 0 {
				return notAllowed("no ride is being rated")
			}
			id = s.RideID
			return nil
		},
		func(ctx context.Context) error { return e.ledger.RateDriver(ctx, id, stars) },
		ResetTrip,
	)
}

// SkipRating defers the ride being rated and resets. The id is deferred
// locally even when persisting it fails; the set retries the write later.
func (e *Engine) SkipRating(ctx context.Context) error {
	var (
		id  uint64
		err error
	)
	if cerr := e.call(ctx, func() {
		if e.state.Mode != ModeRating || e.state.RideID == 0 {
			err = notAllowed("no ride is being rated")
			return
		}
		id = e.state.RideID
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	if perr := e.deferred.Defer(ctx, id); perr != nil {
		e.logger.Warn("persisting deferred rating failed", "ride_id", id, "error", perr)
	}
	return e.call(context.WithoutCancel(ctx), func() {
		if e.state.Mode != ModeRating || e.state.RideID != id {
			return
		}
		e.commit(ResetTrip(e.state))
	})
}

// EnterRating pins a completed ride the identity still has to rate and
// suspends evaluation until the rating is submitted, skipped or exited.
func (e *Engine) EnterRating(ctx context.Context, id uint64) error {
	var err error
	cerr := e.call(ctx, func() {
		s := e.state
		if s.Mode != ModeIdle && s.Mode != ModeHistory {
			err = notAllowed("rating can only be opened from Idle or History")
			return
		}
		r, ok := find(e.rideList(), id)
		if !ok || !RatingEligible(r, s.Identity) {
			err = notAllowed("ride %d cannot be rated", id)
			return
		}
		next := pin(s, r, ModeRating)
		next.ManualRating = true
		next.ReturnMode = s.Mode
		e.commit(next)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// ExitRating leaves Rating without deciding. A manually opened rating
// returns to where it was opened from; an automatic one returns to Idle
// until the next ledger change brings it back.
func (e *Engine) ExitRating(ctx context.Context) error {
	var err error
	cerr := e.call(ctx, func() {
		s := e.state
		if s.Mode != ModeRating {
			err = notAllowed("not rating")
			return
		}
		back := ModeIdle
		if s.ManualRating {
			back = s.ReturnMode
		}
		next := unpin(s, back)
		e.commit(next)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) OpenHistory(ctx context.Context) error {
	var err error
	cerr := e.call(ctx, func() {
		switch e.state.Mode {
		case ModeHistory:
		case ModeIdle:
			next := e.state
			next.Mode = ModeHistory
			e.commit(next)
		default:
			err = notAllowed("history can only be opened from Idle")
		}
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// CloseHistory returns to Idle and re-evaluates the ride set.
func (e *Engine) CloseHistory(ctx context.Context) error {
	return e.call(ctx, func() {
		if e.state.Mode != ModeHistory {
			return
		}
		next := unpin(e.state, ModeIdle)
		e.commit(Reconcile(next, e.rideList(), e.deferred))
	})
}

// Reset drops the local trip context. The ledger is untouched, so a live
// ride is picked up again on the next snapshot.
func (e *Engine) Reset(ctx context.Context) error {
	return e.call(ctx, func() {
		e.commit(ResetTrip(e.state))
	})
}

// OpenPool lists Created rides nearest first. near defaults to the device
// position, then to the configured point.
func (e *Engine) OpenPool(ctx context.Context, near *models.Point, limit int) []geo.Candidate {
	if limit <= 0 {
		limit = e.cfg.PoolLimit
	}
	from := e.cfg.Near
	switch {
	case near != nil:
		from = *near
	case e.loc != nil:
		if fix, err := e.loc.Current(ctx); err == nil {
			from = models.Point{Lat: fix.Lat, Lng: fix.Lng}
		}
	}
	return geo.Nearby(e.rides.Snapshot().Rides(), from, limit)
}

// History lists the identity's mirrored rides, newest first.
func (e *Engine) History() []models.Ride {
	var out []models.Ride
	for _, r := range e.rides.Snapshot().Rides() {
		if r.Involves(e.cfg.Identity) {
			out = append(out, r)
		}
	}
	return out
}

// Identity is the account the session acts as.
func (e *Engine) Identity() models.Address { return e.cfg.Identity }
