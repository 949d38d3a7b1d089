package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/squarejellyfish/ntuber/internal/models"
)

// Memory is an in-process stand-in for the ride contract. It enforces the
// same status machine and emits the same notifications, which makes it
// usable for local runs and tests. Each party talks to it through As.
type Memory struct {
	mu      sync.Mutex
	rides   []Record
	subs    map[int]chan Event
	nextSub int
	readErr error
	reject  map[string]bool
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan Event), reject: make(map[string]bool), now: time.Now}
}

// As returns a client view that signs as addr.
func (m *Memory) As(addr models.Address) *MemoryClient {
	return &MemoryClient{m: m, addr: string(addr)}
}

// FailReads makes every read fail with err until called again with nil.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// RejectNext makes the next write of op fail as if the signer declined it.
func (m *Memory) RejectNext(op string) {
	m.mu.Lock()
	m.reject[op] = true
	m.mu.Unlock()
}

// Put stores rec verbatim under rec.ID, padding missing ids with empty
// cancelled rides, then emits kind. Tests use it to script ledger history.
func (m *Memory) Put(rec Record, kind EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uint64(len(m.rides)) < rec.ID {
		id := uint64(len(m.rides)) + 1
		m.rides = append(m.rides, Record{ID: id, Passenger: ZeroAddress, Driver: ZeroAddress, Amount: new(big.Int), Status: uint8(models.StatusCancelled)})
	}
	if rec.Amount == nil {
		rec.Amount = new(big.Int)
	}
	if rec.Driver == "" {
		rec.Driver = ZeroAddress
	}
	m.rides[rec.ID-1] = rec
	m.emitLocked(Event{Kind: kind, RideID: rec.ID})
}

// Notify emits a notification without changing state.
func (m *Memory) Notify(ev Event) {
	m.mu.Lock()
	m.emitLocked(ev)
	m.mu.Unlock()
}

func (m *Memory) emitLocked(ev Event) {
	for _, ch := range m.subs {
		// a full buffer already holds a pending refresh trigger
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Memory) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

func (m *Memory) count() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	return uint64(len(m.rides)), nil
}

func (m *Memory) get(id uint64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return Record{}, m.readErr
	}
	if id == 0 || id > uint64(len(m.rides)) {
		return Record{}, ErrNotFound
	}
	rec := m.rides[id-1]
	rec.Amount = new(big.Int).Set(rec.Amount)
	return rec, nil
}

// mutate runs fn against ride id under the lock and emits kind on success.
func (m *Memory) mutate(ctx context.Context, op string, id uint64, kind EventKind, fn func(r *Record) error) error {
	if err := ctx.Err(); err != nil {
		return &TxError{Op: op, Kind: ErrFailed, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject[op] {
		delete(m.reject, op)
		return Rejected(op)
	}
	if id == 0 || id > uint64(len(m.rides)) {
		return Reverted(op, "ride does not exist")
	}
	r := &m.rides[id-1]
	if err := fn(r); err != nil {
		return err
	}
	m.emitLocked(Event{Kind: kind, RideID: id})
	return nil
}

func sameAddr(a, b string) bool { return strings.EqualFold(a, b) }

// MemoryClient is one party's connection to a Memory ledger.
type MemoryClient struct {
	m    *Memory
	addr string
}

func (c *MemoryClient) Identity() models.Address { return models.Address(c.addr) }

func (c *MemoryClient) RideCount(ctx context.Context) (uint64, error) { return c.m.count() }

func (c *MemoryClient) Ride(ctx context.Context, id uint64) (Record, error) { return c.m.get(id) }

func (c *MemoryClient) Subscribe(ctx context.Context) (<-chan Event, error) {
	return c.m.subscribe(ctx), nil
}

func (c *MemoryClient) RequestRide(ctx context.Context, pickup, dropoff string, value *big.Int) error {
	const op = "requestRide"
	if err := ctx.Err(); err != nil {
		return &TxError{Op: op, Kind: ErrFailed, Err: err}
	}
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject[op] {
		delete(m.reject, op)
		return Rejected(op)
	}
	if value == nil || value.Sign() <= 0 {
		return Reverted(op, "payment required")
	}
	id := uint64(len(m.rides)) + 1
	m.rides = append(m.rides, Record{
		ID:              id,
		Passenger:       c.addr,
		Driver:          ZeroAddress,
		PickupLocation:  pickup,
		DropoffLocation: dropoff,
		Amount:          new(big.Int).Set(value),
		Timestamp:       uint64(m.now().Unix()),
		Status:          uint8(models.StatusCreated),
	})
	m.emitLocked(Event{Kind: EventRequested, RideID: id})
	return nil
}

func (c *MemoryClient) AcceptRide(ctx context.Context, id uint64) error {
	const op = "acceptRide"
	return c.m.mutate(ctx, op, id, EventAccepted, func(r *Record) error {
		if r.Status != uint8(models.StatusCreated) {
			return Reverted(op, "ride not available")
		}
		if sameAddr(r.Passenger, c.addr) {
			return Reverted(op, "passenger cannot accept own ride")
		}
		r.Driver = c.addr
		r.Status = uint8(models.StatusAccepted)
		return nil
	})
}

func (c *MemoryClient) StartRide(ctx context.Context, id uint64) error {
	const op = "startRide"
	return c.m.mutate(ctx, op, id, EventStarted, func(r *Record) error {
		if r.Status != uint8(models.StatusAccepted) {
			return Reverted(op, "ride not accepted")
		}
		if !sameAddr(r.Driver, c.addr) {
			return Reverted(op, "only driver can start")
		}
		r.Status = uint8(models.StatusOngoing)
		return nil
	})
}

func (c *MemoryClient) CompleteRide(ctx context.Context, id uint64) error {
	const op = "completeRide"
	return c.m.mutate(ctx, op, id, EventCompleted, func(r *Record) error {
		if r.Status != uint8(models.StatusOngoing) {
			return Reverted(op, "ride not ongoing")
		}
		if !sameAddr(r.Passenger, c.addr) {
			return Reverted(op, "only passenger can complete")
		}
		r.Status = uint8(models.StatusCompleted)
		return nil
	})
}

func (c *MemoryClient) CancelRide(ctx context.Context, id uint64) error {
	const op = "cancelRide"
	return c.m.mutate(ctx, op, id, EventCancelled, func(r *Record) error {
		if r.Status != uint8(models.StatusCreated) && r.Status != uint8(models.StatusAccepted) {
			return Reverted(op, "cannot cancel now")
		}
		if !sameAddr(r.Passenger, c.addr) && !sameAddr(r.Driver, c.addr) {
			return Reverted(op, "not a participant")
		}
		r.Status = uint8(models.StatusCancelled)
		return nil
	})
}

func (c *MemoryClient) RateDriver(ctx context.Context, id uint64, stars uint8) error {
	const op = "rateDriver"
	return c.m.mutate(ctx, op, id, EventRated, func(r *Record) error {
		if stars < 1 || stars > 5 {
			return Reverted(op, "rating must be 1-5")
		}
		if r.Status != uint8(models.StatusCompleted) {
			return Reverted(op, "ride not completed")
		}
		if !sameAddr(r.Passenger, c.addr) {
			return Reverted(op, "only passenger can rate")
		}
		if r.IsRated {
			return Reverted(op, "already rated")
		}
		r.IsRated = true
		r.Rating = stars
		return nil
	})
}
