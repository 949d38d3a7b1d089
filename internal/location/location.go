// Package location provides the device position the session acts on.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/squarejellyfish/ntuber/internal/geo"
	"github.com/squarejellyfish/ntuber/internal/models"
)

var ErrUnavailable = errors.New("device location unavailable")

// Source yields device fixes.
type Source interface {
	// Current returns a fresh fix or ErrUnavailable.
	Current(ctx context.Context) (models.Fix, error)
	// Watch streams every new fix until ctx ends, then closes the channel.
	Watch(ctx context.Context) (<-chan models.Fix, error)
}

// DefaultMaxAge is how old a fix may be before Current rejects it.
const DefaultMaxAge = 30 * time.Second

// Feed is a Source fed from outside, typically by the browser pushing
// geolocation readings over the HTTP API.
type Feed struct {
	maxAge time.Duration
	now    func() time.Time

	mu       sync.Mutex
	last     models.Fix
	has      bool
	watchers map[int]chan models.Fix
	nextID   int
}

func NewFeed(maxAge time.Duration) *Feed {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Feed{maxAge: maxAge, now: time.Now, watchers: make(map[int]chan models.Fix)}
}

// Update records a new fix and hands it to every watcher. A watcher that has
// not consumed the previous fix gets it replaced.
func (f *Feed) Update(fix models.Fix) error {
	if !geo.ValidPoint(models.Point{Lat: fix.Lat, Lng: fix.Lng}) {
		return errors.New("invalid coordinates")
	}
	if fix.At.IsZero() {
		fix.At = f.now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last, f.has = fix, true
	for _, ch := range f.watchers {
		select {
		case ch <- fix:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- fix
		}
	}
	return nil
}

func (f *Feed) Current(ctx context.Context) (models.Fix, error) {
	if err := ctx.Err(); err != nil {
		return models.Fix{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.has || f.now().Sub(f.last.At) > f.maxAge {
		return models.Fix{}, ErrUnavailable
	}
	return f.last, nil
}

// Watch never replays an old fix; only readings after the call are sent.
func (f *Feed) Watch(ctx context.Context) (<-chan models.Fix, error) {
	ch := make(chan models.Fix, 1)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = ch
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers, id)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// Watchers reports how many watches are open.
func (f *Feed) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}
