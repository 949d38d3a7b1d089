package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/observability"
)

// MemoryChannel keeps the latest sample per ride in process. It also records
// the first publisher of each ride as its writer.
type MemoryChannel struct {
	strict bool
	logger *slog.Logger

	mu      sync.RWMutex
	latest  map[uint64]models.Sample
	writers map[uint64]models.Address
}

func NewMemoryChannel(strict bool, logger *slog.Logger) *MemoryChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryChannel{
		strict:  strict,
		logger:  logger.With("component", "relay_memory"),
		latest:  make(map[uint64]models.Sample),
		writers: make(map[uint64]models.Address),
	}
}

func (m *MemoryChannel) Publish(ctx context.Context, s models.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.writers[s.RideID]; ok && !w.Equal(s.Publisher) {
		observability.RelayForeignPublishTotal.Inc()
		m.logger.Warn("foreign position publisher", "ride_id", s.RideID, "writer", w, "publisher", s.Publisher)
		if m.strict {
			return ErrForeignPublisher
		}
	} else if !ok {
		m.writers[s.RideID] = s.Publisher
	}
	m.latest[s.RideID] = s
	return nil
}

func (m *MemoryChannel) Latest(ctx context.Context, rideID uint64) (models.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Sample{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.latest[rideID]
	return s, ok, nil
}

func (m *MemoryChannel) Forget(ctx context.Context, rideID uint64) error {
	m.mu.Lock()
	delete(m.latest, rideID)
	delete(m.writers, rideID)
	m.mu.Unlock()
	return nil
}

// Writer returns the recorded writer of a ride.
func (m *MemoryChannel) Writer(rideID uint64) (models.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.writers[rideID]
	return w, ok
}
