// README: In-memory driver store used by tests and single-process runs.
package dispatch

import (
	"context"
	"sync"
	"time"

	"cabcore/internal/modules/geo"
	"cabcore/internal/types"
)

type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[types.ID]Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[types.ID]Driver)}
}

func (s *MemoryStore) Save(_ context.Context, d Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneDriver(d)
	return &out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id types.ID, status DriverStatus) error {
	return s.Update(ctx, id, func(d *Driver) error {
		d.Status = status
		return nil
	})
}

func (s *MemoryStore) SetPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	return s.Update(ctx, id, func(d *Driver) error {
		d.Position = &p
		d.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) Within(_ context.Context, center types.Point, radiusKm float64) ([]Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Driver
	for _, d := range s.drivers {
		if d.Position == nil {
			continue
		}
		if geo.HaversineKm(center.Lat, center.Lng, d.Position.Lat, d.Position.Lng) <= radiusKm {
			out = append(out, cloneDriver(d))
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id types.ID, fn func(*Driver) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d = cloneDriver(d)
	if err := fn(&d); err != nil {
		return err
	}
	s.drivers[id] = d
	return nil
}

func cloneDriver(d Driver) Driver {
	if d.Position != nil {
		p := *d.Position
		d.Position = &p
	}
	return d
}
