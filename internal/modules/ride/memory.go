// README: In-memory ride store; one mutex makes each primitive atomic.
package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cabcore/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	rides  map[types.ID]*Ride
	tracks map[types.ID][]TrackPoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[types.ID]*Ride),
		tracks: make(map[types.ID][]TrackPoint),
	}
}

func (s *MemoryStore) CreateExclusive(_ context.Context, r *Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rides {
		if existing.CustomerID == r.CustomerID && !existing.Status.Terminal() {
			return ErrActiveRide
		}
	}
	s.rides[r.ID] = cloneRide(r)
	return nil
}

func (s *MemoryStore) AssignDriver(_ context.Context, id types.ID, from Status, version int, driverID types.ID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from || r.StatusVersion != version {
		return false, nil
	}
	for _, other := range s.rides {
		if other.ID != id && other.Status.Assigned() && other.AssignedTo(driverID) {
			return false, ErrDriverBusy
		}
	}
	r.assign(driverID, at)
	return true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, t Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[t.RideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != t.From || r.StatusVersion != t.Version {
		return false, nil
	}
	r.apply(t)
	return true, nil
}

func (s *MemoryStore) SetRating(_ context.Context, id types.ID, role Role, rating decimal.Decimal, feedback string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != StatusCompleted {
		return false, nil
	}
	switch role {
	case RoleCustomer:
		if r.DriverRating != nil {
			return false, nil
		}
		r.DriverRating = &rating
		r.CustomerFeedback = optional(feedback)
	case RoleDriver:
		if r.CustomerRating != nil {
			return false, nil
		}
		r.CustomerRating = &rating
		r.DriverFeedback = optional(feedback)
	default:
		return false, ErrValidation
	}
	return true, nil
}

func (s *MemoryStore) AppendTrackPoint(_ context.Context, p TrackPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rides[p.RideID]; !ok {
		return ErrNotFound
	}
	s.tracks[p.RideID] = append(s.tracks[p.RideID], p)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (s *MemoryStore) Track(_ context.Context, id types.ID) ([]TrackPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]TrackPoint(nil), s.tracks[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (s *MemoryStore) ByCustomer(_ context.Context, customerID types.ID, page, size int) (Page, error) {
	return s.page(func(r *Ride) bool { return r.CustomerID == customerID }, page, size), nil
}

func (s *MemoryStore) ByDriver(_ context.Context, driverID types.ID, page, size int) (Page, error) {
	return s.page(func(r *Ride) bool { return r.AssignedTo(driverID) }, page, size), nil
}

func (s *MemoryStore) page(match func(*Ride) bool, page, size int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Ride
	for _, r := range s.rides {
		if match(r) {
			all = append(all, *cloneRide(r))
		}
	}
	sortNewestFirst(all)
	p := Page{Items: []Ride{}, Page: page, Size: size, Total: len(all)}
	start := page * size
	if start >= len(all) {
		return p
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	p.Items = all[start:end]
	return p
}

func (s *MemoryStore) Active(_ context.Context) ([]Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Ride{}
	for _, r := range s.rides {
		if !r.Status.Terminal() {
			out = append(out, *cloneRide(r))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(rides []Ride) {
	sort.SliceStable(rides, func(i, j int) bool {
		if rides[i].RequestedAt.Equal(rides[j].RequestedAt) {
			return rides[i].ID > rides[j].ID
		}
		return rides[i].RequestedAt.After(rides[j].RequestedAt)
	})
}

// cloneRide copies r deeply enough that callers cannot alias stored state.
func cloneRide(r *Ride) *Ride {
	c := *r
	c.DriverID = clonePtr(r.DriverID)
	c.ActualFare = clonePtr(r.ActualFare)
	c.DistanceKm = clonePtr(r.DistanceKm)
	c.DurationMinutes = clonePtr(r.DurationMinutes)
	c.AcceptedAt = clonePtr(r.AcceptedAt)
	c.DriverArrivedAt = clonePtr(r.DriverArrivedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	c.CancelReason = clonePtr(r.CancelReason)
	c.CancelledBy = clonePtr(r.CancelledBy)
	c.DriverRating = clonePtr(r.DriverRating)
	c.CustomerFeedback = clonePtr(r.CustomerFeedback)
	c.CustomerRating = clonePtr(r.CustomerRating)
	c.DriverFeedback = clonePtr(r.DriverFeedback)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
