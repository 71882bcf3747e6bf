// README: Dispatch service keeps driver availability and answers proximity queries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"cabcore/internal/modules/geo"
	"cabcore/internal/types"
)

type Service struct {
	store      Store
	log        logrus.FieldLogger
	maxResults int
	radiusKm   float64
	now        func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMaxResults(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// WithDefaultRadius sets the radius used when a query leaves it at zero.
func WithDefaultRadius(km float64) Option {
	return func(s *Service) {
		if km > 0 {
			s.radiusKm = km
		}
	}
}

func NewService(store Store, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{store: store, log: log, maxResults: DefaultMaxResults, radiusKm: DefaultRadiusKm, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterCommand struct {
	DriverID types.ID
	Class    types.VehicleClass
	Capacity int
}

// Register creates the driver profile or updates class and capacity of an
// existing one. New drivers start OFFLINE with a 5.0 rating.
func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*Driver, error) {
	if cmd.DriverID == "" || !cmd.Class.Known() || cmd.Capacity <= 0 {
		return nil, ErrValidation
	}
	err := s.store.Update(ctx, cmd.DriverID, func(d *Driver) error {
		d.Class = cmd.Class
		d.Capacity = cmd.Capacity
		d.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		err = s.store.Save(ctx, Driver{
			ID:        cmd.DriverID,
			Class:     cmd.Class,
			Capacity:  cmd.Capacity,
			Status:    StatusOffline,
			Rating:    initialRating,
			UpdatedAt: s.now(),
		})
	}
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, cmd.DriverID)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	if !p.Valid() {
		return ErrValidation
	}
	return s.store.SetPosition(ctx, id, p, s.now())
}

func (s *Service) SetStatus(ctx context.Context, id types.ID, status DriverStatus) error {
	if !status.Valid() {
		return ErrValidation
	}
	if err := s.store.SetStatus(ctx, id, status); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"driver_id": id, "status": status}).Debug("driver status changed")
	return nil
}

// Nearby lists AVAILABLE drivers within q.RadiusKm of road-corrected
// distance, closest first, capped at the configured result limit.
func (s *Service) Nearby(ctx context.Context, q Query) ([]Candidate, error) {
	if !q.Center.Valid() || q.RadiusKm < 0 {
		return nil, ErrValidation
	}
	radius := q.RadiusKm
	if radius == 0 {
		radius = s.radiusKm
	}
	return s.search(ctx, q.Center, radius, q.Class, s.maxResults)
}

// Nearest returns the closest AVAILABLE driver regardless of distance.
func (s *Service) Nearest(ctx context.Context, center types.Point, class types.VehicleClass) (*Candidate, error) {
	if !center.Valid() {
		return nil, ErrValidation
	}
	found, err := s.search(ctx, center, geo.MaxGreatCircleKm, class, 1)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// Redis GEO measures on a slightly larger sphere than geo and snaps members
// to a 52-bit geohash, so store radii are widened by storeSlack. The exact
// corrected check in search still enforces the real bound.
const redisEarthRadiusKm = 6372.797560856

var storeSlack = redisEarthRadiusKm / geo.EarthRadiusKm * 1.002

// storeRadius converts a corrected radius into the straight-line radius
// passed to Store.Within.
func storeRadius(radiusKm float64) float64 {
	return radiusKm / geo.RoadFactor * storeSlack
}

func (s *Service) search(ctx context.Context, center types.Point, radiusKm float64, class types.VehicleClass, limit int) ([]Candidate, error) {
	raw := storeRadius(radiusKm)
	drivers, err := s.store.Within(ctx, center, raw)
	if err != nil {
		return nil, fmt.Errorf("dispatch: search: %w", err)
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if d.Status != StatusAvailable || d.Position == nil {
			continue
		}
		if class != "" && d.Class != class {
			continue
		}
		dist := geo.GreatCircleKm(center, *d.Position)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	geo.SortByDistance(out, func(c Candidate) float64 { return c.DistanceKm })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateRating folds a new rating into the driver's running average and
// returns the result rounded to two places.
func (s *Service) UpdateRating(ctx context.Context, id types.ID, rating decimal.Decimal) (decimal.Decimal, error) {
	if rating.LessThan(minRating) || rating.GreaterThan(maxRating) {
		return decimal.Zero, ErrValidation
	}
	var updated decimal.Decimal
	err := s.store.Update(ctx, id, func(d *Driver) error {
		n := decimal.NewFromInt(int64(d.TotalTrips))
		sum := d.Rating.Mul(n).Add(rating)
		d.Rating = types.RoundHalfUp(sum.Div(n.Add(decimal.NewFromInt(1))))
		d.TotalTrips++
		updated = d.Rating
		return nil
	})
	return updated, err
}
