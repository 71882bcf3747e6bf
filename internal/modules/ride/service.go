// README: Ride service implements the ride lifecycle: booking, driver
// transitions, cancellation, rating and trip tracking.
package ride

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"cabcore/internal/types"
)

var (
	ErrNotFound     = errors.New("ride not found")
	ErrInvalidState = errors.New("invalid ride state")
	ErrValidation   = errors.New("invalid ride input")
	ErrConflict     = errors.New("ride state conflict")

	ErrActiveRide    = fmt.Errorf("%w: customer already has an active ride", ErrInvalidState)
	ErrDriverBusy    = fmt.Errorf("%w: driver already has an active ride", ErrInvalidState)
	ErrNotAssignee   = fmt.Errorf("%w: driver is not assigned to this ride", ErrInvalidState)
	ErrNotOwner      = fmt.Errorf("%w: caller is not the ride's customer", ErrInvalidState)
	ErrWrongCode     = fmt.Errorf("%w: start code does not match", ErrInvalidState)
	ErrAlreadyRated  = fmt.Errorf("%w: ride already rated by this role", ErrInvalidState)
	ErrNotCompleted  = fmt.Errorf("%w: ride is not completed", ErrInvalidState)
	ErrNotInProgress = fmt.Errorf("%w: ride is not in progress", ErrInvalidState)
)

// maxAttempts bounds how often a transition re-reads and retries after losing
// a compare-and-set race.
const maxAttempts = 3

var (
	minRating = decimal.NewFromInt(1)
	maxRating = decimal.NewFromInt(5)
)

// Coordinator receives every committed lifecycle step and supplies the
// values the ride needs from other services. Implementations absorb their
// own failures and fall back; none of these calls can fail a ride operation.
type Coordinator interface {
	QuoteFare(ctx context.Context, r Ride) decimal.Decimal
	TripDistance(ctx context.Context, r Ride) decimal.Decimal

	Requested(ctx context.Context, r Ride)
	Accepted(ctx context.Context, r Ride)
	Arrived(ctx context.Context, r Ride)
	Started(ctx context.Context, r Ride)
	Completed(ctx context.Context, r Ride)
	Cancelled(ctx context.Context, r Ride)
	Rated(ctx context.Context, r Ride, role Role, rating decimal.Decimal)
	Located(ctx context.Context, r Ride, p TrackPoint)
}

// Tariff prices a finished trip.
type Tariff interface {
	Currency() string
	PostTrip(distanceKm decimal.Decimal, minutes int) decimal.Decimal
}

type Service struct {
	store  Store
	tariff Tariff
	coord  Coordinator
	log    logrus.FieldLogger
	now    func() time.Time
	codes  func() (string, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStartCodes replaces the random start-code generator.
func WithStartCodes(gen func() (string, error)) Option {
	return func(s *Service) { s.codes = gen }
}

func NewService(store Store, tariff Tariff, coord Coordinator, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tariff: tariff,
		coord:  coord,
		log:    log,
		now:    time.Now,
		codes:  newStartCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type BookCommand struct {
	CustomerID types.ID
	Class      types.VehicleClass
	Pickup     types.Location
	Dropoff    types.Location
}

type AcceptCommand struct {
	RideID   types.ID
	DriverID types.ID
}

// DriverCommand drives arrive and complete.
type DriverCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type StartCommand struct {
	RideID   types.ID
	DriverID types.ID
	Code     string
}

type CancelCommand struct {
	RideID types.ID
	Actor  Actor
	// ActorID must be the ride's customer or assigned driver for those
	// actors; it is ignored for system cancellations.
	ActorID types.ID
	Reason  string
}

type RateCommand struct {
	RideID   types.ID
	Role     Role
	RaterID  types.ID
	Rating   decimal.Decimal
	Feedback string
}

type LocationCommand struct {
	RideID types.ID
	// DriverID, when set, must be the assignee. Empty means a system ping.
	DriverID types.ID
	Point    types.Point
}

func (s *Service) Book(ctx context.Context, cmd BookCommand) (*Ride, error) {
	if cmd.CustomerID == "" || !cmd.Class.Known() || !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() {
		return nil, ErrValidation
	}
	code, err := s.codes()
	if err != nil {
		return nil, fmt.Errorf("ride: start code: %w", err)
	}

	r := &Ride{
		ID:          types.NewID(),
		CustomerID:  cmd.CustomerID,
		Class:       cmd.Class,
		Pickup:      cmd.Pickup,
		Dropoff:     cmd.Dropoff,
		Status:      StatusSearchingDriver,
		StartCode:   code,
		Currency:    s.tariff.Currency(),
		RequestedAt: s.now().UTC(),
	}
	r.EstimatedFare = s.coord.QuoteFare(ctx, *r)

	if err := s.store.CreateExclusive(ctx, r); err != nil {
		return nil, err
	}
	s.logger(r).WithField("estimated_fare", r.EstimatedFare.StringFixed(2)).Info("ride requested")
	s.coord.Requested(ctx, *r)
	return r, nil
}

func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Ride, error) {
	if cmd.DriverID == "" {
		return nil, ErrValidation
	}
	r, err := s.retry(ctx, cmd.RideID, func(r *Ride) (bool, error) {
		if !r.Status.Open() {
			return false, stateError(r.Status, StatusSearchingDriver)
		}
		at := s.now().UTC()
		ok, err := s.store.AssignDriver(ctx, r.ID, r.Status, r.StatusVersion, cmd.DriverID, at)
		if ok {
			r.assign(cmd.DriverID, at)
		}
		return ok, err
	})
	if err != nil {
		return nil, err
	}
	s.logger(r).Info("ride accepted")
	s.coord.Accepted(ctx, *r)
	return r, nil
}

func (s *Service) Arrive(ctx context.Context, cmd DriverCommand) (*Ride, error) {
	r, err := s.retry(ctx, cmd.RideID, func(r *Ride) (bool, error) {
		if err := expectDriver(r, cmd.DriverID, StatusAccepted); err != nil {
			return false, err
		}
		return s.transition(ctx, r, Transition{
			RideID: r.ID, From: r.Status, To: StatusDriverArrived, Version: r.StatusVersion, At: s.now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger(r).Info("driver arrived")
	s.coord.Arrived(ctx, *r)
	return r, nil
}

func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Ride, error) {
	r, err := s.retry(ctx, cmd.RideID, func(r *Ride) (bool, error) {
		if err := expectDriver(r, cmd.DriverID, StatusDriverArrived); err != nil {
			return false, err
		}
		if cmd.Code != r.StartCode {
			return false, ErrWrongCode
		}
		return s.transition(ctx, r, Transition{
			RideID: r.ID, From: r.Status, To: StatusInProgress, Version: r.StatusVersion, At: s.now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger(r).Info("ride started")
	s.coord.Started(ctx, *r)
	return r, nil
}

// Complete closes an in-progress trip. Duration is the whole minutes since
// start; distance comes from the coordinator, which falls back on failure.
func (s *Service) Complete(ctx context.Context, cmd DriverCommand) (*Ride, error) {
	var distance *decimal.Decimal
	r, err := s.retry(ctx, cmd.RideID, func(r *Ride) (bool, error) {
		if err := expectDriver(r, cmd.DriverID, StatusInProgress); err != nil {
			return false, err
		}
		if distance == nil {
			d := s.coord.TripDistance(ctx, *r)
			distance = &d
		}
		now := s.now().UTC()
		minutes := 0
		if r.StartedAt != nil {
			minutes = int(now.Sub(*r.StartedAt).Minutes())
		}
		return s.transition(ctx, r, Transition{
			RideID:          r.ID,
			From:            r.Status,
			To:              StatusCompleted,
			Version:         r.StatusVersion,
			At:              now,
			DistanceKm:      *distance,
			DurationMinutes: minutes,
			ActualFare:      s.tariff.PostTrip(*distance, minutes),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger(r).WithField("actual_fare", r.ActualFare.StringFixed(2)).Info("ride completed")
	s.coord.Completed(ctx, *r)
	return r, nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	if !cmd.Actor.Valid() {
		return nil, ErrValidation
	}
	r, err := s.retry(ctx, cmd.RideID, func(r *Ride) (bool, error) {
		if r.Status.Terminal() {
			return false, fmt.Errorf("%w: ride is %s", ErrInvalidState, r.Status)
		}
		switch cmd.Actor {
		case ActorCustomer:
			if r.CustomerID != cmd.ActorID {
				return false, ErrNotOwner
			}
		case ActorDriver:
			if !r.AssignedTo(cmd.ActorID) {
				return false, ErrNotAssignee
			}
		}
		return s.transition(ctx, r, Transition{
			RideID:      r.ID,
			From:        r.Status,
			To:          StatusCancelled,
			Version:     r.StatusVersion,
			At:          s.now().UTC(),
			Reason:      cmd.Reason,
			CancelledBy: cmd.Actor,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger(r).WithField("cancelled_by", cmd.Actor).Info("ride cancelled")
	s.coord.Cancelled(ctx, *r)
	return r, nil
}

// Rate records one side's rating of a completed ride. Each role rates at
// most once; a second attempt fails with ErrAlreadyRated. Ratings are kept
// to two decimal places, rounded half up.
func (s *Service) Rate(ctx context.Context, cmd RateCommand) error {
	if cmd.Rating.LessThan(minRating) || cmd.Rating.GreaterThan(maxRating) {
		return ErrValidation
	}
	cmd.Rating = types.RoundHalfUp(cmd.Rating)
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	switch cmd.Role {
	case RoleCustomer:
		if r.CustomerID != cmd.RaterID {
			return ErrNotOwner
		}
	case RoleDriver:
		if !r.AssignedTo(cmd.RaterID) {
			return ErrNotAssignee
		}
	default:
		return ErrValidation
	}
	if r.Status != StatusCompleted {
		return ErrNotCompleted
	}
	ok, err := s.store.SetRating(ctx, r.ID, cmd.Role, cmd.Rating, cmd.Feedback)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRated
	}
	s.logger(r).WithField("role", cmd.Role).Info("ride rated")
	s.coord.Rated(ctx, *r, cmd.Role, cmd.Rating)
	return nil
}

// UpdateLocation appends a track point to an in-progress ride.
func (s *Service) UpdateLocation(ctx context.Context, cmd LocationCommand) (*TrackPoint, error) {
	if !cmd.Point.Valid() {
		return nil, ErrValidation
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if cmd.DriverID != "" && !r.AssignedTo(cmd.DriverID) {
		return nil, ErrNotAssignee
	}
	if r.Status != StatusInProgress {
		return nil, ErrNotInProgress
	}
	p := TrackPoint{RideID: r.ID, Lat: cmd.Point.Lat, Lng: cmd.Point.Lng, RecordedAt: s.now().UTC()}
	if err := s.store.AppendTrackPoint(ctx, p); err != nil {
		return nil, err
	}
	s.coord.Located(ctx, *r, p)
	return &p, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Track(ctx context.Context, id types.ID) ([]TrackPoint, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Track(ctx, id)
}

func (s *Service) CustomerHistory(ctx context.Context, customerID types.ID, page, size int) (Page, error) {
	page, size = normalizePage(page, size)
	return s.store.ByCustomer(ctx, customerID, page, size)
}

func (s *Service) DriverHistory(ctx context.Context, driverID types.ID, page, size int) (Page, error) {
	page, size = normalizePage(page, size)
	return s.store.ByDriver(ctx, driverID, page, size)
}

func (s *Service) Active(ctx context.Context) ([]Ride, error) {
	return s.store.Active(ctx)
}

// Open lists rides still waiting for a driver, oldest first. An empty class
// matches every vehicle class.
func (s *Service) Open(ctx context.Context, class types.VehicleClass) ([]Ride, error) {
	active, err := s.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	out := []Ride{}
	for i := len(active) - 1; i >= 0; i-- {
		r := active[i]
		if r.Status.Open() && (class == "" || r.Class == class) {
			out = append(out, r)
		}
	}
	return out, nil
}

// retry reads the ride, lets apply check its guards and attempt the
// compare-and-set, and starts over on a lost race. On success apply has
// already recorded its write on r, so the result reflects this transition
// even if another one commits right after it.
func (s *Service) retry(ctx context.Context, id types.ID, apply func(r *Ride) (bool, error)) (*Ride, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		ok, err := apply(r)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
		s.logger(r).WithField("attempt", attempt).Debug("ride version moved, retrying")
	}
	return nil, ErrConflict
}

// transition writes t and, when it lands, mirrors it onto r.
func (s *Service) transition(ctx context.Context, r *Ride, t Transition) (bool, error) {
	ok, err := s.store.UpdateStatus(ctx, t)
	if ok {
		r.apply(t)
	}
	return ok, err
}

func (s *Service) logger(r *Ride) logrus.FieldLogger {
	f := logrus.Fields{"ride_id": r.ID, "customer_id": r.CustomerID, "status": r.Status}
	if r.DriverID != nil {
		f["driver_id"] = *r.DriverID
	}
	return s.log.WithFields(f)
}

func expectDriver(r *Ride, driverID types.ID, want Status) error {
	if !r.AssignedTo(driverID) {
		return ErrNotAssignee
	}
	if r.Status != want {
		return stateError(r.Status, want)
	}
	return nil
}

func stateError(got, want Status) error {
	return fmt.Errorf("%w: ride is %s, want %s", ErrInvalidState, got, want)
}

func normalizePage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// newStartCode returns a zero-padded four digit code.
func newStartCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
