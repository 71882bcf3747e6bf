// README: Coordinator reacts to committed ride transitions: it calls
// collaborators under a timeout, substitutes fallbacks when they fail and
// queues lifecycle events. Nothing here can fail a ride operation.
package coordination

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"cabcore/internal/modules/dispatch"
	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/ride"
	"cabcore/internal/types"
)

var (
	FallbackFare       = decimal.NewFromInt(100)
	FallbackDistanceKm = decimal.NewFromInt(5)
)

const DefaultTimeout = 2 * time.Second

// Enqueuer accepts events without blocking.
type Enqueuer interface {
	Enqueue(e Event) bool
}

type Coordinator struct {
	collab  Collaborators
	events  Enqueuer
	log     logrus.FieldLogger
	timeout time.Duration
	now     func() time.Time
}

var _ ride.Coordinator = (*Coordinator)(nil)

type Option func(*Coordinator)

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(collab Collaborators, events Enqueuer, log logrus.FieldLogger, opts ...Option) *Coordinator {
	c := &Coordinator{collab: collab, events: events, log: log, timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QuoteFare returns the pre-tax estimate subtotal, or FallbackFare when the
// fare collaborator fails.
func (c *Coordinator) QuoteFare(ctx context.Context, r ride.Ride) decimal.Decimal {
	var quoted decimal.Decimal
	err := c.call(ctx, "estimate_fare", FallbackFare.StringFixed(2), r, func(ctx context.Context) error {
		est, err := c.collab.EstimateFare(ctx, fare.TripQuote{
			Class:   r.Class,
			Pickup:  r.Pickup.Point,
			Dropoff: r.Dropoff.Point,
			At:      r.RequestedAt,
		})
		quoted = est.Subtotal
		return err
	})
	if err != nil {
		return FallbackFare
	}
	return quoted
}

// TripDistance returns the measured distance rounded to two places, or
// FallbackDistanceKm when the distance collaborator fails.
func (c *Coordinator) TripDistance(ctx context.Context, r ride.Ride) decimal.Decimal {
	var km float64
	err := c.call(ctx, "route_distance", FallbackDistanceKm.String()+" km", r, func(ctx context.Context) error {
		var err error
		km, err = c.collab.RouteDistance(ctx, r.Pickup.Point, r.Dropoff.Point)
		return err
	})
	if err != nil || km < 0 {
		return FallbackDistanceKm
	}
	return decimal.NewFromFloat(km).Round(2)
}

func (c *Coordinator) Requested(_ context.Context, r ride.Ride) {
	c.publish(EventRideRequested, r)
}

func (c *Coordinator) Accepted(ctx context.Context, r ride.Ride) {
	c.driverStatus(ctx, r, dispatch.StatusBusy)
	c.publish(EventRideAccepted, r)
}

func (c *Coordinator) Arrived(_ context.Context, r ride.Ride) {
	c.publish(EventDriverArrived, r)
}

func (c *Coordinator) Started(_ context.Context, r ride.Ride) {
	c.publish(EventRideStarted, r)
}

func (c *Coordinator) Completed(ctx context.Context, r ride.Ride) {
	c.driverStatus(ctx, r, dispatch.StatusAvailable)
	if r.ActualFare != nil {
		req := fare.InvoiceRequest{
			RideID:     r.ID,
			CustomerID: r.CustomerID,
			Class:      r.Class,
			Amount:     *r.ActualFare,
		}
		if r.DriverID != nil {
			req.DriverID = *r.DriverID
		}
		if r.DistanceKm != nil {
			req.DistanceKm = *r.DistanceKm
		}
		if r.DurationMinutes != nil {
			req.DurationMinutes = *r.DurationMinutes
		}
		_ = c.call(ctx, "request_invoice", "", r, func(ctx context.Context) error {
			return c.collab.RequestInvoice(ctx, req)
		})
	}
	c.publish(EventRideCompleted, r)
}

func (c *Coordinator) Cancelled(ctx context.Context, r ride.Ride) {
	c.driverStatus(ctx, r, dispatch.StatusAvailable)
	c.publish(EventRideCancelled, r)
}

// Rated forwards a customer's rating to the driver's running average.
func (c *Coordinator) Rated(ctx context.Context, r ride.Ride, role ride.Role, rating decimal.Decimal) {
	if role != ride.RoleCustomer || r.DriverID == nil {
		return
	}
	_ = c.call(ctx, "update_driver_rating", "", r, func(ctx context.Context) error {
		return c.collab.UpdateDriverRating(ctx, *r.DriverID, rating)
	})
}

func (c *Coordinator) Located(_ context.Context, r ride.Ride, p ride.TrackPoint) {
	e := NewRideEvent(EventRideLocation, r, p.RecordedAt)
	e.Location = &types.Point{Lat: p.Lat, Lng: p.Lng}
	c.events.Enqueue(e)
}

func (c *Coordinator) driverStatus(ctx context.Context, r ride.Ride, status dispatch.DriverStatus) {
	if r.DriverID == nil {
		return
	}
	_ = c.call(ctx, "set_driver_status", "", r, func(ctx context.Context) error {
		return c.collab.SetDriverStatus(ctx, *r.DriverID, status)
	})
}

func (c *Coordinator) publish(t EventType, r ride.Ride) {
	c.events.Enqueue(NewRideEvent(t, r, c.now()))
}

// call runs fn under the collaborator timeout and logs a failure along with
// the fallback the caller will use, if any. The returned error only tells
// the caller to fall back. The caller's cancellation is not inherited: the
// transition is already committed.
func (c *Coordinator) call(ctx context.Context, name, fallback string, r ride.Ride, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	err := fn(ctx)
	if err != nil {
		entry := c.log.WithFields(logrus.Fields{
			"collaborator": name,
			"ride_id":      r.ID,
			"error":        err,
		})
		if fallback != "" {
			entry = entry.WithField("fallback", fallback)
		}
		entry.Warn("collaborator call failed")
	}
	return err
}
