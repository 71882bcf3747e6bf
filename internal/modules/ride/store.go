// README: Ride store contract. Every mutating method is a single atomic
// check-then-write so the service never races between a guard and its write.
package ride

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"cabcore/internal/types"
)

type Store interface {
	// CreateExclusive inserts r unless its customer already holds an active
	// ride, in which case it returns ErrActiveRide.
	CreateExclusive(ctx context.Context, r *Ride) error
	// AssignDriver moves an open ride at (from, version) to ACCEPTED for
	// driverID. It reports false when the ride moved on in the meantime and
	// returns ErrDriverBusy when the driver already holds an assigned ride.
	AssignDriver(ctx context.Context, id types.ID, from Status, version int, driverID types.ID, at time.Time) (bool, error)
	// UpdateStatus applies t and reports false on a version mismatch.
	UpdateStatus(ctx context.Context, t Transition) (bool, error)
	// SetRating stores a rating for role on a completed ride and reports
	// false when that role already rated it.
	SetRating(ctx context.Context, id types.ID, role Role, rating decimal.Decimal, feedback string) (bool, error)
	AppendTrackPoint(ctx context.Context, p TrackPoint) error

	Get(ctx context.Context, id types.ID) (*Ride, error)
	Track(ctx context.Context, id types.ID) ([]TrackPoint, error)
	ByCustomer(ctx context.Context, customerID types.ID, page, size int) (Page, error)
	ByDriver(ctx context.Context, driverID types.ID, page, size int) (Page, error)
	Active(ctx context.Context) ([]Ride, error)
}
