// README: Collaborators are the services the ride lifecycle consults or
// notifies. Local wires them to the in-process dispatch, fare and billing
// modules.
package coordination

import (
	"context"

	"github.com/shopspring/decimal"

	"cabcore/internal/modules/dispatch"
	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/geo"
	"cabcore/internal/types"
)

type Collaborators interface {
	SetDriverStatus(ctx context.Context, driverID types.ID, status dispatch.DriverStatus) error
	EstimateFare(ctx context.Context, q fare.TripQuote) (fare.Estimate, error)
	RequestInvoice(ctx context.Context, req fare.InvoiceRequest) error
	RouteDistance(ctx context.Context, from, to types.Point) (float64, error)
	UpdateDriverRating(ctx context.Context, driverID types.ID, rating decimal.Decimal) error
}

// DistanceSource measures trip distance in kilometres.
type DistanceSource interface {
	Distance(ctx context.Context, from, to types.Point) (float64, error)
}

// GeoDistance is the road-corrected great-circle distance.
type GeoDistance struct{}

func (GeoDistance) Distance(_ context.Context, from, to types.Point) (float64, error) {
	return geo.GreatCircleKm(from, to), nil
}

type Local struct {
	drivers  *dispatch.Service
	fares    *fare.Engine
	billing  *fare.Billing
	distance DistanceSource
}

func NewLocal(drivers *dispatch.Service, fares *fare.Engine, billing *fare.Billing, distance DistanceSource) *Local {
	if distance == nil {
		distance = GeoDistance{}
	}
	return &Local{drivers: drivers, fares: fares, billing: billing, distance: distance}
}

func (l *Local) SetDriverStatus(ctx context.Context, driverID types.ID, status dispatch.DriverStatus) error {
	return l.drivers.SetStatus(ctx, driverID, status)
}

func (l *Local) EstimateFare(ctx context.Context, q fare.TripQuote) (fare.Estimate, error) {
	return l.fares.EstimateTrip(ctx, q)
}

func (l *Local) RequestInvoice(ctx context.Context, req fare.InvoiceRequest) error {
	_, err := l.billing.GenerateInvoice(ctx, req)
	return err
}

func (l *Local) RouteDistance(ctx context.Context, from, to types.Point) (float64, error) {
	return l.distance.Distance(ctx, from, to)
}

func (l *Local) UpdateDriverRating(ctx context.Context, driverID types.ID, rating decimal.Decimal) error {
	_, err := l.drivers.UpdateRating(ctx, driverID, rating)
	return err
}
