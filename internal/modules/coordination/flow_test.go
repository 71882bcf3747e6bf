// README: End-to-end ride flow over in-memory stores with the real dispatch,
// fare and billing modules behind Local.
package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"cabcore/internal/modules/dispatch"
	"cabcore/internal/modules/fare"
	"cabcore/internal/modules/ride"
	"cabcore/internal/types"
)

type brokenDistance struct{}

func (brokenDistance) Distance(context.Context, types.Point, types.Point) (float64, error) {
	return 0, errors.New("routing service down")
}

type flow struct {
	rides   *ride.Service
	drivers *dispatch.Service
	billing *fare.Billing
	pub     *recordingPublisher
	outbox  *Outbox
	clock   *time.Time
}

func newFlow(t *testing.T, distance DistanceSource) *flow {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	now := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	f := &flow{pub: &recordingPublisher{}, clock: &now}
	clock := func() time.Time { return *f.clock }

	f.drivers = dispatch.NewService(dispatch.NewMemoryStore(), logger, dispatch.WithClock(clock))
	engine := fare.NewEngine(fare.DefaultConfig(), nil, fare.WithClock(clock))
	f.billing = fare.NewBilling(fare.NewMemoryInvoiceStore(), engine.Currency())

	f.outbox = NewOutbox(f.pub, 64, time.Second, logger)
	go f.outbox.Run()
	coord := NewCoordinator(NewLocal(f.drivers, engine, f.billing, distance), f.outbox, logger, WithClock(clock))
	f.rides = ride.NewService(ride.NewMemoryStore(), engine, coord, logger, ride.WithClock(clock))
	return f
}

func (f *flow) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *flow) closeOutbox(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.outbox.Close(ctx); err != nil {
		t.Fatalf("close outbox: %v", err)
	}
}

func TestFlow_CompleteWithDistanceFallback(t *testing.T) {
	f := newFlow(t, brokenDistance{})
	ctx := context.Background()

	pickup := types.Point{Lat: 12.9716, Lng: 77.5946}
	if _, err := f.drivers.Register(ctx, dispatch.RegisterCommand{DriverID: "d1", Class: types.VehicleSedan, Capacity: 4}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.drivers.UpdateLocation(ctx, "d1", pickup); err != nil {
		t.Fatalf("locate: %v", err)
	}
	if err := f.drivers.SetStatus(ctx, "d1", dispatch.StatusAvailable); err != nil {
		t.Fatalf("status: %v", err)
	}

	r, err := f.rides.Book(ctx, ride.BookCommand{
		CustomerID: "c1",
		Class:      types.VehicleSedan,
		Pickup:     types.Location{Point: pickup},
		Dropoff:    types.Location{Point: types.Point{Lat: 12.9352, Lng: 77.6245}},
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if r.EstimatedFare.IsZero() || r.EstimatedFare.Equal(FallbackFare) {
		t.Fatalf("expected engine estimate, got %s", r.EstimatedFare)
	}
	est, err := fare.NewEngine(fare.DefaultConfig(), nil).EstimateTrip(ctx, fare.TripQuote{
		Class: types.VehicleSedan, Pickup: r.Pickup.Point, Dropoff: r.Dropoff.Point, At: r.RequestedAt,
	})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !r.EstimatedFare.Equal(est.Subtotal) || !est.Total.GreaterThan(est.Subtotal) {
		t.Fatalf("expected pre-tax subtotal %s (total %s), got %s", est.Subtotal, est.Total, r.EstimatedFare)
	}

	near, err := f.drivers.Nearest(ctx, pickup, types.VehicleSedan)
	if err != nil || near == nil || near.ID != "d1" {
		t.Fatalf("nearest: %+v, %v", near, err)
	}

	if _, err := f.rides.Accept(ctx, ride.AcceptCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	d, _ := f.drivers.Get(ctx, "d1")
	if d.Status != dispatch.StatusBusy {
		t.Fatalf("expected driver BUSY after accept, got %s", d.Status)
	}
	if got, _ := f.drivers.Nearby(ctx, dispatch.Query{Center: pickup}); len(got) != 0 {
		t.Fatalf("busy driver must not be dispatchable")
	}

	if _, err := f.rides.Arrive(ctx, ride.DriverCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := f.rides.Start(ctx, ride.StartCommand{RideID: r.ID, DriverID: "d1", Code: r.StartCode}); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(12 * time.Minute)
	if _, err := f.rides.UpdateLocation(ctx, ride.LocationCommand{RideID: r.ID, DriverID: "d1", Point: types.Point{Lat: 12.95, Lng: 77.61}}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	done, err := f.rides.Complete(ctx, ride.DriverCommand{RideID: r.ID, DriverID: "d1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Distance collaborator failed: 5.0 km fallback, 50 + 5*15 + 12*2 = 149.
	if !done.DistanceKm.Equal(decimal.NewFromInt(5)) || *done.DurationMinutes != 12 {
		t.Fatalf("unexpected trip measures: %s km, %d min", done.DistanceKm, *done.DurationMinutes)
	}
	if !done.ActualFare.Equal(decimal.NewFromInt(149)) {
		t.Fatalf("expected fare 149, got %s", done.ActualFare)
	}

	inv, err := f.billing.InvoiceForRide(ctx, r.ID)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if !inv.Amount.Amount.Equal(decimal.NewFromInt(149)) || inv.Status != fare.InvoicePending || inv.DriverID != "d1" {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
	d, _ = f.drivers.Get(ctx, "d1")
	if d.Status != dispatch.StatusAvailable {
		t.Fatalf("expected driver AVAILABLE after completion, got %s", d.Status)
	}

	if err := f.rides.Rate(ctx, ride.RateCommand{RideID: r.ID, Role: ride.RoleCustomer, RaterID: "c1", Rating: decimal.NewFromInt(4)}); err != nil {
		t.Fatalf("rate: %v", err)
	}
	d, _ = f.drivers.Get(ctx, "d1")
	if !d.Rating.Equal(decimal.NewFromInt(4)) || d.TotalTrips != 1 {
		t.Fatalf("unexpected driver rating %s over %d trips", d.Rating, d.TotalTrips)
	}

	f.closeOutbox(t)
	want := []EventType{EventRideRequested, EventRideAccepted, EventDriverArrived, EventRideStarted, EventRideLocation, EventRideCompleted}
	if len(f.pub.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(f.pub.events))
	}
	for i, e := range f.pub.events {
		if e.Type != want[i] || e.RideID != r.ID {
			t.Fatalf("event %d: expected %s for %s, got %s for %s", i, want[i], r.ID, e.Type, e.RideID)
		}
	}
}

func TestFlow_CancelReleasesDriver(t *testing.T) {
	f := newFlow(t, GeoDistance{})
	ctx := context.Background()

	if _, err := f.drivers.Register(ctx, dispatch.RegisterCommand{DriverID: "d1", Class: types.VehicleMini, Capacity: 3}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r, err := f.rides.Book(ctx, ride.BookCommand{
		CustomerID: "c1",
		Class:      types.VehicleMini,
		Pickup:     types.Location{Point: types.Point{Lat: 12.9716, Lng: 77.5946}},
		Dropoff:    types.Location{Point: types.Point{Lat: 12.9352, Lng: 77.6245}},
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := f.rides.Accept(ctx, ride.AcceptCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.rides.Cancel(ctx, ride.CancelCommand{RideID: r.ID, Actor: ride.ActorCustomer, ActorID: "c1", Reason: "too slow"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	d, _ := f.drivers.Get(ctx, "d1")
	if d.Status != dispatch.StatusAvailable {
		t.Fatalf("expected driver released, got %s", d.Status)
	}
	if _, err := f.billing.InvoiceForRide(ctx, r.ID); !errors.Is(err, fare.ErrNotFound) {
		t.Fatalf("cancelled ride must not be invoiced, got %v", err)
	}
	f.closeOutbox(t)
	last := f.pub.events[len(f.pub.events)-1]
	if last.Type != EventRideCancelled || last.Status != ride.StatusCancelled {
		t.Fatalf("unexpected last event: %+v", last)
	}
}

func TestFlow_FareFallbackWhenEstimateFails(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	collab := &fakeCollaborators{fareErr: errUnavailable}
	coord := NewCoordinator(collab, &recordingEnqueuer{}, logger)
	svc := ride.NewService(ride.NewMemoryStore(), fare.NewEngine(fare.DefaultConfig(), nil), coord, logger)

	r, err := svc.Book(context.Background(), ride.BookCommand{
		CustomerID: "c1",
		Class:      types.VehiclePremium,
		Pickup:     types.Location{Point: types.Point{Lat: 12.9716, Lng: 77.5946}},
		Dropoff:    types.Location{Point: types.Point{Lat: 12.9352, Lng: 77.6245}},
	})
	if err != nil {
		t.Fatalf("book must succeed despite fare failure: %v", err)
	}
	if !r.EstimatedFare.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected fallback fare 100.00, got %s", r.EstimatedFare)
	}
	found := false
	for _, e := range hook.AllEntries() {
		if e.Data["collaborator"] == "estimate_fare" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fare failure to be logged")
	}
}
