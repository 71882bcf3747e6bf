// README: Ride lifecycle events as published on the ride_topic exchange.
package coordination

import (
	"time"

	"github.com/shopspring/decimal"

	"cabcore/internal/modules/ride"
	"cabcore/internal/types"
)

// EventType doubles as the AMQP routing key.
type EventType string

const (
	EventRideRequested EventType = "ride.requested"
	EventRideAccepted  EventType = "ride.accepted"
	EventDriverArrived EventType = "ride.arrived"
	EventRideStarted   EventType = "ride.started"
	EventRideCompleted EventType = "ride.completed"
	EventRideCancelled EventType = "ride.cancelled"
	EventRideLocation  EventType = "ride.location"
)

type Event struct {
	ID            string             `json:"event_id"`
	Type          EventType          `json:"type"`
	RideID        types.ID           `json:"ride_id"`
	CustomerID    types.ID           `json:"customer_id"`
	DriverID      *types.ID          `json:"driver_id,omitempty"`
	Status        ride.Status        `json:"status"`
	Class         types.VehicleClass `json:"vehicle_class"`
	Pickup        types.Point        `json:"pickup"`
	Dropoff       types.Point        `json:"dropoff"`
	EstimatedFare *decimal.Decimal   `json:"estimated_fare,omitempty"`
	ActualFare    *decimal.Decimal   `json:"actual_fare,omitempty"`
	Location      *types.Point       `json:"location,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

func NewRideEvent(t EventType, r ride.Ride, at time.Time) Event {
	e := Event{
		ID:         string(types.NewID()),
		Type:       t,
		RideID:     r.ID,
		CustomerID: r.CustomerID,
		DriverID:   r.DriverID,
		Status:     r.Status,
		Class:      r.Class,
		Pickup:     r.Pickup.Point,
		Dropoff:    r.Dropoff.Point,
		ActualFare: r.ActualFare,
		OccurredAt: at.UTC(),
	}
	if !r.EstimatedFare.IsZero() {
		fare := r.EstimatedFare
		e.EstimatedFare = &fare
	}
	return e
}
