// README: Ride aggregate, status definitions and the transition graph.
package ride

import (
	"time"

	"github.com/shopspring/decimal"

	"cabcore/internal/types"
)

type Status string

const (
	StatusRequested       Status = "REQUESTED"
	StatusSearchingDriver Status = "SEARCHING_DRIVER"
	StatusAccepted        Status = "ACCEPTED"
	StatusDriverArrived   Status = "DRIVER_ARRIVED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
)

// ActiveStatuses are the non-terminal statuses; a customer holds at most one
// ride in any of them.
var ActiveStatuses = []Status{
	StatusRequested, StatusSearchingDriver, StatusAccepted, StatusDriverArrived, StatusInProgress,
}

// AssignedStatuses are the active statuses that carry a driver; a driver
// holds at most one ride in any of them.
var AssignedStatuses = []Status{StatusAccepted, StatusDriverArrived, StatusInProgress}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Assigned() bool {
	for _, a := range AssignedStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s Status) Open() bool {
	return s == StatusRequested || s == StatusSearchingDriver
}

// AllowedTransitions represents the ride state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:       {StatusSearchingDriver, StatusAccepted, StatusCancelled},
	StatusSearchingDriver: {StatusAccepted, StatusCancelled},
	StatusAccepted:        {StatusDriverArrived, StatusCancelled},
	StatusDriverArrived:   {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Actor tags who performed a cancellation.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorDriver   Actor = "driver"
	ActorSystem   Actor = "system"
)

func (a Actor) Valid() bool {
	return a == ActorCustomer || a == ActorDriver || a == ActorSystem
}

// Role is the side of the ride submitting a rating.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

type Ride struct {
	ID            types.ID           `json:"id"`
	CustomerID    types.ID           `json:"customer_id"`
	DriverID      *types.ID          `json:"driver_id,omitempty"`
	Class         types.VehicleClass `json:"vehicle_class"`
	Pickup        types.Location     `json:"pickup"`
	Dropoff       types.Location     `json:"dropoff"`
	Status        Status             `json:"status"`
	StatusVersion int                `json:"-"`
	StartCode     string             `json:"start_code,omitempty"`

	Currency        string           `json:"currency"`
	EstimatedFare   decimal.Decimal  `json:"estimated_fare"`
	ActualFare      *decimal.Decimal `json:"actual_fare,omitempty"`
	DistanceKm      *decimal.Decimal `json:"distance_km,omitempty"`
	DurationMinutes *int             `json:"duration_minutes,omitempty"`

	RequestedAt     time.Time  `json:"requested_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	DriverArrivedAt *time.Time `json:"driver_arrived_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelReason    *string    `json:"cancellation_reason,omitempty"`
	CancelledBy     *Actor     `json:"cancelled_by,omitempty"`

	// DriverRating is the customer's rating of the driver; CustomerRating
	// the driver's rating of the customer.
	DriverRating     *decimal.Decimal `json:"driver_rating,omitempty"`
	CustomerFeedback *string          `json:"customer_feedback,omitempty"`
	CustomerRating   *decimal.Decimal `json:"customer_rating,omitempty"`
	DriverFeedback   *string          `json:"driver_feedback,omitempty"`
}

func (r *Ride) AssignedTo(driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

// assign records a successful driver assignment on r.
func (r *Ride) assign(driverID types.ID, at time.Time) {
	d := driverID
	r.DriverID = &d
	r.Status = StatusAccepted
	r.StatusVersion++
	r.AcceptedAt = &at
}

// apply records a successful transition on r.
func (r *Ride) apply(t Transition) {
	at := t.At
	r.Status = t.To
	r.StatusVersion++
	switch t.To {
	case StatusDriverArrived:
		r.DriverArrivedAt = &at
	case StatusInProgress:
		r.StartedAt = &at
	case StatusCompleted:
		dist, fare, mins := t.DistanceKm, t.ActualFare, t.DurationMinutes
		r.CompletedAt = &at
		r.DistanceKm = &dist
		r.ActualFare = &fare
		r.DurationMinutes = &mins
	case StatusCancelled:
		reason, by := t.Reason, t.CancelledBy
		r.CancelledAt = &at
		r.CancelReason = &reason
		r.CancelledBy = &by
	}
}

type TrackPoint struct {
	RideID     types.ID  `json:"ride_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Page struct {
	Items []Ride `json:"items"`
	Page  int    `json:"page"`
	Size  int    `json:"size"`
	Total int    `json:"total"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Transition is a compare-and-set status change: it applies only while the
// stored ride is still at From with Version.
type Transition struct {
	RideID  types.ID
	From    Status
	To      Status
	Version int
	At      time.Time

	// Completion
	DistanceKm      decimal.Decimal
	DurationMinutes int
	ActualFare      decimal.Decimal

	// Cancellation
	Reason      string
	CancelledBy Actor
}
