// README: Driver availability records and dispatch query/result types.
package dispatch

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"cabcore/internal/types"
)

type DriverStatus string

const (
	StatusAvailable DriverStatus = "AVAILABLE"
	StatusBusy      DriverStatus = "BUSY"
	StatusOffline   DriverStatus = "OFFLINE"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline:
		return true
	}
	return false
}

var (
	ErrNotFound   = errors.New("driver not found")
	ErrValidation = errors.New("invalid driver input")
)

const (
	DefaultRadiusKm   = 5.0
	DefaultMaxResults = 20
)

var (
	initialRating = decimal.NewFromInt(5)
	minRating     = decimal.NewFromInt(1)
	maxRating     = decimal.NewFromInt(5)
)

type Driver struct {
	ID         types.ID           `json:"driver_id"`
	Class      types.VehicleClass `json:"vehicle_class"`
	Capacity   int                `json:"capacity"`
	Status     DriverStatus       `json:"status"`
	Position   *types.Point       `json:"position,omitempty"`
	Rating     decimal.Decimal    `json:"rating"`
	TotalTrips int                `json:"total_trips"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

type Candidate struct {
	Driver
	DistanceKm float64 `json:"distance_km"`
}

type Query struct {
	Center types.Point
	// RadiusKm is a road-corrected distance; zero means DefaultRadiusKm.
	RadiusKm float64
	// Class filters by vehicle class when set.
	Class types.VehicleClass
}
