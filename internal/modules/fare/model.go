// README: Fare rate rows, quotes, itemized breakdowns, promo codes, invoices
// and payments.
package fare

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cabcore/internal/types"
)

var (
	ErrInvalidQuote  = errors.New("invalid fare quote")
	ErrNotFound      = errors.New("invoice not found")
	ErrInvoiceExists = errors.New("invoice already exists for ride")

	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentState    = errors.New("invalid payment state")
	ErrInvoiceSettled  = fmt.Errorf("%w: invoice is not pending", ErrPaymentState)
	ErrPaymentExists   = fmt.Errorf("%w: payment already initiated for invoice", ErrPaymentState)
	ErrNotRefundable   = fmt.Errorf("%w: only successful payments can be refunded", ErrPaymentState)
	ErrNotPayer        = errors.New("invoice belongs to another customer")
)

// Rate is one row of the rate table: base fare, per-km and per-minute price.
type Rate struct {
	Base   decimal.Decimal `json:"base"`
	PerKm  decimal.Decimal `json:"per_km"`
	PerMin decimal.Decimal `json:"per_min"`
}

type Quote struct {
	Class           types.VehicleClass
	DistanceKm      decimal.Decimal
	DurationMinutes int
	PromoCode       string
	// At selects the surge window; zero means now.
	At time.Time
}

// TripQuote derives distance and duration from pickup/dropoff geometry.
type TripQuote struct {
	Class     types.VehicleClass
	Pickup    types.Point
	Dropoff   types.Point
	PromoCode string
	At        time.Time
}

type Breakdown struct {
	Class           types.VehicleClass `json:"vehicle_class"`
	Currency        string             `json:"currency"`
	BaseFare        decimal.Decimal    `json:"base_fare"`
	DistanceCharge  decimal.Decimal    `json:"distance_charge"`
	TimeCharge      decimal.Decimal    `json:"time_charge"`
	SurgeMultiplier decimal.Decimal    `json:"surge_multiplier"`
	SurgeCharge     decimal.Decimal    `json:"surge_charge"`
	Discount        decimal.Decimal    `json:"discount"`
	PromoCode       string             `json:"promo_code,omitempty"`
	Subtotal        decimal.Decimal    `json:"subtotal"`
	Tax             decimal.Decimal    `json:"tax"`
	Total           decimal.Decimal    `json:"total"`
}

// Estimate is a breakdown plus the geometry-derived inputs it was priced on.
type Estimate struct {
	Breakdown
	DistanceKm      decimal.Decimal `json:"estimated_distance_km"`
	DurationMinutes int             `json:"estimated_duration_minutes"`
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFlat       DiscountType = "FLAT"
)

type Promo struct {
	Code          string
	Description   string
	Type          DiscountType
	Value         decimal.Decimal
	MaxDiscount   decimal.NullDecimal
	MinOrderValue decimal.NullDecimal
	ValidUntil    *time.Time
	Active        bool
}

// Applies reports whether the code is usable for an order of the given
// pre-discount amount at time at.
func (p Promo) Applies(amount decimal.Decimal, at time.Time) bool {
	if !p.Active {
		return false
	}
	if p.ValidUntil != nil && !p.ValidUntil.After(at) {
		return false
	}
	if p.MinOrderValue.Valid && amount.LessThan(p.MinOrderValue.Decimal) {
		return false
	}
	return true
}

type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "PENDING"
	InvoicePaid     InvoiceStatus = "PAID"
	InvoiceRefunded InvoiceStatus = "REFUNDED"
)

type Invoice struct {
	ID              types.ID           `json:"id"`
	Number          string             `json:"invoice_number"`
	RideID          types.ID           `json:"ride_id"`
	CustomerID      types.ID           `json:"customer_id"`
	DriverID        types.ID           `json:"driver_id"`
	Class           types.VehicleClass `json:"vehicle_class"`
	DistanceKm      decimal.Decimal    `json:"distance_km"`
	DurationMinutes int                `json:"duration_minutes"`
	Amount          types.Money        `json:"amount"`
	Status          InvoiceStatus      `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
}

type InvoiceRequest struct {
	RideID          types.ID
	CustomerID      types.ID
	DriverID        types.ID
	Class           types.VehicleClass
	DistanceKm      decimal.Decimal
	DurationMinutes int
	Amount          decimal.Decimal
}

type InvoicePage struct {
	Items []Invoice `json:"items"`
	Page  int       `json:"page"`
	Size  int       `json:"size"`
	Total int       `json:"total"`
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentCard   PaymentMethod = "CARD"
	PaymentUPI    PaymentMethod = "UPI"
	PaymentWallet PaymentMethod = "WALLET"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentUPI, PaymentWallet:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type Payment struct {
	ID            types.ID      `json:"id"`
	TransactionID string        `json:"transaction_id"`
	InvoiceID     types.ID      `json:"invoice_id"`
	CustomerID    types.ID      `json:"customer_id"`
	Amount        types.Money   `json:"amount"`
	Method        PaymentMethod `json:"payment_method"`
	Details       string        `json:"payment_method_details,omitempty"`
	Status        PaymentStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"`
}

type PaymentRequest struct {
	InvoiceID  types.ID
	CustomerID types.ID
	Method     PaymentMethod
	Details    string
}
