// README: Billing issues one invoice per completed ride and settles it
// through a payment gateway.
package fare

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cabcore/internal/types"
)

type InvoiceStore interface {
	// Create fails with ErrInvoiceExists when the ride already has one.
	Create(ctx context.Context, inv *Invoice) error
	ByID(ctx context.Context, id types.ID) (*Invoice, error)
	ByRide(ctx context.Context, rideID types.ID) (*Invoice, error)
	// ByCustomer pages a customer's invoices, newest first.
	ByCustomer(ctx context.Context, customerID types.ID, page, size int) (InvoicePage, error)
	// SetStatus moves an invoice from one status to another and reports
	// false when it was not at from.
	SetStatus(ctx context.Context, id types.ID, from, to InvoiceStatus) (bool, error)
}

type PaymentStore interface {
	// CreatePayment fails with ErrPaymentExists while the invoice holds a
	// payment that has not failed.
	CreatePayment(ctx context.Context, p *Payment) error
	PaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error)
	// SetPaymentStatus is a compare-and-set on the payment status.
	SetPaymentStatus(ctx context.Context, id types.ID, from, to PaymentStatus, reason string, at time.Time) (bool, error)
}

// Ledger is the storage Billing needs.
type Ledger interface {
	InvoiceStore
	PaymentStore
}

// Gateway authorizes a payment and reports false for a decline.
type Gateway interface {
	Charge(ctx context.Context, p Payment) (bool, error)
}

// MockGateway approves cash outright and other methods with probability
// ApproveRate.
type MockGateway struct {
	ApproveRate float64
	roll        func() float64
}

func NewMockGateway(approveRate float64) *MockGateway {
	return &MockGateway{ApproveRate: approveRate, roll: rand.Float64}
}

func (g *MockGateway) Charge(_ context.Context, p Payment) (bool, error) {
	if p.Method == PaymentCash {
		return true, nil
	}
	return g.roll() < g.ApproveRate, nil
}

const (
	DefaultApproveRate     = 0.95
	DefaultInvoicePageSize = 10
	MaxInvoicePageSize     = 100
)

type Billing struct {
	store    Ledger
	gateway  Gateway
	currency string
	log      logrus.FieldLogger
	now      func() time.Time
}

type BillingOption func(*Billing)

func WithGateway(g Gateway) BillingOption {
	return func(b *Billing) { b.gateway = g }
}

func WithBillingLogger(log logrus.FieldLogger) BillingOption {
	return func(b *Billing) { b.log = log }
}

func WithBillingClock(now func() time.Time) BillingOption {
	return func(b *Billing) { b.now = now }
}

func NewBilling(store Ledger, currency string, opts ...BillingOption) *Billing {
	b := &Billing{
		store:    store,
		gateway:  NewMockGateway(DefaultApproveRate),
		currency: currency,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Billing) GenerateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.RideID == "" || req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: ride id and non-negative amount required", ErrInvalidQuote)
	}
	inv := &Invoice{
		ID:              types.NewID(),
		Number:          newInvoiceNumber(),
		RideID:          req.RideID,
		CustomerID:      req.CustomerID,
		DriverID:        req.DriverID,
		Class:           req.Class,
		DistanceKm:      req.DistanceKm,
		DurationMinutes: req.DurationMinutes,
		Amount:          types.NewMoney(req.Amount, b.currency),
		Status:          InvoicePending,
		CreatedAt:       b.now().UTC(),
	}
	if err := b.store.Create(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (b *Billing) InvoiceForRide(ctx context.Context, rideID types.ID) (*Invoice, error) {
	return b.store.ByRide(ctx, rideID)
}

func (b *Billing) CustomerInvoices(ctx context.Context, customerID types.ID, page, size int) (InvoicePage, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultInvoicePageSize
	}
	if size > MaxInvoicePageSize {
		size = MaxInvoicePageSize
	}
	return b.store.ByCustomer(ctx, customerID, page, size)
}

// Pay charges the invoice's amount to the customer. A declined charge is
// not an error: the payment comes back FAILED, the invoice stays PENDING
// and the customer may pay again.
func (b *Billing) Pay(ctx context.Context, req PaymentRequest) (*Payment, error) {
	if req.InvoiceID == "" || req.CustomerID == "" || !req.Method.Valid() {
		return nil, fmt.Errorf("%w: invoice id, customer and payment method required", ErrInvalidQuote)
	}
	inv, err := b.store.ByID(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.CustomerID != req.CustomerID {
		return nil, ErrNotPayer
	}
	if inv.Status != InvoicePending {
		return nil, ErrInvoiceSettled
	}

	p := &Payment{
		ID:            types.NewID(),
		TransactionID: newTransactionID(),
		InvoiceID:     inv.ID,
		CustomerID:    req.CustomerID,
		Amount:        inv.Amount,
		Method:        req.Method,
		Details:       req.Details,
		Status:        PaymentPending,
		CreatedAt:     b.now().UTC(),
	}
	if err := b.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	log := b.log.WithFields(logrus.Fields{"transaction_id": p.TransactionID, "invoice_id": inv.ID, "method": p.Method})

	approved, chargeErr := b.gateway.Charge(ctx, *p)
	at := b.now().UTC()
	if chargeErr != nil || !approved {
		reason := "payment gateway declined"
		if chargeErr != nil {
			reason = chargeErr.Error()
		}
		if err := b.settle(ctx, p, PaymentFailed, reason, at); err != nil {
			return nil, err
		}
		log.WithField("reason", reason).Warn("payment failed")
		return p, nil
	}

	if err := b.settle(ctx, p, PaymentSuccess, "", at); err != nil {
		return nil, err
	}
	ok, err := b.store.SetStatus(ctx, inv.ID, InvoicePending, InvoicePaid)
	if err != nil {
		return nil, fmt.Errorf("billing: mark paid: %w", err)
	}
	if !ok {
		return nil, ErrInvoiceSettled
	}
	log.Info("payment succeeded")
	return p, nil
}

func (b *Billing) Payment(ctx context.Context, transactionID string) (*Payment, error) {
	return b.store.PaymentByTransaction(ctx, transactionID)
}

// Refund reverses a successful payment and marks its invoice REFUNDED.
func (b *Billing) Refund(ctx context.Context, transactionID string) (*Payment, error) {
	p, err := b.store.PaymentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentSuccess {
		return nil, ErrNotRefundable
	}
	if err := b.settle(ctx, p, PaymentRefunded, "", b.now().UTC()); err != nil {
		return nil, err
	}
	if _, err := b.store.SetStatus(ctx, p.InvoiceID, InvoicePaid, InvoiceRefunded); err != nil {
		return nil, fmt.Errorf("billing: mark refunded: %w", err)
	}
	b.log.WithFields(logrus.Fields{"transaction_id": p.TransactionID, "invoice_id": p.InvoiceID}).Info("payment refunded")
	return p, nil
}

// settle moves p out of its current status and records the result on p.
func (b *Billing) settle(ctx context.Context, p *Payment, to PaymentStatus, reason string, at time.Time) error {
	ok, err := b.store.SetPaymentStatus(ctx, p.ID, p.Status, to, reason, at)
	if err != nil {
		return fmt.Errorf("billing: payment status: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: payment is no longer %s", ErrPaymentState, p.Status)
	}
	p.Status = to
	p.FailureReason = reason
	p.ProcessedAt = &at
	return nil
}

func newInvoiceNumber() string {
	return "INV-" + strings.ToUpper(uuid.NewString()[:8])
}

func newTransactionID() string {
	return "TXN-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
