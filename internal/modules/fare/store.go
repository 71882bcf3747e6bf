// README: Promo, invoice and payment stores backed by PostgreSQL.
package fare

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cabcore/internal/types"
)

const uniqueViolation = "23505"

type PGPromoStore struct {
	db *pgxpool.Pool
}

func NewPGPromoStore(db *pgxpool.Pool) *PGPromoStore {
	return &PGPromoStore{db: db}
}

func (s *PGPromoStore) Lookup(ctx context.Context, code string) (Promo, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT code, description, discount_type, discount_value::text,
		       max_discount::text, min_order_value::text, valid_until, is_active
		FROM promo_codes
		WHERE code = $1`, strings.ToUpper(strings.TrimSpace(code)),
	)

	var p Promo
	var discountType, value string
	var maxDiscount, minOrder *string
	err := row.Scan(&p.Code, &p.Description, &discountType, &value, &maxDiscount, &minOrder, &p.ValidUntil, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Promo{}, false, nil
	}
	if err != nil {
		return Promo{}, false, fmt.Errorf("promo store: lookup: %w", err)
	}
	p.Type = DiscountType(discountType)
	if p.Value, err = decimal.NewFromString(value); err != nil {
		return Promo{}, false, fmt.Errorf("promo store: discount_value: %w", err)
	}
	if p.MaxDiscount, err = nullDecimal(maxDiscount); err != nil {
		return Promo{}, false, fmt.Errorf("promo store: max_discount: %w", err)
	}
	if p.MinOrderValue, err = nullDecimal(minOrder); err != nil {
		return Promo{}, false, fmt.Errorf("promo store: min_order_value: %w", err)
	}
	return p, true, nil
}

// Upsert seeds or replaces a promo code.
func (s *PGPromoStore) Upsert(ctx context.Context, p Promo) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO promo_codes (
			code, description, discount_type, discount_value,
			max_discount, min_order_value, valid_until, is_active
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type,
			discount_value = EXCLUDED.discount_value,
			max_discount = EXCLUDED.max_discount,
			min_order_value = EXCLUDED.min_order_value,
			valid_until = EXCLUDED.valid_until,
			is_active = EXCLUDED.is_active`,
		strings.ToUpper(p.Code),
		p.Description,
		string(p.Type),
		p.Value.String(),
		nullDecimalString(p.MaxDiscount),
		nullDecimalString(p.MinOrderValue),
		p.ValidUntil,
		p.Active,
	)
	return err
}

type PGInvoiceStore struct {
	db *pgxpool.Pool
}

func NewPGInvoiceStore(db *pgxpool.Pool) *PGInvoiceStore {
	return &PGInvoiceStore{db: db}
}

var _ Ledger = (*PGInvoiceStore)(nil)

func (s *PGInvoiceStore) Create(ctx context.Context, inv *Invoice) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO invoices (
			id, invoice_number, ride_id, customer_id, driver_id,
			vehicle_class, distance_km, duration_minutes,
			amount, currency, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10, $11, $12)`,
		string(inv.ID),
		inv.Number,
		string(inv.RideID),
		string(inv.CustomerID),
		string(inv.DriverID),
		string(inv.Class),
		inv.DistanceKm.String(),
		inv.DurationMinutes,
		inv.Amount.Amount.String(),
		inv.Amount.Currency,
		string(inv.Status),
		inv.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrInvoiceExists
	}
	if err != nil {
		return fmt.Errorf("invoice store: create: %w", err)
	}
	return nil
}

const invoiceColumns = `
	id, invoice_number, ride_id, customer_id, driver_id,
	vehicle_class, distance_km::text, duration_minutes,
	amount::text, currency, status, created_at`

func (s *PGInvoiceStore) ByID(ctx context.Context, id types.ID) (*Invoice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, string(id))
	return scanInvoice(row)
}

func (s *PGInvoiceStore) ByRide(ctx context.Context, rideID types.ID) (*Invoice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE ride_id = $1`, string(rideID))
	return scanInvoice(row)
}

func (s *PGInvoiceStore) ByCustomer(ctx context.Context, customerID types.ID, page, size int) (InvoicePage, error) {
	out := InvoicePage{Items: []Invoice{}, Page: page, Size: size}
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices WHERE customer_id = $1`, string(customerID),
	).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("invoice store: count: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		string(customerID), size, page*size,
	)
	if err != nil {
		return out, fmt.Errorf("invoice store: by customer: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return out, err
		}
		out.Items = append(out.Items, *inv)
	}
	return out, rows.Err()
}

func (s *PGInvoiceStore) SetStatus(ctx context.Context, id types.ID, from, to InvoiceStatus) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE invoices SET status = $3 WHERE id = $1 AND status = $2`,
		string(id), string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("invoice store: set status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGInvoiceStore) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (
			id, transaction_id, invoice_id, customer_id, amount, currency,
			payment_method, payment_method_details, status, created_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)`,
		string(p.ID),
		p.TransactionID,
		string(p.InvoiceID),
		string(p.CustomerID),
		p.Amount.Amount.String(),
		p.Amount.Currency,
		string(p.Method),
		p.Details,
		string(p.Status),
		p.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrPaymentExists
	}
	if err != nil {
		return fmt.Errorf("payment store: create: %w", err)
	}
	return nil
}

func (s *PGInvoiceStore) PaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, transaction_id, invoice_id, customer_id, amount::text, currency,
		       payment_method, payment_method_details, status, failure_reason,
		       created_at, processed_at
		FROM payments
		WHERE transaction_id = $1`, transactionID,
	)
	var p Payment
	var amount, method, status string
	err := row.Scan(
		&p.ID, &p.TransactionID, &p.InvoiceID, &p.CustomerID, &amount, &p.Amount.Currency,
		&method, &p.Details, &status, &p.FailureReason,
		&p.CreatedAt, &p.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment store: by transaction: %w", err)
	}
	p.Method = PaymentMethod(method)
	p.Status = PaymentStatus(status)
	if p.Amount.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment store: amount: %w", err)
	}
	return &p, nil
}

func (s *PGInvoiceStore) SetPaymentStatus(ctx context.Context, id types.ID, from, to PaymentStatus, reason string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payments
		SET status = $3, failure_reason = $4, processed_at = $5
		WHERE id = $1 AND status = $2`,
		string(id), string(from), string(to), reason, at,
	)
	if err != nil {
		return false, fmt.Errorf("payment store: set status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var distance, amount, class, status string
	var createdAt time.Time
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.RideID, &inv.CustomerID, &inv.DriverID,
		&class, &distance, &inv.DurationMinutes,
		&amount, &inv.Amount.Currency, &status, &createdAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invoice store: scan: %w", err)
	}
	inv.Class = types.VehicleClass(class)
	inv.Status = InvoiceStatus(status)
	inv.CreatedAt = createdAt
	if inv.DistanceKm, err = decimal.NewFromString(distance); err != nil {
		return nil, fmt.Errorf("invoice store: distance_km: %w", err)
	}
	if inv.Amount.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invoice store: amount: %w", err)
	}
	return &inv, nil
}

func nullDecimal(v *string) (decimal.NullDecimal, error) {
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullDecimalString(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	s := v.Decimal.String()
	return &s
}
