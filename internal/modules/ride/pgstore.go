// README: Ride store backed by PostgreSQL. Exclusivity is held by a per-actor
// advisory lock inside the insert/assign transaction and backstopped by the
// partial unique indexes in migrations/0001_init.sql.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cabcore/internal/types"
)

const (
	activeCustomerIndex = "rides_active_customer_uidx"
	activeDriverIndex   = "rides_active_driver_uidx"
	uniqueViolation     = "23505"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const rideColumns = `
	id, customer_id, driver_id, vehicle_class, status, status_version, start_code,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	currency, estimated_fare::text, actual_fare::text, distance_km::text, duration_minutes,
	requested_at, accepted_at, driver_arrived_at, started_at, completed_at, cancelled_at,
	cancellation_reason, cancelled_by,
	driver_rating::text, customer_feedback, customer_rating::text, driver_feedback`

func (s *PGStore) CreateExclusive(ctx context.Context, r *Ride) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := advisoryLock(ctx, tx, "customer", r.CustomerID); err != nil {
			return err
		}
		var active bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM rides
				WHERE customer_id = $1 AND status = ANY($2)
			)`, string(r.CustomerID), statusStrings(ActiveStatuses),
		).Scan(&active)
		if err != nil {
			return fmt.Errorf("ride store: active check: %w", err)
		}
		if active {
			return ErrActiveRide
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO rides (
				id, customer_id, vehicle_class, status, status_version, start_code,
				pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
				currency, estimated_fare, requested_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11, $12,
				$13, $14::numeric, $15
			)`,
			string(r.ID), string(r.CustomerID), string(r.Class), string(r.Status), r.StatusVersion, r.StartCode,
			r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address,
			r.Currency, r.EstimatedFare.String(), r.RequestedAt,
		)
		return mapUniqueViolation(err, "insert")
	})
}

func (s *PGStore) AssignDriver(ctx context.Context, id types.ID, from Status, version int, driverID types.ID, at time.Time) (bool, error) {
	var applied bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := advisoryLock(ctx, tx, "driver", driverID); err != nil {
			return err
		}
		var busy bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM rides
				WHERE driver_id = $1 AND id <> $2 AND status = ANY($3)
			)`, string(driverID), string(id), statusStrings(AssignedStatuses),
		).Scan(&busy)
		if err != nil {
			return fmt.Errorf("ride store: driver check: %w", err)
		}
		if busy {
			return ErrDriverBusy
		}
		tag, err := tx.Exec(ctx, `
			UPDATE rides
			SET driver_id = $1,
			    status = $2,
			    status_version = status_version + 1,
			    accepted_at = $3
			WHERE id = $4 AND status = $5 AND status_version = $6`,
			string(driverID), string(StatusAccepted), at, string(id), string(from), version,
		)
		if err != nil {
			return mapUniqueViolation(err, "assign")
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	return applied, err
}

func (s *PGStore) UpdateStatus(ctx context.Context, t Transition) (bool, error) {
	var (
		distance, fare *string
		minutes        *int
		reason, by     *string
	)
	switch t.To {
	case StatusCompleted:
		d, f, m := t.DistanceKm.String(), t.ActualFare.String(), t.DurationMinutes
		distance, fare, minutes = &d, &f, &m
	case StatusCancelled:
		r, b := t.Reason, string(t.CancelledBy)
		reason, by = &r, &b
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $1,
		    status_version = status_version + 1,
		    driver_arrived_at = CASE WHEN $1 = 'DRIVER_ARRIVED' THEN $2 ELSE driver_arrived_at END,
		    started_at = CASE WHEN $1 = 'IN_PROGRESS' THEN $2 ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'COMPLETED' THEN $2 ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN $2 ELSE cancelled_at END,
		    distance_km = COALESCE($3::numeric, distance_km),
		    actual_fare = COALESCE($4::numeric, actual_fare),
		    duration_minutes = COALESCE($5, duration_minutes),
		    cancellation_reason = COALESCE($6, cancellation_reason),
		    cancelled_by = COALESCE($7, cancelled_by)
		WHERE id = $8 AND status = $9 AND status_version = $10`,
		string(t.To), t.At, distance, fare, minutes, reason, by,
		string(t.RideID), string(t.From), t.Version,
	)
	if err != nil {
		return false, fmt.Errorf("ride store: update status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) SetRating(ctx context.Context, id types.ID, role Role, rating decimal.Decimal, feedback string) (bool, error) {
	var q string
	switch role {
	case RoleCustomer:
		q = `UPDATE rides SET driver_rating = $1::numeric, customer_feedback = $2
		     WHERE id = $3 AND status = 'COMPLETED' AND driver_rating IS NULL`
	case RoleDriver:
		q = `UPDATE rides SET customer_rating = $1::numeric, driver_feedback = $2
		     WHERE id = $3 AND status = 'COMPLETED' AND customer_rating IS NULL`
	default:
		return false, ErrValidation
	}
	tag, err := s.db.Exec(ctx, q, rating.String(), optional(feedback), string(id))
	if err != nil {
		return false, fmt.Errorf("ride store: set rating: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) AppendTrackPoint(ctx context.Context, p TrackPoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_track_points (ride_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		string(p.RideID), p.Lat, p.Lng, p.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("ride store: append track point: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ride store: get: %w", err)
	}
	return r, nil
}

func (s *PGStore) Track(ctx context.Context, id types.ID) ([]TrackPoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ride_id, lat, lng, recorded_at
		FROM ride_track_points
		WHERE ride_id = $1
		ORDER BY recorded_at ASC, id ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("ride store: track: %w", err)
	}
	defer rows.Close()

	points := []TrackPoint{}
	for rows.Next() {
		var p TrackPoint
		var rideID string
		if err := rows.Scan(&rideID, &p.Lat, &p.Lng, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("ride store: track scan: %w", err)
		}
		p.RideID = types.ID(rideID)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PGStore) ByCustomer(ctx context.Context, customerID types.ID, page, size int) (Page, error) {
	return s.page(ctx, "customer_id", string(customerID), page, size)
}

func (s *PGStore) ByDriver(ctx context.Context, driverID types.ID, page, size int) (Page, error) {
	return s.page(ctx, "driver_id", string(driverID), page, size)
}

// page lists rides where column = value. column is one of two constants.
func (s *PGStore) page(ctx context.Context, column, value string, page, size int) (Page, error) {
	p := Page{Items: []Ride{}, Page: page, Size: size}
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM rides WHERE `+column+` = $1`, value).Scan(&p.Total); err != nil {
		return p, fmt.Errorf("ride store: count: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE `+column+` = $1
		ORDER BY requested_at DESC, id DESC
		LIMIT $2 OFFSET $3`, value, size, page*size)
	if err != nil {
		return p, fmt.Errorf("ride store: history: %w", err)
	}
	p.Items, err = collectRides(rows)
	return p, err
}

func (s *PGStore) Active(ctx context.Context) ([]Ride, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE status = ANY($1)
		ORDER BY requested_at DESC, id DESC`, statusStrings(ActiveStatuses))
	if err != nil {
		return nil, fmt.Errorf("ride store: active: %w", err)
	}
	return collectRides(rows)
}

func collectRides(rows pgx.Rows) ([]Ride, error) {
	defer rows.Close()
	out := []Ride{}
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("ride store: scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (*Ride, error) {
	var (
		r                                          Ride
		id, customerID, class, status              string
		driverID                                   *string
		estimated                                  string
		actual, distance, driverRating, custRating *string
		minutes                                    *int32
		cancelledBy                                *string
	)
	err := row.Scan(
		&id, &customerID, &driverID, &class, &status, &r.StatusVersion, &r.StartCode,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address, &r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address,
		&r.Currency, &estimated, &actual, &distance, &minutes,
		&r.RequestedAt, &r.AcceptedAt, &r.DriverArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&r.CancelReason, &cancelledBy,
		&driverRating, &r.CustomerFeedback, &custRating, &r.DriverFeedback,
	)
	if err != nil {
		return nil, err
	}
	r.ID = types.ID(id)
	r.CustomerID = types.ID(customerID)
	r.Class = types.VehicleClass(class)
	r.Status = Status(status)
	if driverID != nil {
		d := types.ID(*driverID)
		r.DriverID = &d
	}
	if cancelledBy != nil {
		a := Actor(*cancelledBy)
		r.CancelledBy = &a
	}
	if minutes != nil {
		m := int(*minutes)
		r.DurationMinutes = &m
	}
	if r.EstimatedFare, err = decimal.NewFromString(estimated); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src *string
		dst **decimal.Decimal
	}{
		{actual, &r.ActualFare},
		{distance, &r.DistanceKm},
		{driverRating, &r.DriverRating},
		{custRating, &r.CustomerRating},
	} {
		if f.src == nil {
			continue
		}
		d, err := decimal.NewFromString(*f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = &d
	}
	return &r, nil
}

// advisoryLock serializes check-then-write sequences per actor for the rest
// of the transaction.
func advisoryLock(ctx context.Context, tx pgx.Tx, kind string, id types.ID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "ride:"+kind+":"+string(id))
	if err != nil {
		return fmt.Errorf("ride store: lock %s: %w", kind, err)
	}
	return nil
}

func mapUniqueViolation(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case activeCustomerIndex:
			return ErrActiveRide
		case activeDriverIndex:
			return ErrDriverBusy
		}
	}
	return fmt.Errorf("ride store: %s: %w", op, err)
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
