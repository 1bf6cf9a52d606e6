package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists the ride aggregate and its append-only transition
// log in two tables (see migrations/001_create_rides.sql).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideColumns = `id, customer_id, driver_id, status, vehicle_type, payment_method,
	pickup_address, pickup_lat, pickup_lng, dropoff_address, dropoff_lat, dropoff_lng,
	distance_km, duration_seconds, fare, surge_multiplier,
	offered_driver_ids, rejected_driver_ids, reassign_attempts, offered_at,
	requested_at, assigned_at, accepted_at, pickup_at, started_at, completed_at, cancelled_at,
	cancel_reason, cancelled_by, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride, tr models.Transition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		r.ID, r.CustomerID, r.DriverID, r.Status, r.VehicleType, r.PaymentMethod,
		r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Address, r.Dropoff.Lat, r.Dropoff.Lng,
		r.DistanceKm, r.DurationSeconds, r.Fare, r.SurgeMultiplier,
		pq.Array(r.OfferedDriverIDs), pq.Array(r.RejectedDriverIDs), r.ReassignAttempts, r.OfferedAt,
		r.RequestedAt, r.AssignedAt, r.AcceptedAt, r.PickupAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullable(r.CancelReason), nullable(string(r.CancelledBy)), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	if err := insertTransition(ctx, tx, tr); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Update(ctx context.Context, r *models.Ride, tr models.Transition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE rides SET
		driver_id=$1, status=$2,
		offered_driver_ids=$3, rejected_driver_ids=$4, reassign_attempts=$5, offered_at=$6,
		assigned_at=$7, accepted_at=$8, pickup_at=$9, started_at=$10, completed_at=$11, cancelled_at=$12,
		cancel_reason=$13, cancelled_by=$14, updated_at=$15
		WHERE id=$16 AND status=$17`,
		r.DriverID, r.Status,
		pq.Array(r.OfferedDriverIDs), pq.Array(r.RejectedDriverIDs), r.ReassignAttempts, r.OfferedAt,
		r.AssignedAt, r.AcceptedAt, r.PickupAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullable(r.CancelReason), nullable(string(r.CancelledBy)), time.Now().UTC(), r.ID, tr.FromStatus)
	if err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// distinguish a vanished row from a lost status race
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id=$1`, r.ID).Scan(&one); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrStaleRide
	}
	if err := insertTransition(ctx, tx, tr); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTransition(ctx context.Context, tx *sql.Tx, tr models.Transition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ride_transitions(ride_id, from_status, to_status, actor_id, actor_type, reason, occurred_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		tr.RideID, nullable(string(tr.FromStatus)), tr.ToStatus, tr.ActorID, tr.ActorType, nullable(tr.Reason), tr.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ActiveForCustomer(ctx context.Context, customerID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE customer_id=$1 AND status NOT IN ('COMPLETED','CANCELLED')
		ORDER BY created_at DESC LIMIT 1`, customerID)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, s models.Status, limit int) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, s, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) ListForCustomer(ctx context.Context, customerID string, limit, offset int) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE customer_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, customerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) ListForDriver(ctx context.Context, driverID string, limit, offset int) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, driverID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) Transitions(ctx context.Context, rideID string) ([]models.Transition, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id, from_status, to_status, actor_id, actor_type, reason, occurred_at
		FROM ride_transitions WHERE ride_id=$1 ORDER BY occurred_at ASC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Transition
	for rows.Next() {
		var tr models.Transition
		var from, reason sql.NullString
		if err := rows.Scan(&tr.RideID, &from, &tr.ToStatus, &tr.ActorID, &tr.ActorType, &reason, &tr.OccurredAt); err != nil {
			return nil, err
		}
		tr.FromStatus = models.Status(from.String)
		tr.Reason = reason.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var offered, rejected pq.StringArray
	var cancelReason, cancelledBy sql.NullString
	err := row.Scan(&r.ID, &r.CustomerID, &r.DriverID, &r.Status, &r.VehicleType, &r.PaymentMethod,
		&r.Pickup.Address, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Address, &r.Dropoff.Lat, &r.Dropoff.Lng,
		&r.DistanceKm, &r.DurationSeconds, &r.Fare, &r.SurgeMultiplier,
		&offered, &rejected, &r.ReassignAttempts, &r.OfferedAt,
		&r.RequestedAt, &r.AssignedAt, &r.AcceptedAt, &r.PickupAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&cancelReason, &cancelledBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.OfferedDriverIDs = offered
	r.RejectedDriverIDs = rejected
	r.CancelReason = cancelReason.String
	r.CancelledBy = models.ActorType(cancelledBy.String)
	return &r, nil
}

func scanRides(rows *sql.Rows) ([]*models.Ride, error) {
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
