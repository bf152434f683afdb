package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides with a version column enforcing optimistic
// concurrency: UPDATE ... WHERE id = $1 AND version = $2. Zero rows
// affected means someone else won the race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) LoadRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, COALESCE(driver_id, ''),
		       pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		       vehicle_type, payment_method, status,
		       estimated_fare, final_fare, cancellation_reason, payment_ref,
		       version, created_at, updated_at, started_at, completed_at
		FROM rides WHERE id = $1`, id)

	var r models.Ride
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.CustomerID, &r.DriverID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.VehicleType, &r.PaymentMethod, &r.Status,
		&r.EstimatedFare, &r.FinalFare, &r.CancellationReason, &r.PaymentRef,
		&r.Version, &r.CreatedAt, &r.UpdatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	return &r, nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride, expectedVersion int64) (*models.Ride, error) {
	if expectedVersion == 0 {
		return p.insert(ctx, r)
	}
	return p.update(ctx, r, expectedVersion)
}

func (p *PostgresStore) insert(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	cp := r.Clone()
	cp.Version = 1
	cp.UpdatedAt = time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(id, customer_id, driver_id,
			pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			vehicle_type, payment_method, status,
			estimated_fare, final_fare, cancellation_reason, payment_ref,
			version, created_at, updated_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		cp.ID, cp.CustomerID, cp.DriverID,
		cp.Pickup.Lat, cp.Pickup.Lon, cp.Dropoff.Lat, cp.Dropoff.Lon,
		cp.VehicleType, cp.PaymentMethod, cp.Status,
		cp.EstimatedFare, cp.FinalFare, cp.CancellationReason, cp.PaymentRef,
		cp.Version, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cp, nil
}

func (p *PostgresStore) update(ctx context.Context, r *models.Ride, expectedVersion int64) (*models.Ride, error) {
	cp := r.Clone()
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET driver_id = NULLIF($1,''), status = $2,
			estimated_fare = $3, final_fare = $4,
			cancellation_reason = $5, payment_ref = $6,
			version = $7, updated_at = $8,
			started_at = NULLIF($9, '0001-01-01T00:00:00Z'::timestamptz),
			completed_at = NULLIF($10, '0001-01-01T00:00:00Z'::timestamptz)
		WHERE id = $11 AND version = $12`,
		cp.DriverID, cp.Status,
		cp.EstimatedFare, cp.FinalFare,
		cp.CancellationReason, cp.PaymentRef,
		cp.Version, cp.UpdatedAt, cp.StartedAt, cp.CompletedAt,
		cp.ID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		// distinguish a lost race from a missing ride
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, cp.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !exists {
			return nil, ErrRideNotFound
		}
		return nil, ErrVersionConflict
	}
	return cp, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the given DDL. cmd/server uses it for the bundled
// migrations when MIGRATE=true.
func (p *PostgresStore) Migrate(ctx context.Context, ddl string) error {
	_, err := p.db.ExecContext(ctx, ddl)
	return err
}
