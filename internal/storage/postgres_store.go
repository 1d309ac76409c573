package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/001_create_rides.sql
var createRidesSQL string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the rides table when it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createRidesSQL)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const upsertRide = `INSERT INTO rides (
	id, passenger_id, driver_id, status,
	pickup_lat, pickup_lon, pickup_address,
	dropoff_lat, dropoff_lon, dropoff_address,
	estimated_price, final_price, payment_method_id,
	created_at, accepted_at, started_at, completed_at, cancelled_at, cancelled_by
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (id) DO UPDATE SET
	driver_id = EXCLUDED.driver_id,
	status = EXCLUDED.status,
	final_price = EXCLUDED.final_price,
	accepted_at = EXCLUDED.accepted_at,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at,
	cancelled_at = EXCLUDED.cancelled_at,
	cancelled_by = EXCLUDED.cancelled_by,
	updated_at = now()`

func (p *PostgresStore) PersistRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, upsertRide,
		r.ID, r.PassengerID, nullString(r.DriverID), string(r.Status),
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lon, r.Dropoff.Address,
		r.EstimatedPrice, nullFloat(r.FinalPrice), nullString(r.PaymentMethodID),
		r.CreatedAt, nullTime(r.AcceptedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt),
		nullString(r.CancelledBy),
	)
	if err != nil {
		return fmt.Errorf("persist ride %s: %w", r.ID, err)
	}
	return nil
}

const selectRide = `SELECT id, passenger_id, driver_id, status,
	pickup_lat, pickup_lon, pickup_address,
	dropoff_lat, dropoff_lon, dropoff_address,
	estimated_price, final_price, payment_method_id,
	created_at, accepted_at, started_at, completed_at, cancelled_at, cancelled_by
FROM rides`

func (p *PostgresStore) LoadRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, selectRide+` WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrRideNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load ride %s: %w", id, err)
	}
	return r, nil
}

func (p *PostgresStore) ListRides(ctx context.Context, principalID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, selectRide+` WHERE passenger_id = $1 OR driver_id = $1 ORDER BY created_at DESC, id`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list rides for %s: %w", principalID, err)
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("list rides for %s: %w", principalID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                       models.Ride
		status                                  string
		driverID, paymentMethodID, cancelledBy  sql.NullString
		finalPrice                              sql.NullFloat64
		acceptedAt, startedAt, completedAt, cxl sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.PassengerID, &driverID, &status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.Dropoff.Address,
		&r.EstimatedPrice, &finalPrice, &paymentMethodID,
		&r.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cxl, &cancelledBy,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	r.DriverID = driverID.String
	r.PaymentMethodID = paymentMethodID.String
	r.CancelledBy = cancelledBy.String
	if finalPrice.Valid {
		v := finalPrice.Float64
		r.FinalPrice = &v
	}
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cxl)
	return &r, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
