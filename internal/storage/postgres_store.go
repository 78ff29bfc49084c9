package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, passenger_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
	ride_type, fare, status, cancel_reason, version, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.PassengerID, nullString(r.DriverID), r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		r.RideType, nullFloat(r.Fare), string(r.Status), r.CancelReason, r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) LoadRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ride %s: %w", id, err)
	}
	return r, nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET driver_id = $1, fare = $2, status = $3, cancel_reason = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		nullString(r.DriverID), nullFloat(r.Fare), string(r.Status), r.CancelReason, r.UpdatedAt, r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check ride %s: %w", r.ID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleRide
	}
	r.Version++
	return nil
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (p *PostgresStore) LoadDriverVehicle(ctx context.Context, driverID string) (*models.Vehicle, error) {
	var v models.Vehicle
	var doc sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT v.id, v.driver_id, v.category, v.document_url, v.approved
		FROM vehicles v WHERE v.driver_id = $1`, driverID).
		Scan(&v.ID, &v.DriverID, &v.Category, &doc, &v.Approved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load vehicle for driver %s: %w", driverID, err)
	}
	v.DocumentURL = doc.String
	return &v, nil
}

func (p *PostgresStore) SaveVehicle(ctx context.Context, v *models.Vehicle) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO vehicles(id, driver_id, category, document_url, approved, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,NOW(),NOW())
		ON CONFLICT (driver_id) DO UPDATE
		SET id = EXCLUDED.id, category = EXCLUDED.category, document_url = EXCLUDED.document_url,
		    approved = EXCLUDED.approved, updated_at = NOW()`,
		v.ID, v.DriverID, v.Category, v.DocumentURL, v.Approved)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, reason sql.NullString
	var fare sql.NullFloat64
	var status string
	err := s.Scan(&r.ID, &r.PassengerID, &driverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.RideType, &fare, &status, &reason, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelReason = reason.String
	r.Status = models.RideStatus(status)
	if fare.Valid {
		f := fare.Float64
		r.Fare = &f
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
