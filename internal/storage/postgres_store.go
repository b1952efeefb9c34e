package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate executes a SQL file; statements are expected to be idempotent.
func Migrate(ctx context.Context, db *sql.DB, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", path, err)
	}
	return nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const rideColumns = `id, rider_id, driver_id, pickup_address, pickup_lat, pickup_lng,
	dest_address, dest_lat, dest_lng, vehicle_class, fare, distance_km, duration_min, otp,
	status, created_at, updated_at, accepted_at, started_at, completed_at, cancelled_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.RiderID, nullString(r.DriverID),
		r.Pickup.Address, r.Pickup.Coord.Lat, r.Pickup.Coord.Lng,
		r.Destination.Address, r.Destination.Coord.Lat, r.Destination.Coord.Lng,
		string(r.VehicleClass), r.Fare, r.DistanceKm, r.DurationMin, r.OTP,
		string(r.Status), r.CreatedAt, r.UpdatedAt,
		r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// TransitionRide is a single conditional UPDATE; zero rows means either an
// unknown id or a failed condition, told apart by a follow-up existence check.
func (p *PostgresStore) TransitionRide(ctx context.Context, id string, cond Condition, t Transition) (*models.Ride, error) {
	from := make([]string, len(cond.From))
	for i, s := range cond.From {
		from[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides
		SET status = $1::text,
			driver_id = COALESCE($2::text, driver_id),
			updated_at = $3::timestamptz,
			accepted_at = CASE WHEN $1 = 'accepted' THEN $3 ELSE accepted_at END,
			started_at = CASE WHEN $1 = 'ongoing' THEN $3 ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN $3 ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN $3 ELSE cancelled_at END
		WHERE id = $4 AND status = ANY($5) AND ($6::text = '' OR driver_id = $6::text)
			AND ($7::text = '' OR rider_id = $7::text)
		RETURNING `+rideColumns,
		string(t.To), nullString(t.DriverID), t.At, id, pq.Array(from), cond.DriverID, cond.RiderID)
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConditionFailed
}

func (p *PostgresStore) ListRides(ctx context.Context, status models.Status, createdBefore time.Time, limit int) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
		string(status), createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
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
		r                                   models.Ride
		driverID                            sql.NullString
		class, status                       string
		accepted, started, completed, cancl sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID,
		&r.Pickup.Address, &r.Pickup.Coord.Lat, &r.Pickup.Coord.Lng,
		&r.Destination.Address, &r.Destination.Coord.Lat, &r.Destination.Coord.Lng,
		&class, &r.Fare, &r.DistanceKm, &r.DurationMin, &r.OTP,
		&status, &r.CreatedAt, &r.UpdatedAt,
		&accepted, &started, &completed, &cancl)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.VehicleClass = models.VehicleClass(class)
	r.Status = models.Status(status)
	r.AcceptedAt = timePtr(accepted)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancl)
	return &r, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
