package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/001_create_dispatch.sql
var schemaSQL string

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the bundled schema; statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, requester_id, assigned_driver_id, pickup_lat, pickup_lon, vehicle_class, status, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.RequesterID, nullable(t.AssignedDriverID), t.Pickup.Lat, t.Pickup.Lon, t.VehicleClass, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, requester_id, assigned_driver_id, pickup_lat, pickup_lon, vehicle_class, status, cancelled_by, cancel_reason, created_at, updated_at FROM trips WHERE id=$1`, id)
	var (
		t                               models.Trip
		status                          string
		driverID, cancelledBy, cancelRs sql.NullString
	)
	err := row.Scan(&t.ID, &t.RequesterID, &driverID, &t.Pickup.Lat, &t.Pickup.Lon, &t.VehicleClass, &status, &cancelledBy, &cancelRs, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrNotFound
	}
	if err != nil {
		return models.Trip{}, err
	}
	t.Status = models.TripStatus(status)
	t.AssignedDriverID = driverID.String
	t.CancelledBy = cancelledBy.String
	t.CancelReason = cancelRs.String
	return t, nil
}

func (p *PostgresStore) GetTripStatus(ctx context.Context, id string) (models.TripStatus, error) {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM trips WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return models.TripStatus(status), nil
}

// CompareAndSetTripStatus is a single guarded UPDATE; the row only changes
// when the stored status still equals expected.
func (p *PostgresStore) CompareAndSetTripStatus(ctx context.Context, id string, expected, next models.TripStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, string(next), time.Now(), id, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.GetTripStatus(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) AcceptTrip(ctx context.Context, id, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status=$1, assigned_driver_id=$2, updated_at=$3 WHERE id=$4 AND status=$5`,
		string(models.TripAccepted), driverID, time.Now(), id, string(models.TripRequested))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.GetTripStatus(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) SetAssignedDriver(ctx context.Context, id, driverID string) error {
	return p.execOne(ctx, `UPDATE trips SET assigned_driver_id=$1, updated_at=$2 WHERE id=$3`, nullable(driverID), time.Now(), id)
}

func (p *PostgresStore) SetCancellation(ctx context.Context, id, cancelledBy, reason string) error {
	return p.execOne(ctx, `UPDATE trips SET cancelled_by=$1, cancel_reason=$2, updated_at=$3 WHERE id=$4`, nullable(cancelledBy), nullable(reason), time.Now(), id)
}

func (p *PostgresStore) HasActiveTrip(ctx context.Context, requesterID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE requester_id=$1 AND status IN ('requested','accepted','started'))`, requesterID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresDirectory reads driver profiles from the drivers table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const driverColumns = `id, online, available, verified, vehicle_class, avg_rating, total_trips, completed_trips, current_trip_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(r rowScanner) (models.Driver, error) {
	var (
		d       models.Driver
		current sql.NullString
	)
	if err := r.Scan(&d.ID, &d.Online, &d.Available, &d.Verified, &d.VehicleClass, &d.AvgRating, &d.TotalTrips, &d.CompletedTrips, &current); err != nil {
		return models.Driver{}, err
	}
	d.CurrentTripID = current.String
	return d, nil
}

func (p *PostgresDirectory) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, ErrNotFound
	}
	return d, err
}

func (p *PostgresDirectory) GetDrivers(ctx context.Context, ids []string) (map[string]models.Driver, error) {
	out := make(map[string]models.Driver, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

func (p *PostgresDirectory) SetAvailability(ctx context.Context, id string, available bool) error {
	return p.execOne(ctx, `UPDATE drivers SET available=$1 WHERE id=$2`, available, id)
}

func (p *PostgresDirectory) SetOnline(ctx context.Context, id string, online bool) error {
	return p.execOne(ctx, `UPDATE drivers SET online=$1 WHERE id=$2`, online, id)
}

func (p *PostgresDirectory) IncrementTripCounters(ctx context.Context, id string, completed bool) error {
	return p.execOne(ctx, `UPDATE drivers SET total_trips = total_trips + 1, completed_trips = completed_trips + CASE WHEN $1::boolean THEN 1 ELSE 0 END WHERE id=$2`, completed, id)
}

func (p *PostgresDirectory) ClaimCurrentTrip(ctx context.Context, driverID, tripID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET current_trip_id=$1 WHERE id=$2 AND current_trip_id IS NULL`, tripID, driverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.GetDriver(ctx, driverID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresDirectory) ClearCurrentTrip(ctx context.Context, driverID, tripID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET current_trip_id=NULL WHERE id=$1 AND current_trip_id=$2`, driverID, tripID)
	return err
}

func (p *PostgresDirectory) execOne(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
