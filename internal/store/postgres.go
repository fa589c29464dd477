package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides in the rides table (see
// migrations/001_create_rides.sql). Accept and Transition are single
// conditional UPDATEs so the accept race resolves inside the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle so the server can share the pool with
// the driver directory.
func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, passenger_id, driver_id,
	pickup_address, pickup_lng, pickup_lat,
	drop_address, drop_lng, drop_lat,
	fare, distance, duration, vehicle_class, status,
	created_at, accepted_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.PassengerID, r.DriverID,
		r.Pickup.Address, r.Pickup.Loc.Lng, r.Pickup.Loc.Lat,
		r.Drop.Address, r.Drop.Loc.Lng, r.Drop.Loc.Lat,
		r.Fare, r.Distance, r.Duration, r.VehicleClass, r.Status,
		r.CreatedAt, r.AcceptedAt, r.CompletedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET driver_id=$1, status=$2, accepted_at=$3
		WHERE id=$4 AND status=$5 AND (driver_id='' OR driver_id=$1)`,
		driverID, models.StatusAccepted, time.Now(), rideID, models.StatusPending)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	r, getErr := p.Get(ctx, rideID)
	if n > 0 {
		return r, getErr
	}
	// Lost the swap: decide which way from the row we see now.
	if getErr != nil {
		return nil, getErr
	}
	if r.Status == models.StatusAccepted && r.DriverID == driverID {
		return r, nil // idempotent re-accept by the winner
	}
	if r.Status == models.StatusAccepted {
		return nil, models.ErrRideAlreadyClaimed
	}
	return nil, models.ErrRideNotAvailable
}

func (p *PostgresStore) Transition(ctx context.Context, rideID string, next models.Status) (*models.Ride, error) {
	cur, err := p.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !cur.Status.CanTransition(next) {
		return nil, models.ErrRideNotAvailable
	}
	var completedAt *time.Time
	if next == models.StatusCompleted {
		now := time.Now()
		completedAt = &now
	} else {
		completedAt = cur.CompletedAt
	}
	// Keyed on the status we read so a concurrent transition loses
	// cleanly instead of overwriting.
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status=$1, completed_at=$2 WHERE id=$3 AND status=$4`,
		next, completedAt, rideID, cur.Status)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, models.ErrRideNotAvailable
	}
	return p.Get(ctx, rideID)
}

func (p *PostgresStore) ActiveFor(ctx context.Context, participantID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE (passenger_id=$1 OR driver_id=$1) AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`,
		participantID, pq.Array([]string{
			string(models.StatusPending), string(models.StatusAccepted),
			string(models.StatusArrived), string(models.StatusStarted),
		}))
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) NearbyPending(ctx context.Context, center models.Coord, radiusMeters float64) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE status=$1`, models.StatusPending)
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
		p := r.Pickup.Loc
		if geo.Haversine(center.Lat, center.Lng, p.Lat, p.Lng) <= radiusMeters {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rideColumns+` FROM rides WHERE driver_id=$1 ORDER BY created_at DESC`,
		driverID)
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

func (p *PostgresStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	var stats models.DriverStats
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(fare), 0) FROM rides
		WHERE driver_id=$1 AND status=$2`,
		driverID, models.StatusCompleted).Scan(&stats.TotalTrips, &stats.TotalEarnings)
	return stats, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	err := row.Scan(&r.ID, &r.PassengerID, &r.DriverID,
		&r.Pickup.Address, &r.Pickup.Loc.Lng, &r.Pickup.Loc.Lat,
		&r.Drop.Address, &r.Drop.Loc.Lng, &r.Drop.Loc.Lat,
		&r.Fare, &r.Distance, &r.Duration, &r.VehicleClass, &r.Status,
		&r.CreatedAt, &r.AcceptedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
