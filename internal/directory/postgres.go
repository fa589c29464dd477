package directory

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresDirectory persists drivers in the drivers table (see
// migrations/002_create_drivers.sql).
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(dsn string) (*PostgresDirectory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresDirectory{db: db}, nil
}

// NewPostgresDirectoryWithDB wires an existing handle so the server can
// share one pool between the directory and the ride store.
func NewPostgresDirectoryWithDB(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (p *PostgresDirectory) UpsertLocation(ctx context.Context, driverID string, loc models.Coord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers(id, lng, lat, online, approved, vehicle_class, updated_at)
		VALUES($1, $2, $3, TRUE, FALSE, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET lng = EXCLUDED.lng, lat = EXCLUDED.lat, online = TRUE, updated_at = EXCLUDED.updated_at`,
		driverID, loc.Lng, loc.Lat, models.VehicleCar, time.Now())
	return err
}

// SetOnline creates the driver record on first contact, like
// UpsertLocation does, so the memory and Postgres directories agree on
// unknown drivers.
func (p *PostgresDirectory) SetOnline(ctx context.Context, driverID string, online bool, loc *models.Coord) error {
	if loc != nil {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO drivers(id, lng, lat, online, approved, vehicle_class, updated_at)
			VALUES($1, $2, $3, $4, FALSE, $5, $6)
			ON CONFLICT (id) DO UPDATE
			SET online = EXCLUDED.online, lng = EXCLUDED.lng, lat = EXCLUDED.lat, updated_at = EXCLUDED.updated_at`,
			driverID, loc.Lng, loc.Lat, online, models.VehicleCar, time.Now())
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers(id, lng, lat, online, approved, vehicle_class, updated_at)
		VALUES($1, 0, 0, $2, FALSE, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET online = EXCLUDED.online, updated_at = EXCLUDED.updated_at`,
		driverID, online, models.VehicleCar, time.Now())
	return err
}

func (p *PostgresDirectory) Get(ctx context.Context, driverID string) (models.Driver, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, lng, lat, online, approved, vehicle_class, updated_at FROM drivers WHERE id=$1`,
		driverID)
	d, err := scanDriver(row)
	if err == sql.ErrNoRows {
		return models.Driver{}, false, nil
	}
	if err != nil {
		return models.Driver{}, false, err
	}
	return d, true, nil
}

func (p *PostgresDirectory) GetBatch(ctx context.Context, ids []string) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, lng, lat, online, approved, vehicle_class, updated_at FROM drivers WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDrivers(rows)
}

func (p *PostgresDirectory) ListEligible(ctx context.Context, vehicleClass string) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, lng, lat, online, approved, vehicle_class, updated_at
		 FROM drivers WHERE online AND approved AND vehicle_class=$1`,
		vehicleClass)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDrivers(rows)
}

func (p *PostgresDirectory) ListOnline(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, lng, lat, online, approved, vehicle_class, updated_at
		 FROM drivers WHERE online AND approved`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDrivers(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (models.Driver, error) {
	var d models.Driver
	err := row.Scan(&d.ID, &d.Loc.Lng, &d.Loc.Lat, &d.Online, &d.Approved, &d.VehicleClass, &d.Updated)
	return d, err
}

func collectDrivers(rows *sql.Rows) ([]models.Driver, error) {
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
