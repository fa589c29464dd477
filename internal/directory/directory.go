package directory

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Directory is the persisted set of drivers with their last known
// location and eligibility flags. Location writes are best-effort,
// last-write-wins; the directory is advisory for matching, not
// authoritative for billing.
type Directory interface {
	// UpsertLocation records a location push and marks the driver online.
	UpsertLocation(ctx context.Context, driverID string, loc models.Coord) error
	// SetOnline toggles availability; loc, when non-nil, is stored too.
	SetOnline(ctx context.Context, driverID string, online bool, loc *models.Coord) error
	Get(ctx context.Context, driverID string) (models.Driver, bool, error)
	// GetBatch returns the drivers that exist among ids, in no
	// particular order.
	GetBatch(ctx context.Context, ids []string) ([]models.Driver, error)
	// ListEligible returns every online, approved driver of the given
	// vehicle class regardless of position. This is the matcher's
	// degraded path.
	ListEligible(ctx context.Context, vehicleClass string) ([]models.Driver, error)
	// ListOnline returns every online, approved driver of any class.
	ListOnline(ctx context.Context) ([]models.Driver, error)
}

// MemoryDirectory keeps drivers in a mutex-guarded map. Used in tests and
// when no Postgres DSN is configured.
type MemoryDirectory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{drivers: make(map[string]models.Driver)}
}

// Put replaces the full driver record. Registration and approval are
// administrative operations outside the dispatch core; this is their seam.
func (m *MemoryDirectory) Put(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Updated = time.Now()
	m.drivers[d.ID] = d
}

func (m *MemoryDirectory) UpsertLocation(_ context.Context, driverID string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		d = models.Driver{ID: driverID, VehicleClass: models.VehicleCar}
	}
	d.Loc = loc
	d.Online = true
	d.Updated = time.Now()
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryDirectory) SetOnline(_ context.Context, driverID string, online bool, loc *models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		d = models.Driver{ID: driverID, VehicleClass: models.VehicleCar}
	}
	d.Online = online
	if loc != nil {
		d.Loc = *loc
	}
	d.Updated = time.Now()
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryDirectory) Get(_ context.Context, driverID string) (models.Driver, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	return d, ok, nil
}

func (m *MemoryDirectory) GetBatch(_ context.Context, ids []string) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryDirectory) ListEligible(_ context.Context, vehicleClass string) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.Eligible(vehicleClass) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryDirectory) ListOnline(_ context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.Online && d.Approved {
			out = append(out, d)
		}
	}
	return out, nil
}
