package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the spatial index consulted by the matcher. It stores only
// driver positions; eligibility flags live in the driver directory.
type Index interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	// Search returns the ids of drivers within radiusMeters of center.
	// Ordering is not guaranteed.
	Search(ctx context.Context, center models.Coord, radiusMeters float64) ([]string, error)
}

// MemoryIndex is a naive scan over an in-process map. Good enough for a
// single node and for tests; the Redis index covers everything else.
type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{positions: make(map[string]models.Coord)}
}

func (m *MemoryIndex) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[driverID] = loc
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, center models.Coord, radiusMeters float64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.positions))
	for id, loc := range m.positions {
		if Haversine(center.Lat, center.Lng, loc.Lat, loc.Lng) <= radiusMeters {
			out = append(out, id)
		}
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
