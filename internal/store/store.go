package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// RideStore is the single source of truth for ride state. All lifecycle
// mutations go through Accept and Transition so every state change is one
// conditional update, never a read-then-write.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)

	// Accept applies pending -> accepted as a compare-and-swap keyed on
	// ride id, current status and current assignment. Exactly one of N
	// concurrent callers wins; re-accept by the winner is idempotent.
	Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error)

	// Transition moves the ride forward (or to cancelled). Terminal
	// rides reject every transition with ErrRideNotAvailable.
	Transition(ctx context.Context, rideID string, next models.Status) (*models.Ride, error)

	// ActiveFor returns the ride where the participant is passenger or
	// driver and the status is still active, or nil when there is none.
	ActiveFor(ctx context.Context, participantID string) (*models.Ride, error)

	// NearbyPending returns pending rides whose pickup is within
	// radiusMeters of center. Pull-based fallback for drivers that
	// missed the push notification.
	NearbyPending(ctx context.Context, center models.Coord, radiusMeters float64) ([]*models.Ride, error)

	ListByDriver(ctx context.Context, driverID string) ([]*models.Ride, error)
	DriverStats(ctx context.Context, driverID string) (models.DriverStats, error)
}

// MemoryStore keeps rides in a map under one mutex, which also serializes
// the accept check-and-set.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Accept(_ context.Context, rideID, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	if r.Status == models.StatusAccepted {
		if r.DriverID == driverID {
			cp := *r
			return &cp, nil // idempotent re-accept by the winner
		}
		return nil, models.ErrRideAlreadyClaimed
	}
	if r.Status != models.StatusPending {
		return nil, models.ErrRideNotAvailable
	}
	if r.DriverID != "" && r.DriverID != driverID {
		return nil, models.ErrRideAlreadyClaimed
	}
	now := time.Now()
	r.DriverID = driverID
	r.Status = models.StatusAccepted
	r.AcceptedAt = &now
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, rideID string, next models.Status) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	if !r.Status.CanTransition(next) {
		return nil, models.ErrRideNotAvailable
	}
	r.Status = next
	if next == models.StatusCompleted {
		now := time.Now()
		r.CompletedAt = &now
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ActiveFor(_ context.Context, participantID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if !r.Status.Active() {
			continue
		}
		if r.PassengerID == participantID || r.DriverID == participantID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) NearbyPending(_ context.Context, center models.Coord, radiusMeters float64) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status != models.StatusPending {
			continue
		}
		p := r.Pickup.Loc
		if geo.Haversine(center.Lat, center.Lng, p.Lat, p.Lng) <= radiusMeters {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (m *MemoryStore) DriverStats(_ context.Context, driverID string) (models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats models.DriverStats
	for _, r := range m.rides {
		if r.DriverID == driverID && r.Status == models.StatusCompleted {
			stats.TotalTrips++
			stats.TotalEarnings += r.Fare
		}
	}
	return stats, nil
}

func sortByCreatedDesc(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool { return rides[i].CreatedAt.After(rides[j].CreatedAt) })
}
