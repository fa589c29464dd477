package matcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Service finds eligible drivers near a pickup point. Nearness is a
// filter, not a ranking: candidates come back in no particular order.
type Service struct {
	Index     geo.Index
	Directory directory.Directory
	Logger    *slog.Logger
}

func NewService(index geo.Index, dir directory.Directory, logger *slog.Logger) *Service {
	return &Service{Index: index, Directory: dir, Logger: logger}
}

// FindCandidates returns every online, approved driver of the requested
// vehicle class within radiusMeters of pickup. A failing spatial index
// never fails the call: the search degrades to all eligible drivers of
// the class, radius unbounded, so ride creation is never blocked by
// index health.
func (s *Service) FindCandidates(ctx context.Context, pickup models.Coord, vehicleClass string, radiusMeters float64) ([]models.Driver, error) {
	if !pickup.Valid() {
		return nil, models.ErrInvalidLocation
	}
	vehicleClass = models.NormalizeVehicleClass(vehicleClass)

	ids, err := s.Index.Search(ctx, pickup, radiusMeters)
	if err != nil {
		observability.MatchingDegraded.Inc()
		if s.Logger != nil {
			s.Logger.Warn("matching degraded, spatial index unavailable",
				"error", err, "vehicle_class", vehicleClass)
		}
		return s.Directory.ListEligible(ctx, vehicleClass)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	drivers, err := s.Directory.GetBatch(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("driver lookup: %w", err)
	}
	out := drivers[:0]
	for _, d := range drivers {
		if d.Eligible(vehicleClass) {
			out = append(out, d)
		}
	}
	return out, nil
}

// FindOnline backs the ad-hoc "drivers near me" query: online, approved
// drivers of any vehicle class within radiusMeters. Same degradation
// contract as FindCandidates.
func (s *Service) FindOnline(ctx context.Context, pos models.Coord, radiusMeters float64) ([]models.Driver, error) {
	if !pos.Valid() {
		return nil, models.ErrInvalidLocation
	}
	ids, err := s.Index.Search(ctx, pos, radiusMeters)
	if err != nil {
		observability.MatchingDegraded.Inc()
		if s.Logger != nil {
			s.Logger.Warn("online-driver search degraded, spatial index unavailable", "error", err)
		}
		return s.Directory.ListOnline(ctx)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	drivers, err := s.Directory.GetBatch(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("driver lookup: %w", err)
	}
	out := drivers[:0]
	for _, d := range drivers {
		if d.Online && d.Approved {
			out = append(out, d)
		}
	}
	return out, nil
}
