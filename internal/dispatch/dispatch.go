// Package dispatch coordinates the ride lifecycle: request, candidate
// notification, race-safe acceptance, and status fan-out over the event
// channel fabric.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/fabric"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

// Event names on the server->client channel.
const (
	EventNewRideRequest    = "new_ride_request"
	EventRideAccepted      = "ride_accepted"
	EventRideStatusUpdate  = "ride_status_update"
	EventDriverLocation    = "driver_location_update"
	EventPassengerLocation = "passenger_location_update"
)

// Bus is the slice of the channel fabric the coordinator needs. It is
// injected at construction, never smuggled through request contexts.
type Bus interface {
	Publish(topic, event string, data any)
	JoinMembers(src, dst string)
}

// Candidates finds eligible drivers near a pickup point.
type Candidates interface {
	FindCandidates(ctx context.Context, pickup models.Coord, vehicleClass string, radiusMeters float64) ([]models.Driver, error)
}

// LocationSink receives driver location pushes for persistence. Backed by
// the Kafka producer when brokers are configured, otherwise applied
// directly to the geo index and driver directory.
type LocationSink interface {
	PublishLocation(p models.LocationPush) error
}

// RideRequest is a passenger's ask for a ride.
type RideRequest struct {
	PassengerID  string       `json:"passenger_id"`
	Pickup       models.Place `json:"pickup"`
	Drop         models.Place `json:"drop"`
	Fare         float64      `json:"fare"`
	Distance     float64      `json:"distance"`
	Duration     float64      `json:"duration"`
	VehicleClass string       `json:"vehicle_class"`
}

// Coordinator orchestrates request -> match -> notify -> accept and the
// subsequent lifecycle transitions.
type Coordinator struct {
	Store     store.RideStore
	Matcher   Candidates
	Bus       Bus
	Locations LocationSink
	Logger    *slog.Logger

	MatchRadiusMeters float64
}

// RequestRide persists a pending ride, notifies every candidate driver's
// topic, and joins the passenger's live connections to the ride topic.
// The ride is created even when no candidate is online; it stays visible
// to the pull-based nearby-requests query.
func (c *Coordinator) RequestRide(ctx context.Context, req RideRequest) (*models.Ride, error) {
	if !req.Pickup.Loc.Valid() || !req.Drop.Loc.Valid() {
		return nil, models.ErrInvalidLocation
	}
	ride := &models.Ride{
		ID:           newID(),
		PassengerID:  req.PassengerID,
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		Fare:         req.Fare,
		Distance:     req.Distance,
		Duration:     req.Duration,
		VehicleClass: models.NormalizeVehicleClass(req.VehicleClass),
		Status:       models.StatusPending,
		CreatedAt:    time.Now(),
	}
	if err := c.Store.Create(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()

	c.Bus.JoinMembers(fabric.PassengerTopic(ride.PassengerID), fabric.RideTopic(ride.ID))

	cands, err := c.Matcher.FindCandidates(ctx, ride.Pickup.Loc, ride.VehicleClass, c.MatchRadiusMeters)
	if err != nil {
		// The ride already exists; a failed candidate search must not
		// undo that. Drivers can still find it by polling nearby.
		c.Logger.Warn("candidate search failed", "ride_id", ride.ID, "error", err)
		cands = nil
	}
	for _, d := range cands {
		c.Bus.Publish(fabric.DriverTopic(d.ID), EventNewRideRequest, ride)
	}
	c.Logger.Info("ride requested",
		"ride_id", ride.ID, "passenger_id", ride.PassengerID,
		"vehicle_class", ride.VehicleClass, "candidates", len(cands))
	return ride, nil
}

// AcceptRide resolves the claim race through the store's conditional
// update, then pulls the winning driver's connections into the ride topic
// and announces the acceptance on all three topic classes.
func (c *Coordinator) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := c.Store.Accept(ctx, rideID, driverID)
	if err != nil {
		if errors.Is(err, models.ErrRideNotAvailable) || errors.Is(err, models.ErrRideAlreadyClaimed) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}
	observability.RidesAccepted.Inc()

	// Post-condition of a successful accept: every open connection of
	// this driver receives ride-topic events from now on.
	c.Bus.JoinMembers(fabric.DriverTopic(driverID), fabric.RideTopic(rideID))

	// Subscribers may be listening on any of the three depending on
	// which screen they are on.
	c.Bus.Publish(fabric.RideTopic(rideID), EventRideAccepted, ride)
	c.Bus.Publish(fabric.DriverTopic(driverID), EventRideAccepted, ride)
	c.Bus.Publish(fabric.PassengerTopic(ride.PassengerID), EventRideAccepted, ride)

	c.Logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	return ride, nil
}

// RejectRide acknowledges a driver's rejection. It does not exclude the
// driver from later notifications and does not touch ride state.
func (c *Coordinator) RejectRide(ctx context.Context, rideID, driverID string) error {
	c.Logger.Info("ride rejected", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// UpdateStatus applies a forward-only lifecycle transition and fans the
// updated ride out to the ride, passenger, and driver topics. Pending and
// accepted are not reachable here: acceptance goes through AcceptRide.
func (c *Coordinator) UpdateStatus(ctx context.Context, rideID string, next models.Status) (*models.Ride, error) {
	if !next.Known() || next == models.StatusPending || next == models.StatusAccepted {
		return nil, models.ErrRideNotAvailable
	}
	ride, err := c.Store.Transition(ctx, rideID, next)
	if err != nil {
		return nil, err
	}
	c.Bus.Publish(fabric.RideTopic(rideID), EventRideStatusUpdate, ride)
	c.Bus.Publish(fabric.PassengerTopic(ride.PassengerID), EventRideStatusUpdate, ride)
	if ride.DriverID != "" {
		c.Bus.Publish(fabric.DriverTopic(ride.DriverID), EventRideStatusUpdate, ride)
	}
	c.Logger.Info("ride status updated", "ride_id", rideID, "status", next)
	return ride, nil
}

// ActiveRide returns the participant's in-flight ride, or nil.
func (c *Coordinator) ActiveRide(ctx context.Context, participantID string) (*models.Ride, error) {
	return c.Store.ActiveFor(ctx, participantID)
}

// NearbyRequests is the pull-side of dispatch: pending rides within the
// match radius of the asking driver's position.
func (c *Coordinator) NearbyRequests(ctx context.Context, pos models.Coord) ([]*models.Ride, error) {
	if !pos.Valid() {
		return nil, models.ErrInvalidLocation
	}
	return c.Store.NearbyPending(ctx, pos, c.MatchRadiusMeters)
}

// DriverLocation handles a driver location push: broadcast to the ride
// topic when the driver is on a ride, then hand the sample to the sink
// for persistence. The push also marks the driver online.
func (c *Coordinator) DriverLocation(ctx context.Context, p models.LocationPush) error {
	if !(models.Coord{Lng: p.Lng, Lat: p.Lat}).Valid() {
		return models.ErrInvalidLocation
	}
	if p.RideID != "" {
		c.Bus.Publish(fabric.RideTopic(p.RideID), EventDriverLocation, p)
	}
	if c.Locations == nil {
		return nil
	}
	if err := c.Locations.PublishLocation(p); err != nil {
		// Location is advisory; a dropped sample is not a request error.
		c.Logger.Warn("location push failed", "driver_id", p.DriverID, "error", err)
	}
	return nil
}

// PassengerLocation broadcasts a passenger's position to the ride topic.
func (c *Coordinator) PassengerLocation(ctx context.Context, rideID string, lat, lng float64) {
	if rideID == "" {
		return
	}
	c.Bus.Publish(fabric.RideTopic(rideID), EventPassengerLocation,
		map[string]any{"ride_id": rideID, "lat": lat, "lng": lng})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
