package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/fabric"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

type publication struct {
	topic string
	event string
}

// fakeBus records publishes and joins instead of writing to sockets.
type fakeBus struct {
	mu        sync.Mutex
	published []publication
	joins     [][2]string
}

func (b *fakeBus) Publish(topic, event string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publication{topic, event})
}

func (b *fakeBus) JoinMembers(src, dst string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins = append(b.joins, [2]string{src, dst})
}

func (b *fakeBus) count(topic, event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.published {
		if p.topic == topic && p.event == event {
			n++
		}
	}
	return n
}

func (b *fakeBus) joined(src, dst string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range b.joins {
		if j[0] == src && j[1] == dst {
			return true
		}
	}
	return false
}

// fixedMatcher returns a canned candidate list or error.
type fixedMatcher struct {
	drivers []models.Driver
	err     error
}

func (f *fixedMatcher) FindCandidates(ctx context.Context, pickup models.Coord, vehicleClass string, radiusMeters float64) ([]models.Driver, error) {
	if !pickup.Valid() {
		return nil, models.ErrInvalidLocation
	}
	return f.drivers, f.err
}

func newCoordinator(m Candidates, bus Bus) *Coordinator {
	return &Coordinator{
		Store:             store.NewMemoryStore(),
		Matcher:           m,
		Bus:               bus,
		Logger:            logging.NewLogger("error"),
		MatchRadiusMeters: 50000,
	}
}

func validRequest() RideRequest {
	return RideRequest{
		PassengerID:  "p1",
		Pickup:       models.Place{Address: "MG Road", Loc: models.Coord{Lng: 77.59, Lat: 12.97}},
		Drop:         models.Place{Address: "Airport", Loc: models.Coord{Lng: 77.64, Lat: 13.00}},
		Fare:         150,
		VehicleClass: models.VehicleCar,
	}
}

func TestRequestRideSucceedsWithZeroCandidates(t *testing.T) {
	bus := &fakeBus{}
	c := newCoordinator(&fixedMatcher{}, bus)

	ride, err := c.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusPending || ride.DriverID != "" {
		t.Fatalf("expected pending unassigned ride, got %+v", ride)
	}
	if !bus.joined(fabric.PassengerTopic("p1"), fabric.RideTopic(ride.ID)) {
		t.Fatal("passenger connections should join the ride topic at request time")
	}
}

func TestRequestRideNotifiesEachCandidate(t *testing.T) {
	bus := &fakeBus{}
	m := &fixedMatcher{drivers: []models.Driver{{ID: "d1"}, {ID: "d2"}}}
	c := newCoordinator(m, bus)

	if _, err := c.RequestRide(context.Background(), validRequest()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"d1", "d2"} {
		if n := bus.count(fabric.DriverTopic(id), EventNewRideRequest); n != 1 {
			t.Fatalf("driver %s got %d notifications", id, n)
		}
	}
}

func TestRequestRideRejectsInvalidCoordinates(t *testing.T) {
	c := newCoordinator(&fixedMatcher{}, &fakeBus{})

	req := validRequest()
	req.Pickup.Loc = models.Coord{Lng: 400, Lat: 12.97}
	if _, err := c.RequestRide(context.Background(), req); !errors.Is(err, models.ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}

	req = validRequest()
	req.Drop.Loc = models.Coord{Lng: 77.64, Lat: -91}
	if _, err := c.RequestRide(context.Background(), req); !errors.Is(err, models.ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
}

func TestRequestRideSurvivesMatcherFailure(t *testing.T) {
	c := newCoordinator(&fixedMatcher{err: errors.New("directory down")}, &fakeBus{})

	ride, err := c.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("ride creation must not fail on a candidate search error, got %v", err)
	}
	if ride.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", ride.Status)
	}
}

func TestAcceptRidePublishesThreeTopicsAndJoins(t *testing.T) {
	bus := &fakeBus{}
	c := newCoordinator(&fixedMatcher{}, bus)

	ride, err := c.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	accepted, err := c.AcceptRide(context.Background(), ride.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if accepted.Status != models.StatusAccepted || accepted.DriverID != "d1" {
		t.Fatalf("unexpected ride: %+v", accepted)
	}
	if !bus.joined(fabric.DriverTopic("d1"), fabric.RideTopic(ride.ID)) {
		t.Fatal("accept must join the driver's connections to the ride topic")
	}
	for _, topic := range []string{fabric.RideTopic(ride.ID), fabric.DriverTopic("d1"), fabric.PassengerTopic("p1")} {
		if n := bus.count(topic, EventRideAccepted); n != 1 {
			t.Fatalf("topic %s got %d ride_accepted events", topic, n)
		}
	}
}

func TestAcceptRideUnknownRide(t *testing.T) {
	c := newCoordinator(&fixedMatcher{}, &fakeBus{})
	if _, err := c.AcceptRide(context.Background(), "ghost", "d1"); !errors.Is(err, models.ErrRideNotFound) {
		t.Fatalf("expected ErrRideNotFound, got %v", err)
	}
}

func TestConcurrentAcceptOneWinner(t *testing.T) {
	bus := &fakeBus{}
	c := newCoordinator(&fixedMatcher{}, bus)

	ride, err := c.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}

	const drivers = 16
	var wg sync.WaitGroup
	wins := make(chan string, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("driver-%d", n)
			if _, err := c.AcceptRide(context.Background(), ride.ID, id); err == nil {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	final, err := c.Store.Get(context.Background(), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.DriverID != winners[0] {
		t.Fatalf("final assignment %q does not match winner %q", final.DriverID, winners[0])
	}
}

func TestUpdateStatusFansOut(t *testing.T) {
	bus := &fakeBus{}
	c := newCoordinator(&fixedMatcher{}, bus)

	ride, _ := c.RequestRide(context.Background(), validRequest())
	if _, err := c.AcceptRide(context.Background(), ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	updated, err := c.UpdateStatus(context.Background(), ride.ID, models.StatusArrived)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.StatusArrived {
		t.Fatalf("expected arrived, got %s", updated.Status)
	}
	for _, topic := range []string{fabric.RideTopic(ride.ID), fabric.PassengerTopic("p1"), fabric.DriverTopic("d1")} {
		if n := bus.count(topic, EventRideStatusUpdate); n != 1 {
			t.Fatalf("topic %s got %d status events", topic, n)
		}
	}
}

func TestUpdateStatusRejectsAcceptedAndPending(t *testing.T) {
	c := newCoordinator(&fixedMatcher{}, &fakeBus{})
	ride, _ := c.RequestRide(context.Background(), validRequest())

	for _, status := range []models.Status{models.StatusAccepted, models.StatusPending, "warp"} {
		if _, err := c.UpdateStatus(context.Background(), ride.ID, status); !errors.Is(err, models.ErrRideNotAvailable) {
			t.Fatalf("status %q should be rejected, got %v", status, err)
		}
	}
}

func TestUpdateStatusCannotSkipAcceptance(t *testing.T) {
	c := newCoordinator(&fixedMatcher{}, &fakeBus{})
	ride, _ := c.RequestRide(context.Background(), validRequest())

	// Without a driver the ride may only be cancelled; the assigned part
	// of the lifecycle is reachable solely through AcceptRide.
	for _, status := range []models.Status{models.StatusArrived, models.StatusStarted, models.StatusCompleted} {
		if _, err := c.UpdateStatus(context.Background(), ride.ID, status); !errors.Is(err, models.ErrRideNotAvailable) {
			t.Fatalf("pending -> %s should be rejected, got %v", status, err)
		}
	}
	after, err := c.Store.Get(context.Background(), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != models.StatusPending || after.DriverID != "" {
		t.Fatalf("ride must stay pending and unassigned, got %+v", after)
	}

	accepted, err := c.AcceptRide(context.Background(), ride.ID, "d1")
	if err != nil {
		t.Fatalf("ride should still be claimable: %v", err)
	}
	if accepted.DriverID != "d1" {
		t.Fatalf("unexpected ride after accept: %+v", accepted)
	}
}

func TestRejectRideLeavesStateUntouched(t *testing.T) {
	c := newCoordinator(&fixedMatcher{}, &fakeBus{})
	ride, _ := c.RequestRide(context.Background(), validRequest())

	if err := c.RejectRide(context.Background(), ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	after, err := c.Store.Get(context.Background(), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != models.StatusPending || after.DriverID != "" {
		t.Fatalf("reject must not change the ride, got %+v", after)
	}
	// The pull-based query still sees it.
	rides, err := c.NearbyRequests(context.Background(), models.Coord{Lng: 77.60, Lat: 12.98})
	if err != nil {
		t.Fatal(err)
	}
	if len(rides) != 1 {
		t.Fatalf("rejected ride should still be discoverable, got %d", len(rides))
	}
}

func TestActiveRideForBothParticipants(t *testing.T) {
	c := newCoordinator(&fixedMatcher{}, &fakeBus{})
	ride, _ := c.RequestRide(context.Background(), validRequest())
	_, _ = c.AcceptRide(context.Background(), ride.ID, "d1")

	for _, id := range []string{"p1", "d1"} {
		active, err := c.ActiveRide(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if active == nil || active.ID != ride.ID {
			t.Fatalf("expected active ride for %s", id)
		}
	}
	if active, _ := c.ActiveRide(context.Background(), "stranger"); active != nil {
		t.Fatalf("stranger should have no active ride, got %+v", active)
	}
}

// Full worked example over the real matcher, index, and directory:
// request at MG Road, one eligible driver 1.5km away, one offline.
func TestDispatchWorkedExample(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemoryDirectory()
	dir.Put(models.Driver{ID: "D1", Loc: models.Coord{Lng: 77.60, Lat: 12.98}, Online: true, Approved: true, VehicleClass: models.VehicleCar})
	dir.Put(models.Driver{ID: "D2", Loc: models.Coord{Lng: 77.60, Lat: 12.98}, Online: false, Approved: true, VehicleClass: models.VehicleCar})

	idx := geo.NewMemoryIndex()
	_ = idx.Upsert(ctx, "D1", models.Coord{Lng: 77.60, Lat: 12.98})
	_ = idx.Upsert(ctx, "D2", models.Coord{Lng: 77.60, Lat: 12.98})

	bus := &fakeBus{}
	c := &Coordinator{
		Store:             store.NewMemoryStore(),
		Matcher:           matcher.NewService(idx, dir, logging.NewLogger("error")),
		Bus:               bus,
		Logger:            logging.NewLogger("error"),
		MatchRadiusMeters: 50000,
	}

	ride, err := c.RequestRide(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusPending || ride.DriverID != "" {
		t.Fatalf("expected pending unassigned ride, got %+v", ride)
	}
	if n := bus.count(fabric.DriverTopic("D1"), EventNewRideRequest); n != 1 {
		t.Fatalf("D1 should be notified once, got %d", n)
	}
	if n := bus.count(fabric.DriverTopic("D2"), EventNewRideRequest); n != 0 {
		t.Fatalf("offline D2 must not be notified, got %d", n)
	}

	accepted, err := c.AcceptRide(ctx, ride.ID, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if accepted.Status != models.StatusAccepted || accepted.DriverID != "D1" {
		t.Fatalf("unexpected accepted ride: %+v", accepted)
	}
	for _, topic := range []string{fabric.RideTopic(ride.ID), fabric.DriverTopic("D1"), fabric.PassengerTopic("p1")} {
		if n := bus.count(topic, EventRideAccepted); n != 1 {
			t.Fatalf("topic %s got %d ride_accepted events", topic, n)
		}
	}
}
