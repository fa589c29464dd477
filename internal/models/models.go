package models

import "time"

type Coord struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Valid reports whether the coordinate is a usable (longitude, latitude)
// pair. NaN and out-of-range values are rejected before anything is
// persisted or indexed.
func (c Coord) Valid() bool {
	if c.Lng != c.Lng || c.Lat != c.Lat { // NaN
		return false
	}
	return c.Lng >= -180 && c.Lng <= 180 && c.Lat >= -90 && c.Lat <= 90
}

// Place is a named point, e.g. a pickup or drop-off.
type Place struct {
	Address string `json:"address"`
	Loc     Coord  `json:"location"`
}

// Status is the ride lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusArrived   Status = "arrived"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// statusRank orders the forward progression of a ride. Cancelled sits
// outside the progression and is handled separately.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusAccepted:  1,
	StatusArrived:   2,
	StatusStarted:   3,
	StatusCompleted: 4,
}

// Known reports whether s is a defined lifecycle status.
func (s Status) Known() bool {
	if s == StatusCancelled {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a ride in this status still occupies its
// participants (used by active-ride lookups).
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusArrived, StatusStarted:
		return true
	}
	return false
}

// CanTransition reports whether a ride may move from s to next. Cancel is
// allowed from any non-terminal state. A pending ride can only leave
// through acceptance, which assigns the driver; everything past accepted
// assumes one is assigned. After that only strictly forward moves are
// permitted.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	if s == StatusPending {
		return next == StatusAccepted
	}
	from, ok1 := statusRank[s]
	to, ok2 := statusRank[next]
	return ok1 && ok2 && to > from
}

// Vehicle classes carried over from the product catalogue.
const (
	VehicleBike    = "bike"
	VehicleCar     = "car"
	VehicleComfort = "comfort"
	VehicleLuxury  = "luxury"
	VehicleEconomy = "economy"
)

var vehicleClasses = map[string]bool{
	VehicleBike:    true,
	VehicleCar:     true,
	VehicleComfort: true,
	VehicleLuxury:  true,
	VehicleEconomy: true,
}

// NormalizeVehicleClass maps empty or unknown classes to the default.
func NormalizeVehicleClass(class string) string {
	if vehicleClasses[class] {
		return class
	}
	return VehicleCar
}

// Ride is a single passenger transport transaction. DriverID is empty
// exactly while the ride is pending; once accepted it never changes.
type Ride struct {
	ID           string     `json:"id"`
	PassengerID  string     `json:"passenger_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	Pickup       Place      `json:"pickup"`
	Drop         Place      `json:"drop"`
	Fare         float64    `json:"fare"`
	Distance     float64    `json:"distance"`
	Duration     float64    `json:"duration"`
	VehicleClass string     `json:"vehicle_class"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Driver is the directory's view of a driver: identity, last pushed
// location, and the flags that gate matching eligibility.
type Driver struct {
	ID           string    `json:"id"`
	Loc          Coord     `json:"location"`
	Online       bool      `json:"online"`
	Approved     bool      `json:"approved"`
	VehicleClass string    `json:"vehicle_class"`
	Updated      time.Time `json:"updated"`
}

// Eligible reports whether the driver may be matched for the given class.
// Proximity is a separate filter applied by the matcher.
func (d Driver) Eligible(vehicleClass string) bool {
	return d.Online && d.Approved && d.VehicleClass == vehicleClass
}

// LocationPush is a driver location sample flowing through the ingest
// pipeline. RideID is set when the driver is on an active ride so the
// update can be broadcast to the ride topic as well.
type LocationPush struct {
	DriverID string  `json:"driver_id"`
	RideID   string  `json:"ride_id,omitempty"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// DriverStats is the aggregate a driver sees on their dashboard.
type DriverStats struct {
	TotalTrips    int     `json:"total_trips"`
	TotalEarnings float64 `json:"total_earnings"`
}
