package models

import (
	"math"
	"testing"
)

func TestCoordValid(t *testing.T) {
	cases := []struct {
		name string
		c    Coord
		want bool
	}{
		{"bengaluru", Coord{Lng: 77.59, Lat: 12.97}, true},
		{"origin", Coord{}, true},
		{"lng too big", Coord{Lng: 181, Lat: 0}, false},
		{"lat too big", Coord{Lng: 0, Lat: 91}, false},
		{"lat too small", Coord{Lng: 0, Lat: -91}, false},
		{"nan", Coord{Lng: math.NaN(), Lat: 0}, false},
	}
	for _, tc := range cases {
		if got := tc.c.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeVehicleClass(t *testing.T) {
	if got := NormalizeVehicleClass(""); got != VehicleCar {
		t.Fatalf("empty class should default to car, got %q", got)
	}
	if got := NormalizeVehicleClass("hovercraft"); got != VehicleCar {
		t.Fatalf("unknown class should default to car, got %q", got)
	}
	if got := NormalizeVehicleClass(VehicleLuxury); got != VehicleLuxury {
		t.Fatalf("known class should pass through, got %q", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	if !StatusPending.CanTransition(StatusAccepted) {
		t.Fatal("pending -> accepted must be allowed")
	}
	if !StatusAccepted.CanTransition(StatusArrived) || !StatusArrived.CanTransition(StatusStarted) {
		t.Fatal("forward progression must be allowed")
	}
	if StatusStarted.CanTransition(StatusArrived) {
		t.Fatal("backward transition must be rejected")
	}
	// Pending leaves only through acceptance or cancellation; it must
	// not jump into the driver-assigned part of the lifecycle.
	for _, next := range []Status{StatusArrived, StatusStarted, StatusCompleted} {
		if StatusPending.CanTransition(next) {
			t.Fatalf("pending -> %s must be rejected", next)
		}
	}
	for _, s := range []Status{StatusPending, StatusAccepted, StatusArrived, StatusStarted} {
		if !s.CanTransition(StatusCancelled) {
			t.Fatalf("cancel from %s must be allowed", s)
		}
	}
	for _, terminal := range []Status{StatusCompleted, StatusCancelled} {
		for _, next := range []Status{StatusPending, StatusAccepted, StatusStarted, StatusCancelled} {
			if terminal.CanTransition(next) {
				t.Fatalf("%s -> %s must be rejected", terminal, next)
			}
		}
	}
}
