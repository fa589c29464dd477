package models

import "errors"

// Domain errors surfaced by the dispatch engine. The HTTP boundary maps
// these to status codes; everything else is treated as an internal fault.
var (
	// ErrInvalidLocation rejects malformed or missing coordinates before
	// anything is persisted.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrRideNotFound is returned for an unknown ride id.
	ErrRideNotFound = errors.New("ride not found")

	// ErrRideNotAvailable is returned when an accept targets a ride that
	// is no longer pending, or a status update targets a terminal ride.
	ErrRideNotAvailable = errors.New("ride not available")

	// ErrRideAlreadyClaimed is returned to the losers of an accept race.
	ErrRideAlreadyClaimed = errors.New("ride already claimed by another driver")
)
