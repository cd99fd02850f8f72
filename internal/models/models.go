package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type RideStatus string

const (
	StatusPending            RideStatus = "pending"
	StatusSearchingDrivers   RideStatus = "searching_drivers"
	StatusNoDriversAvailable RideStatus = "no_drivers_available"
)

// Ride is the subset of a ride row the matcher reads. Pickup is already
// parsed out of the store's point encoding.
type Ride struct {
	ID                string
	Pickup            Coord
	Status            RideStatus
	NotifiedDriverIDs []string
}

// RideUpdate is a partial write keyed by ride ID. An empty Status or a nil
// NotifiedDriverIDs leaves that column unchanged.
type RideUpdate struct {
	Status            RideStatus
	NotifiedDriverIDs []string
}

type DriverCandidate struct {
	ID        string    `json:"driver_id"`
	Loc       *Coord    `json:"location,omitempty"` // nil when the driver has no known location
	Online    bool      `json:"is_online"`
	Available bool      `json:"is_available"`
	Updated   time.Time `json:"last_updated_at"`
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

const RidesTable = "rides"

// RideRecord is the ride row carried inside a change event.
type RideRecord struct {
	ID                string     `json:"id"`
	Status            RideStatus `json:"status"`
	DriverIDsNotified []string   `json:"driver_ids_notified"`
}

// RideEvent is the database change notification that triggers matching.
type RideEvent struct {
	Type   EventType  `json:"type"`
	Table  string     `json:"table"`
	Record RideRecord `json:"record"`
}

type Trigger string

const (
	TriggerFresh   Trigger = "fresh"
	TriggerRematch Trigger = "rematch"
)

// MatchAttempt is the working state of one matching decision. It is never persisted.
type MatchAttempt struct {
	Trigger  Trigger
	Excluded []string
	Radius   int
	Notified []string
}

// MatchOutcome is the result of one decision, reported back to the caller
// and published to outcome sinks.
type MatchOutcome struct {
	RideID            string     `json:"ride_id,omitempty"`
	Trigger           Trigger    `json:"trigger,omitempty"`
	Code              int        `json:"code"`
	Message           string     `json:"message,omitempty"`
	Error             string     `json:"error,omitempty"`
	Matched           bool       `json:"matched"`
	DriversNotified   int        `json:"drivers_notified"`
	Radius            int        `json:"radius"`
	NotifiedDriverIDs []string   `json:"notified_driver_ids,omitempty"`
	RideStatus        RideStatus `json:"ride_status,omitempty"`
	DecidedAt         time.Time  `json:"decided_at"`
}

// Relevant reports whether the outcome came from an actual matching attempt
// rather than an ignored event.
func (o MatchOutcome) Relevant() bool { return o.Trigger != "" }
