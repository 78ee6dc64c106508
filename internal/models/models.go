package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripRequested TripStatus = "requested"
	TripAccepted  TripStatus = "accepted"
	TripStarted   TripStatus = "started"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// Active reports whether driver location reports should be relayed to the trip room.
func (s TripStatus) Active() bool {
	return s == TripAccepted || s == TripStarted
}

// Driver is the directory view of a driver used by matching and the lifecycle.
type Driver struct {
	ID             string  `json:"id"`
	Online         bool    `json:"online"`
	Available      bool    `json:"available"`
	Verified       bool    `json:"verified"`
	VehicleClass   string  `json:"vehicle_class"`
	AvgRating      float64 `json:"avg_rating"` // 0..5
	TotalTrips     int     `json:"total_trips"`
	CompletedTrips int     `json:"completed_trips"`
	CurrentTripID  string  `json:"current_trip_id,omitempty"`
}

// Eligible reports whether the driver may take a new trip.
func (d Driver) Eligible() bool {
	return d.Online && d.Available && d.Verified && d.CurrentTripID == ""
}

// LocationReport is a single driver position report, as produced by the
// HTTP ingest endpoint and consumed from Kafka.
type LocationReport struct {
	DriverID string    `json:"id"`
	Loc      Coord     `json:"loc"`
	Heading  float64   `json:"heading,omitempty"`
	Speed    float64   `json:"speed,omitempty"`
	Reported time.Time `json:"reported"`
}

// Trip holds the subset of trip fields the dispatch core reads and writes.
type Trip struct {
	ID               string     `json:"id"`
	RequesterID      string     `json:"requester_id"`
	AssignedDriverID string     `json:"assigned_driver_id,omitempty"`
	Pickup           Coord      `json:"pickup"`
	VehicleClass     string     `json:"vehicle_class"`
	Status           TripStatus `json:"status"`
	CancelledBy      string     `json:"cancelled_by,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Participant reports whether identity is the requester or the assigned driver.
func (t Trip) Participant(identity string) bool {
	return identity != "" && (identity == t.RequesterID || identity == t.AssignedDriverID)
}

// MatchCandidate is derived per match request and never persisted.
type MatchCandidate struct {
	DriverID         string  `json:"driver_id"`
	DistanceKm       float64 `json:"distance_km"`
	RatingScore      float64 `json:"rating_score"`
	ReliabilityScore float64 `json:"reliability_score"`
	Score            float64 `json:"score"`
	ETASeconds       float64 `json:"eta_seconds"`
}

// ConnectionStats is the monitoring snapshot of the realtime layer.
type ConnectionStats struct {
	TotalConnections       int `json:"total_connections"`
	OnlineDrivers          int `json:"online_drivers"`
	ActiveTrips            int `json:"active_trips"`
	TrackedPresenceEntries int `json:"tracked_presence_entries"`
}
