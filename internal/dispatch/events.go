package dispatch

import "time"

// Event types pushed to clients.
const (
	EventConnected            = "connected"
	EventPong                 = "pong"
	EventError                = "error"
	EventRideRequested        = "ride_requested"
	EventRideAccepted         = "ride_accepted"
	EventRideStarted          = "ride_started"
	EventRideCompleted        = "ride_completed"
	EventRideCancelled        = "ride_cancelled"
	EventDriverLocationUpdate = "driver_location_update"
	EventJoinedRide           = "joined_ride"
	EventLeftRide             = "left_ride"
	EventJoinedChat           = "joined_chat"
	EventLeftChat             = "left_chat"
	EventTyping               = "typing"
	EventDriverStatus         = "driver_status"
	EventAreaSubscribed       = "area_subscribed"
	EventAreaAlert            = "area_alert"
	EventSystemNotice         = "system_notice"
)

// Event is the JSON envelope written to every connection.
type Event struct {
	Type      string            `json:"type"`
	Data      any               `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// WithMeta returns a copy of e carrying the extra metadata key.
func (e Event) WithMeta(key, value string) Event {
	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}

func errorEvent(code, message string) Event {
	return NewEvent(EventError, map[string]string{"code": code, "message": message})
}
