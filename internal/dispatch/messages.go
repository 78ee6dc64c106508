package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageKind enumerates the client message types the hub understands.
type MessageKind int

const (
	KindPing MessageKind = iota
	KindJoinRide
	KindLeaveRide
	KindJoinChat
	KindLeaveChat
	KindTyping
	KindDriverLocation
	KindPassengerLocation
	KindSubscribeArea
	KindDriverOnline
	KindDriverOffline
	numKinds
)

var kindNames = [numKinds]string{
	KindPing:              "ping",
	KindJoinRide:          "join_ride",
	KindLeaveRide:         "leave_ride",
	KindJoinChat:          "join_chat",
	KindLeaveChat:         "leave_chat",
	KindTyping:            "typing",
	KindDriverLocation:    "driver_location_update",
	KindPassengerLocation: "passenger_location_update",
	KindSubscribeArea:     "subscribe_geohash",
	KindDriverOnline:      "driver_online",
	KindDriverOffline:     "driver_offline",
}

var kindByName = func() map[string]MessageKind {
	m := make(map[string]MessageKind, numKinds)
	for k, name := range kindNames {
		m[name] = MessageKind(k)
	}
	return m
}()

func (k MessageKind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
	return kindNames[k]
}

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrForbidden      = errors.New("forbidden")
	ErrNotDriver      = errors.New("identity is not a registered driver")
)

// inbound is the client frame. Payload fields are read from data when
// present, otherwise from the top level of the frame.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func parseMessage(raw []byte) (MessageKind, json.RawMessage, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if in.Type == "" {
		return 0, nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	kind, ok := kindByName[in.Type]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %q", ErrUnknownMessage, in.Type)
	}
	data := in.Data
	if len(data) == 0 || string(data) == "null" {
		data = raw
	}
	return kind, data, nil
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type tripRefPayload struct {
	TripID string `json:"trip_id"`
	RideID string `json:"ride_id"`
}

func (p tripRefPayload) id() string {
	if p.TripID != "" {
		return p.TripID
	}
	return p.RideID
}

type chatPayload struct {
	RoomID string `json:"room_id" validate:"required,max=128"`
}

type typingPayload struct {
	RoomID   string `json:"room_id" validate:"required,max=128"`
	IsTyping bool   `json:"is_typing"`
}

type locationPayload struct {
	Lat       *float64 `json:"lat" validate:"required,latitude"`
	Lon       *float64 `json:"lon" validate:"required,longitude"`
	Latitude  *float64 `json:"latitude" validate:"-"`
	Longitude *float64 `json:"longitude" validate:"-"`
	Heading   float64  `json:"heading" validate:"gte=0,lte=360"`
	Speed     float64  `json:"speed" validate:"gte=0"`
}

// normalize accepts latitude/longitude as aliases for lat/lon.
func (p *locationPayload) normalize() {
	if p.Lat == nil {
		p.Lat = p.Latitude
	}
	if p.Lon == nil {
		p.Lon = p.Longitude
	}
}
