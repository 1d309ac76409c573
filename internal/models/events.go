package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType names an inbound client message.
type MessageType string

const (
	MsgRequestRide     MessageType = "request_ride"
	MsgAcceptRide      MessageType = "accept_ride"
	MsgCancelRide      MessageType = "cancel_ride"
	MsgStartRide       MessageType = "start_ride"
	MsgCompleteRide    MessageType = "complete_ride"
	MsgUpdateLocation  MessageType = "update_location"
	MsgSubscribeRide   MessageType = "subscribe_ride"
	MsgUnsubscribeRide MessageType = "unsubscribe_ride"
)

// Mutating reports whether the message changes ride state and therefore needs a
// freshly verified credential.
func (t MessageType) Mutating() bool {
	switch t {
	case MsgRequestRide, MsgAcceptRide, MsgCancelRide, MsgStartRide, MsgCompleteRide:
		return true
	}
	return false
}

// Inbound is the envelope of every client frame.
type Inbound struct {
	Type MessageType     `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Inbound) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrBadRequest, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadRequest, m.Type, err)
	}
	return nil
}

type RequestRide struct {
	Pickup          Place   `json:"pickup"`
	Dropoff         Place   `json:"dropoff"`
	EstimatedPrice  float64 `json:"estimated_price"`
	PaymentMethodID string  `json:"payment_method_id,omitempty"`
}

// RideRef is the payload of every message that only names a ride.
type RideRef struct {
	RideID string `json:"ride_id"`
}

type CompleteRide struct {
	RideID     string   `json:"ride_id"`
	FinalPrice *float64 `json:"final_price,omitempty"`
}

type UpdateLocation struct {
	RideID string  `json:"ride_id"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

// EventType names an outbound event.
type EventType string

const (
	EventRideOffer           EventType = "ride_offer"
	EventRideStatusUpdate    EventType = "ride_status_update"
	EventRideAlreadyTaken    EventType = "ride_already_taken"
	EventLocationUpdate      EventType = "location_update"
	EventDispatchUnavailable EventType = "dispatch_unavailable"
	EventError               EventType = "error"
)

// Event is the envelope of every server frame.
type Event struct {
	Type EventType `json:"type"`
	Ref  string    `json:"ref,omitempty"`
	Data any       `json:"data,omitempty"`
}

type RideOffer struct {
	Ride           RideSummary `json:"ride"`
	ExpiresAt      time.Time   `json:"expires_at"`
	DistanceMeters float64     `json:"distance_meters"`
	ETASeconds     float64     `json:"eta_seconds"`
}

type RideStatusUpdate struct {
	RideID     string    `json:"ride_id"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	DriverID   string    `json:"driver_id,omitempty"`
	FinalPrice *float64  `json:"final_price,omitempty"`
}

type DispatchUnavailable struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RideID  string `json:"ride_id,omitempty"`
}

// StatusEvent builds the room notification for the ride's current state.
func StatusEvent(r *Ride) Event {
	return Event{Type: EventRideStatusUpdate, Data: RideStatusUpdate{
		RideID:     r.ID,
		Status:     r.Status,
		Timestamp:  r.LastTransitionAt(),
		DriverID:   r.DriverID,
		FinalPrice: r.FinalPrice,
	}}
}

func LocationEvent(s LocationSample) Event {
	return Event{Type: EventLocationUpdate, Data: s}
}

func AlreadyTakenEvent(rideID, ref string) Event {
	return Event{Type: EventRideAlreadyTaken, Ref: ref, Data: RideRef{RideID: rideID}}
}

func DispatchUnavailableEvent(rideID, reason string) Event {
	return Event{Type: EventDispatchUnavailable, Data: DispatchUnavailable{RideID: rideID, Reason: reason}}
}

// ErrorEvent converts err into a typed error envelope.
func ErrorEvent(err error, rideID, ref string) Event {
	return Event{Type: EventError, Ref: ref, Data: ErrorPayload{
		Code:    ErrorCode(err),
		Message: err.Error(),
		RideID:  rideID,
	}}
}
