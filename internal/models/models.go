package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a point plus the human readable address the client picked.
type Place struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lon: p.Lon} }

type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

// NearbyDriver is one result of a geo lookup.
type NearbyDriver struct {
	ID             string  `json:"id"`
	Loc            Coord   `json:"loc"`
	DistanceMeters float64 `json:"distance_meters"`
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePassenger, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Principal is an authenticated actor. It never changes once resolved from a token.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no transition may leave the status.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active reports whether the two parties are travelling or about to.
func (s Status) Active() bool { return s == StatusAccepted || s == StatusInProgress }

type Ride struct {
	ID              string     `json:"id"`
	PassengerID     string     `json:"passenger_id"`
	DriverID        string     `json:"driver_id,omitempty"`
	Status          Status     `json:"status"`
	Pickup          Place      `json:"pickup"`
	Dropoff         Place      `json:"dropoff"`
	EstimatedPrice  float64    `json:"estimated_price"`
	FinalPrice      *float64   `json:"final_price,omitempty"`
	PaymentMethodID string     `json:"payment_method_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy     string     `json:"cancelled_by,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.FinalPrice = clonePtr(r.FinalPrice)
	c.AcceptedAt = clonePtr(r.AcceptedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IsParty reports whether id is the passenger or the bound driver.
func (r *Ride) IsParty(id string) bool {
	return id != "" && (id == r.PassengerID || id == r.DriverID)
}

// Counterparty returns the other party of the ride, or "" when there is none yet.
func (r *Ride) Counterparty(id string) string {
	switch id {
	case r.PassengerID:
		return r.DriverID
	case r.DriverID:
		return r.PassengerID
	}
	return ""
}

// LastTransitionAt is the latest timestamp recorded on the ride.
func (r *Ride) LastTransitionAt() time.Time {
	last := r.CreatedAt
	for _, t := range []*time.Time{r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt} {
		if t != nil && t.After(last) {
			last = *t
		}
	}
	return last
}

// CheckInvariants validates the driver binding and timestamp ordering rules.
func (r *Ride) CheckInvariants() error {
	switch r.Status {
	case StatusPending:
		if r.DriverID != "" || r.AcceptedAt != nil {
			return fmt.Errorf("ride %s: pending ride has driver %q", r.ID, r.DriverID)
		}
	case StatusAccepted, StatusInProgress, StatusCompleted:
		if r.DriverID == "" || r.AcceptedAt == nil {
			return fmt.Errorf("ride %s: %s ride has no driver", r.ID, r.Status)
		}
	case StatusCancelled:
		if (r.DriverID != "") != (r.AcceptedAt != nil) {
			return fmt.Errorf("ride %s: cancelled ride driver binding mismatch", r.ID)
		}
		if r.CancelledAt == nil {
			return fmt.Errorf("ride %s: cancelled without cancelled_at", r.ID)
		}
	default:
		return fmt.Errorf("ride %s: unknown status %q", r.ID, r.Status)
	}
	if r.Status == StatusInProgress && r.StartedAt == nil {
		return fmt.Errorf("ride %s: in progress without started_at", r.ID)
	}
	if r.Status == StatusCompleted && (r.StartedAt == nil || r.CompletedAt == nil || r.FinalPrice == nil) {
		return fmt.Errorf("ride %s: completed ride missing start, completion or final price", r.ID)
	}
	prev := r.CreatedAt
	for _, t := range []*time.Time{r.AcceptedAt, r.StartedAt, r.CompletedAt} {
		if t == nil {
			continue
		}
		if t.Before(prev) {
			return fmt.Errorf("ride %s: timestamps out of order", r.ID)
		}
		prev = *t
	}
	if r.CancelledAt != nil && r.CancelledAt.Before(prev) {
		return fmt.Errorf("ride %s: cancelled_at precedes earlier transition", r.ID)
	}
	return nil
}

// RideSummary is the part of a ride shown to candidate drivers.
type RideSummary struct {
	ID             string  `json:"id"`
	PassengerID    string  `json:"passenger_id"`
	Pickup         Place   `json:"pickup"`
	Dropoff        Place   `json:"dropoff"`
	EstimatedPrice float64 `json:"estimated_price"`
}

func (r *Ride) Summary() RideSummary {
	return RideSummary{
		ID:             r.ID,
		PassengerID:    r.PassengerID,
		Pickup:         r.Pickup,
		Dropoff:        r.Dropoff,
		EstimatedPrice: r.EstimatedPrice,
	}
}

// DispatchOffer is the live proposal of a pending ride to a set of drivers.
type DispatchOffer struct {
	RideID             string    `json:"ride_id"`
	CandidateDriverIDs []string  `json:"candidate_driver_ids"`
	OfferedAt          time.Time `json:"offered_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	Attempt            int       `json:"attempt"`
	RadiusMeters       float64   `json:"radius_meters"`
}

type LocationSample struct {
	RideID      string    `json:"ride_id"`
	PrincipalID string    `json:"principal_id"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	CapturedAt  time.Time `json:"captured_at"`
}
