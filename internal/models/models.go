package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is an address as the rider typed it plus the coordinate it resolved to.
type Place struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type VehicleClass string

const (
	VehicleMoto     VehicleClass = "moto"
	VehicleEconomy  VehicleClass = "economy"
	VehicleStandard VehicleClass = "standard"
	VehiclePremium  VehicleClass = "premium"
)

type DriverStatus string

const (
	DriverActive   DriverStatus = "active"
	DriverInactive DriverStatus = "inactive"
)

// Ride is one trip request from creation to a terminal state. Fare and OTP are
// written once at creation; OTP is never serialized with the ride.
type Ride struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"rider_id"`
	DriverID     string       `json:"driver_id,omitempty"`
	Pickup       Place        `json:"pickup"`
	Destination  Place        `json:"destination"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Fare         float64      `json:"fare"`
	DistanceKm   float64      `json:"distance_km"`
	DurationMin  float64      `json:"duration_min"`
	OTP          string       `json:"-"`
	Status       Status       `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	AcceptedAt   *time.Time   `json:"accepted_at,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	CancelledAt  *time.Time   `json:"cancelled_at,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RiderRide is the rider-scoped view of a ride; it is the only shape that
// carries the start code.
type RiderRide struct {
	*Ride
	OTP string `json:"otp"`
}

type Driver struct {
	ID        string       `json:"id"`
	Position  Coord        `json:"position"`
	Available bool         `json:"available"`
	Status    DriverStatus `json:"status"`
	Handle    string       `json:"-"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Rider struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

type PartyKind string

const (
	PartyRider  PartyKind = "rider"
	PartyDriver PartyKind = "driver"
)

// Party identifies one side of a ride on the realtime channel.
type Party struct {
	ID   string    `json:"id"`
	Kind PartyKind `json:"kind"`
}

// ParsePartyKind accepts the canonical names and the legacy "user"/"captain"
// aliases still sent by older clients.
func ParsePartyKind(v string) (PartyKind, bool) {
	switch v {
	case "rider", "user":
		return PartyRider, true
	case "driver", "captain":
		return PartyDriver, true
	}
	return "", false
}

func (p Party) Key() string { return string(p.Kind) + ":" + p.ID }

func RiderParty(id string) Party  { return Party{ID: id, Kind: PartyRider} }
func DriverParty(id string) Party { return Party{ID: id, Kind: PartyDriver} }
