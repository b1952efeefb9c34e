package models

import "time"

// Realtime event names.
const (
	EventNewRide       = "new-ride"
	EventRideConfirmed = "ride-confirmed"
	EventRideStarted   = "ride-started"
	EventRideEnded     = "ride-ended"
	EventRideCancelled = "ride-cancelled"
	EventError         = "error"

	EventJoin           = "join"
	EventUpdateLocation = "update-location"
)

// Envelope is the frame written on every realtime connection.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type NewRidePayload struct {
	Ride  *Ride  `json:"ride"`
	Rider *Rider `json:"rider"`
}

type RideConfirmedPayload struct {
	Ride   *Ride   `json:"ride"`
	Driver *Driver `json:"driver,omitempty"`
	OTP    string  `json:"otp"`
}

type RideStartedPayload struct {
	RideID      string  `json:"ride_id"`
	Driver      *Driver `json:"driver,omitempty"`
	Destination Place   `json:"destination"`
	Fare        float64 `json:"fare"`
}

type RideEndedPayload struct {
	Ride *Ride `json:"ride"`
}

type RideCancelledPayload struct {
	RideID string `json:"ride_id"`
	Status Status `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// JoinMessage binds the sending connection to a party.
type JoinMessage struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

// LocationMessage is a driver position report. Older clients send the
// latitude as "ltd".
type LocationMessage struct {
	UserID   string `json:"userId"`
	Location struct {
		Lat *float64 `json:"lat"`
		Ltd *float64 `json:"ltd"`
		Lng *float64 `json:"lng"`
	} `json:"location"`
}

// LocationEvent is a driver position published to the location stream.
type LocationEvent struct {
	DriverID   string    `json:"driver_id"`
	Position   Coord     `json:"position"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RideEvent is a lifecycle transition published to the ride event stream.
type RideEvent struct {
	RideID     string    `json:"ride_id"`
	RiderID    string    `json:"rider_id"`
	DriverID   string    `json:"driver_id,omitempty"`
	From       Status    `json:"from,omitempty"`
	To         Status    `json:"to"`
	Fare       float64   `json:"fare"`
	OccurredAt time.Time `json:"occurred_at"`
}
