// Package ride owns the trip lifecycle: creation with fare and start code,
// then confirm, start, end and cancel as guarded state transitions.
package ride

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/storage"
)

const DefaultOTPDigits = 6

// Notifier delivers realtime events; failures are its own concern.
type Notifier interface {
	Notify(ctx context.Context, party models.Party, event string, payload any)
}

// DriverLookup resolves the driver record attached to rider notifications.
type DriverLookup interface {
	Get(ctx context.Context, driverID string) (*models.Driver, error)
}

type EventPublisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

// TransitionPolicy selects which prior states confirm and cancel accept.
type TransitionPolicy int

const (
	// StrictTransitions: confirm only from pending, cancel only from pending
	// or accepted.
	StrictTransitions TransitionPolicy = iota
	// LenientTransitions: confirm from pending or accepted (re-assigning the
	// driver), cancel from any non-terminal state. Completed and cancelled
	// rides are final under both policies.
	LenientTransitions
)

type Option func(*Service)

func WithPolicy(p TransitionPolicy) Option { return func(s *Service) { s.policy = p } }

func WithOTPDigits(n int) Option { return func(s *Service) { s.otpDigits = n } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithDrivers(d DriverLookup) Option { return func(s *Service) { s.drivers = d } }

func WithEvents(p EventPublisher) Option { return func(s *Service) { s.events = p } }

type Service struct {
	store    storage.RideStore
	locator  maps.Locator
	notifier Notifier
	drivers  DriverLookup
	events   EventPublisher
	log      *slog.Logger

	policy    TransitionPolicy
	otpDigits int
	now       func() time.Time
	newID     func() string
	genOTP    func(digits int) (string, error)
}

func NewService(store storage.RideStore, locator maps.Locator, notifier Notifier, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		locator:   locator,
		notifier:  notifier,
		log:       log,
		otpDigits: DefaultOTPDigits,
		now:       time.Now,
		newID:     uuid.NewString,
		genOTP:    otp.Generate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateCommand struct {
	RiderID      string              `json:"rider_id"`
	Pickup       string              `json:"pickup"`
	Destination  string              `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicle_type"`
}

func (c CreateCommand) validate() error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(c.RiderID) == "" {
		missing = append(missing, "rider")
	}
	if strings.TrimSpace(c.Pickup) == "" {
		missing = append(missing, "pickup")
	}
	if strings.TrimSpace(c.Destination) == "" {
		missing = append(missing, "destination")
	}
	if strings.TrimSpace(string(c.VehicleClass)) == "" {
		missing = append(missing, "vehicle type")
	}
	if len(missing) > 0 {
		return apperr.Withf(apperr.ErrInvalidRequest, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if _, ok := fare.RateFor(c.VehicleClass); !ok {
		return apperr.Withf(apperr.ErrInvalidRequest, "unknown vehicle type %q", c.VehicleClass)
	}
	return nil
}

// Create resolves both addresses, prices the trip for the requested class and
// stores a pending ride carrying a fresh start code.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Ride, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	pickup, dest, route, err := s.resolve(ctx, cmd.Pickup, cmd.Destination)
	if err != nil {
		return nil, err
	}
	price, err := fare.Quote(cmd.VehicleClass, route.DistanceKm, route.DurationMin)
	if err != nil {
		return nil, err
	}
	code, err := s.genOTP(s.otpDigits)
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	now := s.now().UTC()
	r := &models.Ride{
		ID:           s.newID(),
		RiderID:      cmd.RiderID,
		Pickup:       pickup,
		Destination:  dest,
		VehicleClass: cmd.VehicleClass,
		Fare:         price,
		DistanceKm:   route.DistanceKm,
		DurationMin:  route.DurationMin,
		OTP:          code,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.SaveRide(ctx, r); err != nil {
		return nil, fmt.Errorf("save ride: %w", err)
	}
	observability.RidesCreated.WithLabelValues(string(r.VehicleClass)).Inc()
	s.log.Info("ride created", "ride_id", r.ID, "rider_id", r.RiderID, "vehicle_class", r.VehicleClass, "fare", r.Fare)
	s.publish(ctx, "", r)
	return r, nil
}

// FareQuote is the per-class estimate for a pickup/destination pair.
type FareQuote struct {
	Pickup      models.Place                    `json:"pickup"`
	Destination models.Place                    `json:"destination"`
	DistanceKm  float64                         `json:"distance_km"`
	DurationMin float64                         `json:"duration_min"`
	Fares       map[models.VehicleClass]float64 `json:"fares"`
}

func (s *Service) Fare(ctx context.Context, pickup, destination string) (FareQuote, error) {
	if strings.TrimSpace(pickup) == "" || strings.TrimSpace(destination) == "" {
		return FareQuote{}, apperr.Withf(apperr.ErrInvalidRequest, "pickup and destination are required")
	}
	p, d, route, err := s.resolve(ctx, pickup, destination)
	if err != nil {
		return FareQuote{}, err
	}
	return FareQuote{
		Pickup:      p,
		Destination: d,
		DistanceKm:  route.DistanceKm,
		DurationMin: route.DurationMin,
		Fares:       fare.Estimate(route.DistanceKm, route.DurationMin),
	}, nil
}

func (s *Service) resolve(ctx context.Context, pickup, destination string) (models.Place, models.Place, maps.Route, error) {
	pc, err := s.locator.Geocode(ctx, pickup)
	if err != nil {
		return models.Place{}, models.Place{}, maps.Route{}, upstream(err)
	}
	dc, err := s.locator.Geocode(ctx, destination)
	if err != nil {
		return models.Place{}, models.Place{}, maps.Route{}, upstream(err)
	}
	route, err := s.locator.Route(ctx, pc, dc)
	if err != nil {
		return models.Place{}, models.Place{}, maps.Route{}, upstream(err)
	}
	return models.Place{Address: pickup, Coord: pc}, models.Place{Address: destination, Coord: dc}, route, nil
}

// upstream keeps classified lookup errors and marks anything else retryable.
func upstream(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.ErrGeocodingUnavailable, err)
}

// Get returns the ride. Its start code never leaves the process through JSON.
func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.store.GetRide(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.ErrRideNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	return r, nil
}

// RiderView returns the ride with its start code, for the ride's own rider.
func (s *Service) RiderView(ctx context.Context, id, riderID string) (*models.RiderRide, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if riderID == "" || r.RiderID != riderID {
		return nil, apperr.ErrNotAuthorized
	}
	return &models.RiderRide{Ride: r, OTP: r.OTP}, nil
}

// Confirm assigns driverID and accepts the ride, then tells the rider who is
// coming and which code to show.
func (s *Service) Confirm(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, apperr.Withf(apperr.ErrInvalidRequest, "ride id and driver id are required")
	}
	from := []models.Status{models.StatusPending}
	if s.policy == LenientTransitions {
		from = append(from, models.StatusAccepted)
	}
	r, err := s.transition(ctx, "confirm", rideID,
		storage.Condition{From: from},
		storage.Transition{To: models.StatusAccepted, DriverID: driverID})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, models.RiderParty(r.RiderID), models.EventRideConfirmed, models.RideConfirmedPayload{
		Ride:   r,
		Driver: s.driver(ctx, driverID),
		OTP:    r.OTP,
	})
	return r, nil
}

// Start moves an accepted ride to ongoing once the assigned driver presents
// the rider's code. The code is checked before anything else.
func (s *Service) Start(ctx context.Context, rideID, code, driverID string) (*models.Ride, error) {
	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if code == "" || subtle.ConstantTimeCompare([]byte(code), []byte(cur.OTP)) != 1 {
		observability.TransitionConflicts.WithLabelValues("start").Inc()
		return nil, apperr.ErrInvalidOTP
	}
	if driverID == "" || cur.DriverID != driverID {
		return nil, apperr.ErrNotAuthorized
	}
	if cur.Status != models.StatusAccepted {
		return nil, invalidTransition("start", cur.Status)
	}
	r, err := s.transition(ctx, "start", rideID,
		storage.Condition{From: []models.Status{models.StatusAccepted}, DriverID: driverID},
		storage.Transition{To: models.StatusOngoing})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, models.RiderParty(r.RiderID), models.EventRideStarted, models.RideStartedPayload{
		RideID:      r.ID,
		Driver:      s.driver(ctx, driverID),
		Destination: r.Destination,
		Fare:        r.Fare,
	})
	return r, nil
}

// End completes an ongoing ride. Anything but an ongoing ride held by
// driverID is ErrRideNotOngoing.
func (s *Service) End(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, apperr.Withf(apperr.ErrInvalidRequest, "driver id is required")
	}
	r, err := s.transition(ctx, "end", rideID,
		storage.Condition{From: []models.Status{models.StatusOngoing}, DriverID: driverID},
		storage.Transition{To: models.StatusCompleted})
	if errors.Is(err, errConflict) {
		return nil, apperr.ErrRideNotOngoing
	}
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, models.RiderParty(r.RiderID), models.EventRideEnded, models.RideEndedPayload{Ride: r})
	return r, nil
}

// Cancel cancels the ride on behalf of by. A rider may cancel only their own
// ride and a driver only one assigned to them; the zero Party acts as the
// system. The other side of the ride is notified.
func (s *Service) Cancel(ctx context.Context, rideID string, by models.Party) (*models.Ride, error) {
	from := []models.Status{models.StatusPending, models.StatusAccepted}
	if s.policy == LenientTransitions {
		from = append(from, models.StatusOngoing)
	}
	if by.Kind != "" && by.ID == "" {
		return nil, apperr.ErrNotAuthorized
	}
	cond := storage.Condition{From: from}
	switch by.Kind {
	case models.PartyRider:
		cond.RiderID = by.ID
	case models.PartyDriver:
		cond.DriverID = by.ID
	}
	r, err := s.transition(ctx, "cancel", rideID, cond, storage.Transition{To: models.StatusCancelled})
	if err != nil {
		return nil, err
	}
	s.notifyCancelled(ctx, r, by)
	return r, nil
}

func (s *Service) notifyCancelled(ctx context.Context, r *models.Ride, by models.Party) {
	payload := models.RideCancelledPayload{RideID: r.ID, Status: r.Status}
	if by.Kind != models.PartyRider {
		s.notifier.Notify(ctx, models.RiderParty(r.RiderID), models.EventRideCancelled, payload)
	}
	if r.DriverID != "" && by.Kind != models.PartyDriver {
		s.notifier.Notify(ctx, models.DriverParty(r.DriverID), models.EventRideCancelled, payload)
	}
}

var errConflict = errors.New("ride: transition condition failed")

// transition applies a conditional update. On a lost condition it re-reads
// the ride and reports why against the state that won.
func (s *Service) transition(ctx context.Context, op, rideID string, cond storage.Condition, t storage.Transition) (*models.Ride, error) {
	t.At = s.now().UTC()
	r, err := s.store.TransitionRide(ctx, rideID, cond, t)
	switch {
	case err == nil:
		observability.RideTransitions.WithLabelValues(string(t.To)).Inc()
		s.log.Info("ride transitioned", "op", op, "ride_id", r.ID, "status", r.Status, "driver_id", r.DriverID)
		s.publish(ctx, priorStatus(cond.From), r)
		return r, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.ErrRideNotFound
	case !errors.Is(err, storage.ErrConditionFailed):
		return nil, fmt.Errorf("%s ride %s: %w", op, rideID, err)
	}

	observability.TransitionConflicts.WithLabelValues(op).Inc()
	cur, gerr := s.Get(ctx, rideID)
	if gerr != nil {
		return nil, gerr
	}
	s.log.Info("ride transition rejected", "op", op, "ride_id", rideID, "status", cur.Status)
	if op == "end" {
		return nil, errConflict
	}
	if cond.DriverID != "" && cur.DriverID != cond.DriverID {
		return nil, apperr.ErrNotAuthorized
	}
	if cond.RiderID != "" && cur.RiderID != cond.RiderID {
		return nil, apperr.ErrNotAuthorized
	}
	return nil, invalidTransition(op, cur.Status)
}

func invalidTransition(op string, status models.Status) error {
	return apperr.Withf(apperr.ErrInvalidTransition, "cannot %s a ride that is %s", op, status)
}

// priorStatus names the state a transition left when it is unambiguous.
func priorStatus(from []models.Status) models.Status {
	if len(from) == 1 {
		return from[0]
	}
	return ""
}

func (s *Service) driver(ctx context.Context, id string) *models.Driver {
	if s.drivers == nil {
		return &models.Driver{ID: id}
	}
	d, err := s.drivers.Get(ctx, id)
	if err != nil || d == nil {
		if err != nil {
			s.log.Warn("driver lookup failed", "driver_id", id, "error", err)
		}
		return &models.Driver{ID: id}
	}
	return d
}

func (s *Service) publish(ctx context.Context, from models.Status, r *models.Ride) {
	if s.events == nil {
		return
	}
	ev := models.RideEvent{
		RideID:     r.ID,
		RiderID:    r.RiderID,
		DriverID:   r.DriverID,
		From:       from,
		To:         r.Status,
		Fare:       r.Fare,
		OccurredAt: r.UpdatedAt,
	}
	if err := s.events.PublishRideEvent(ctx, ev); err != nil {
		s.log.Warn("ride event publish failed", "ride_id", r.ID, "status", r.Status, "error", err)
	}
}
