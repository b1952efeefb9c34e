// Package matcher creates a ride and offers it to every nearby driver who is
// connected right now.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultRadiusKm = 5.0

	WarnNoDrivers      = "no nearby drivers"
	WarnDirectoryError = "driver search unavailable"
	WarnRiderLookup    = "rider profile unavailable"
)

type Rides interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (*models.Ride, error)
}

// Dispatcher is the realtime side of a driver offer.
type Dispatcher interface {
	IsLive(handle string) bool
	NotifyHandle(ctx context.Context, handle, event string, payload any)
}

type Service struct {
	Rides     Rides
	Directory geo.Directory
	Riders    storage.RiderStore // optional
	Dispatch  Dispatcher
	RadiusKm  float64
	Log       *slog.Logger
}

// Result is the created ride plus what happened when it was offered.
type Result struct {
	Ride       *models.Ride `json:"ride"`
	Candidates int          `json:"candidates"`
	Notified   int          `json:"notified"`
	Warning    string       `json:"warning,omitempty"`
}

// RequestRide creates the ride and sends new-ride to each live driver within
// RadiusKm of the pickup. Only creation errors fail the call; the ride stays
// pending whatever the dispatch outcome.
func (s *Service) RequestRide(ctx context.Context, cmd ride.CreateCommand) (Result, error) {
	r, err := s.Rides.Create(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	log := s.logger().With("ride_id", r.ID)
	res := Result{Ride: r}

	radius := s.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}
	drivers, err := s.Directory.FindAvailable(ctx, r.Pickup.Coord, radius)
	if err != nil {
		log.Warn("driver search failed", "error", err)
		res.Warning = WarnDirectoryError
		return res, nil
	}
	res.Candidates = len(drivers)
	observability.DispatchCandidates.Observe(float64(len(drivers)))
	if len(drivers) == 0 {
		log.Info("no nearby drivers", "radius_km", radius)
		res.Warning = WarnNoDrivers
		return res, nil
	}

	rd, ok := s.rider(ctx, log, r.RiderID)
	if !ok {
		res.Warning = WarnRiderLookup
	}
	payload := models.NewRidePayload{Ride: r, Rider: rd}
	for _, d := range drivers {
		if d.Handle == "" || !s.Dispatch.IsLive(d.Handle) {
			log.Debug("skipping driver without live connection", "driver_id", d.ID)
			continue
		}
		s.Dispatch.NotifyHandle(ctx, d.Handle, models.EventNewRide, payload)
		res.Notified++
	}
	observability.DispatchNotified.Add(float64(res.Notified))
	log.Info("ride offered", "candidates", res.Candidates, "notified", res.Notified)
	return res, nil
}

// rider falls back to a bare id when the profile cannot be loaded. A rider
// without a stored profile is not a failure.
func (s *Service) rider(ctx context.Context, log *slog.Logger, id string) (*models.Rider, bool) {
	if s.Riders == nil {
		return &models.Rider{ID: id}, true
	}
	rd, err := s.Riders.GetRider(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.Rider{ID: id}, true
	}
	if err != nil {
		log.Warn("rider lookup failed", "rider_id", id, "error", err)
		return &models.Rider{ID: id}, false
	}
	return rd, true
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return logging.Discard()
	}
	return s.Log
}
