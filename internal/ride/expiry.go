package ride

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const expiryBatch = 100

// ExpirePending cancels pending rides created more than ttl ago and returns
// how many it cancelled. Rides matched meanwhile are left alone.
func (s *Service) ExpirePending(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-ttl)
	stale, err := s.store.ListRides(ctx, models.StatusPending, cutoff, expiryBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		updated, err := s.store.TransitionRide(ctx, r.ID,
			storage.Condition{From: []models.Status{models.StatusPending}},
			storage.Transition{To: models.StatusCancelled, At: s.now().UTC()})
		if errors.Is(err, storage.ErrConditionFailed) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		observability.RidesExpired.Inc()
		observability.RideTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
		s.log.Info("pending ride expired", "ride_id", updated.ID, "age", s.now().Sub(updated.CreatedAt).String())
		s.publish(ctx, models.StatusPending, updated)
		s.notifyCancelled(ctx, updated, models.Party{})
	}
	return n, nil
}

// RunExpirySweep calls ExpirePending every interval until ctx is done.
// A zero ttl disables the sweep.
func (s *Service) RunExpirySweep(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpirePending(ctx, ttl)
			if err != nil && ctx.Err() == nil {
				s.log.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("expiry sweep cancelled rides", "count", n)
			}
		}
	}
}
