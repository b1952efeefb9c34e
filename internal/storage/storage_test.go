package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func newRide(id string, created time.Time) *models.Ride {
	return &models.Ride{
		ID:           id,
		RiderID:      "r1",
		Pickup:       models.Place{Address: "A", Coord: models.Coord{Lat: 1, Lng: 2}},
		Destination:  models.Place{Address: "B", Coord: models.Coord{Lat: 3, Lng: 4}},
		VehicleClass: models.VehicleEconomy,
		Fare:         310,
		DistanceKm:   20,
		DurationMin:  20,
		OTP:          "123456",
		Status:       models.StatusPending,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// storeSuite runs the same contract against every RideStore implementation.
func storeSuite(t *testing.T, store RideStore, prefix string) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("save and get", func(t *testing.T) {
		id := prefix + "save"
		require.NoError(t, store.SaveRide(ctx, newRide(id, now)))
		got, err := store.GetRide(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "123456", got.OTP)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, "B", got.Destination.Address)
		assert.ErrorIs(t, store.SaveRide(ctx, newRide(id, now)), ErrDuplicate)
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := store.GetRide(ctx, prefix+"missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("transition applies and stamps", func(t *testing.T) {
		id := prefix + "flow"
		require.NoError(t, store.SaveRide(ctx, newRide(id, now)))
		at := now.Add(time.Minute)
		r, err := store.TransitionRide(ctx, id,
			Condition{From: []models.Status{models.StatusPending}},
			Transition{To: models.StatusAccepted, DriverID: "d1", At: at})
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, r.Status)
		assert.Equal(t, "d1", r.DriverID)
		require.NotNil(t, r.AcceptedAt)
		assert.True(t, r.AcceptedAt.Equal(at))

		_, err = store.TransitionRide(ctx, id,
			Condition{From: []models.Status{models.StatusAccepted}, DriverID: "d2"},
			Transition{To: models.StatusOngoing, At: at})
		assert.ErrorIs(t, err, ErrConditionFailed, "foreign driver")

		_, err = store.TransitionRide(ctx, id,
			Condition{From: []models.Status{models.StatusPending}},
			Transition{To: models.StatusAccepted, DriverID: "d3", At: at})
		assert.ErrorIs(t, err, ErrConditionFailed, "wrong prior status")

		_, err = store.TransitionRide(ctx, id,
			Condition{From: []models.Status{models.StatusAccepted}, RiderID: "someone-else"},
			Transition{To: models.StatusCancelled, At: at})
		assert.ErrorIs(t, err, ErrConditionFailed, "foreign rider")

		got, err := store.GetRide(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "d1", got.DriverID, "failed transitions leave the ride untouched")
		assert.Equal(t, models.StatusAccepted, got.Status)
	})

	t.Run("transition unknown", func(t *testing.T) {
		_, err := store.TransitionRide(ctx, prefix+"nope",
			Condition{From: []models.Status{models.StatusPending}},
			Transition{To: models.StatusCancelled, At: now})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent transitions have one winner", func(t *testing.T) {
		id := prefix + "race"
		require.NoError(t, store.SaveRide(ctx, newRide(id, now)))
		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.TransitionRide(ctx, id,
					Condition{From: []models.Status{models.StatusPending}},
					Transition{To: models.StatusAccepted, DriverID: fmt.Sprintf("d%d", i), At: now})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		wins := 0
		for err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrConditionFailed)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("list by status before cutoff", func(t *testing.T) {
		old := now.Add(-time.Hour)
		require.NoError(t, store.SaveRide(ctx, newRide(prefix+"old", old)))
		require.NoError(t, store.SaveRide(ctx, newRide(prefix+"fresh", now.Add(time.Hour))))
		got, err := store.ListRides(ctx, models.StatusPending, now.Add(-30*time.Minute), 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, r := range got {
			ids = append(ids, r.ID)
		}
		assert.Contains(t, ids, prefix+"old")
		assert.NotContains(t, ids, prefix+"fresh")
	})
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, NewMemoryStore(), "")
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveRide(ctx, newRide("r", time.Now())))
	got, err := s.GetRide(ctx, "r")
	require.NoError(t, err)
	got.Status = models.StatusCompleted
	again, _ := s.GetRide(ctx, "r")
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestMemoryRiders(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRiders()
	_, err := m.GetRider(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, m.SaveRider(ctx, models.Rider{ID: "x", FirstName: "Ada"}))
	r, err := m.GetRider(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "Ada", r.FirstName)
}

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set; skipping postgres store test")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, file, _, _ := runtime.Caller(0)
	require.NoError(t, Migrate(ctx, db, filepath.Join(filepath.Dir(file), "..", "..", "migrations", "001_create_rides.sql")))
	return db
}

func TestPostgresStore(t *testing.T) {
	db := setupPostgres(t)
	prefix := fmt.Sprintf("t%d-", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM rides WHERE id LIKE $1`, prefix+"%") })
	storeSuite(t, NewPostgresStore(db), prefix)
}

func TestPostgresRiders(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	id := fmt.Sprintf("rider-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM riders WHERE id = $1`, id) })

	p := NewPostgresRiders(db)
	require.NoError(t, p.SaveRider(ctx, models.Rider{ID: id, FirstName: "A", Email: "a@x"}))
	require.NoError(t, p.SaveRider(ctx, models.Rider{ID: id, FirstName: "B", Email: "b@x"}))
	r, err := p.GetRider(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "B", r.FirstName)
	_, err = p.GetRider(ctx, id+"-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
