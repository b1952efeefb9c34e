package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Directory holds each driver's last known position, availability and
// connection handle, and answers radius queries for dispatch.
type Directory interface {
	// FindAvailable returns available, active drivers within radiusKm of
	// center, closest first. No match is an empty slice, not an error.
	FindAvailable(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error)
	UpdatePosition(ctx context.Context, driverID string, c models.Coord) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	SetOperationalStatus(ctx context.Context, driverID string, status models.DriverStatus) error
	SetConnectionHandle(ctx context.Context, driverID, handle string) error
	ClearConnectionHandle(ctx context.Context, driverID string) error
	GoOnline(ctx context.Context, driverID, handle string) error
	GoOffline(ctx context.Context, driverID string) error
	// Get returns nil and no error for an unknown driver.
	Get(ctx context.Context, driverID string) (*models.Driver, error)
}

// ValidateCoord rejects non-finite or out of range coordinates.
func ValidateCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return apperr.ErrInvalidCoordinate
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return apperr.ErrInvalidCoordinate
	}
	return nil
}

// Index is an in-process Directory. Radius queries scan every driver, which
// is fine for tests and single-node deployments.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	located map[string]struct{}
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{
		drivers: make(map[string]models.Driver),
		located: make(map[string]struct{}),
		now:     time.Now,
	}
}

// Upsert replaces the whole record; used to seed the index.
func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.UpdatedAt = g.now()
	g.drivers[d.ID] = d
	g.located[d.ID] = struct{}{}
}

func (g *Index) FindAvailable(_ context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error) {
	if err := ValidateCoord(center); err != nil {
		return nil, err
	}
	limit := AngularRadius(radiusKm)
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d     models.Driver
		angle float64
	}
	arr := make([]pair, 0)
	for id, d := range g.drivers {
		if _, ok := g.located[id]; !ok {
			continue
		}
		if !d.Available || d.Status != models.DriverActive {
			continue
		}
		angle := CentralAngle(center, d.Position)
		if angle > limit {
			continue
		}
		arr = append(arr, pair{d, angle})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].angle < arr[j].angle })
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

func (g *Index) UpdatePosition(_ context.Context, driverID string, c models.Coord) error {
	if err := ValidateCoord(c); err != nil {
		return err
	}
	g.mutate(driverID, func(d *models.Driver) {
		d.Position = c
		g.located[driverID] = struct{}{}
	})
	return nil
}

func (g *Index) SetAvailability(_ context.Context, driverID string, available bool) error {
	g.mutate(driverID, func(d *models.Driver) { d.Available = available })
	return nil
}

func (g *Index) SetOperationalStatus(_ context.Context, driverID string, status models.DriverStatus) error {
	g.mutate(driverID, func(d *models.Driver) { d.Status = status })
	return nil
}

func (g *Index) SetConnectionHandle(_ context.Context, driverID, handle string) error {
	g.mutate(driverID, func(d *models.Driver) { d.Handle = handle })
	return nil
}

func (g *Index) ClearConnectionHandle(_ context.Context, driverID string) error {
	g.mutate(driverID, func(d *models.Driver) { d.Handle = "" })
	return nil
}

func (g *Index) GoOnline(_ context.Context, driverID, handle string) error {
	g.mutate(driverID, func(d *models.Driver) {
		d.Handle = handle
		d.Status = models.DriverActive
		d.Available = true
	})
	return nil
}

func (g *Index) GoOffline(_ context.Context, driverID string) error {
	g.mutate(driverID, func(d *models.Driver) {
		d.Handle = ""
		d.Status = models.DriverInactive
		d.Available = false
	})
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (*models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// mutate applies fn to the driver's record under the write lock, creating an
// inactive record for an unknown driver.
func (g *Index) mutate(driverID string, fn func(*models.Driver)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		d = models.Driver{ID: driverID, Status: models.DriverInactive}
	}
	fn(&d)
	d.UpdatedAt = g.now()
	g.drivers[driverID] = d
}
