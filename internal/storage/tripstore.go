package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound is the no-document sentinel.
	ErrNotFound = errors.New("storage: not found")
	// ErrConditionFailed reports that a conditional update matched no row.
	ErrConditionFailed = errors.New("storage: condition failed")
	ErrDuplicate       = errors.New("storage: duplicate id")
)

// Condition guards a status transition. From lists the statuses the ride may
// currently be in; DriverID and RiderID, when set, must match the ride.
type Condition struct {
	From     []models.Status
	DriverID string
	RiderID  string
}

func (c Condition) matches(r *models.Ride) bool {
	if c.DriverID != "" && r.DriverID != c.DriverID {
		return false
	}
	if c.RiderID != "" && r.RiderID != c.RiderID {
		return false
	}
	for _, s := range c.From {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Transition is the change applied when a Condition holds.
type Transition struct {
	To       models.Status
	DriverID string // assigned when non-empty
	At       time.Time
}

func (t Transition) apply(r *models.Ride) {
	r.Status = t.To
	if t.DriverID != "" {
		r.DriverID = t.DriverID
	}
	r.UpdatedAt = t.At
	at := t.At
	switch t.To {
	case models.StatusAccepted:
		r.AcceptedAt = &at
	case models.StatusOngoing:
		r.StartedAt = &at
	case models.StatusCompleted:
		r.CompletedAt = &at
	case models.StatusCancelled:
		r.CancelledAt = &at
	}
}

// RideStore persists rides. Every status change goes through Transition so the
// read-check-write happens atomically inside the store.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// TransitionRide applies t when cond holds and returns the updated ride,
	// ErrNotFound for an unknown id, or ErrConditionFailed.
	TransitionRide(ctx context.Context, id string, cond Condition, t Transition) (*models.Ride, error)
	// ListRides returns up to limit rides in status created before the cutoff, oldest first.
	ListRides(ctx context.Context, status models.Status, createdBefore time.Time, limit int) ([]*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, cond Condition, t Transition) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !cond.matches(r) {
		return nil, ErrConditionFailed
	}
	t.apply(r)
	return r.Clone(), nil
}

func (m *MemoryStore) ListRides(_ context.Context, status models.Status, createdBefore time.Time, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == status && r.CreatedAt.Before(createdBefore) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
