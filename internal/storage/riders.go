package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// RiderStore resolves rider detail for dispatch payloads.
type RiderStore interface {
	SaveRider(ctx context.Context, r models.Rider) error
	GetRider(ctx context.Context, id string) (*models.Rider, error)
}

type MemoryRiders struct {
	mu     sync.RWMutex
	riders map[string]models.Rider
}

func NewMemoryRiders() *MemoryRiders {
	return &MemoryRiders{riders: make(map[string]models.Rider)}
}

func (m *MemoryRiders) SaveRider(_ context.Context, r models.Rider) error {
	m.mu.Lock()
	m.riders[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *MemoryRiders) GetRider(_ context.Context, id string) (*models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

type PostgresRiders struct {
	db *sql.DB
}

func NewPostgresRiders(db *sql.DB) *PostgresRiders {
	return &PostgresRiders{db: db}
}

func (p *PostgresRiders) SaveRider(ctx context.Context, r models.Rider) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO riders(id, first_name, last_name, email)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name, email = EXCLUDED.email`,
		r.ID, r.FirstName, r.LastName, r.Email)
	return err
}

func (p *PostgresRiders) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	err := p.db.QueryRowContext(ctx, `SELECT id, first_name, last_name, email FROM riders WHERE id = $1`, id).
		Scan(&r.ID, &r.FirstName, &r.LastName, &r.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
