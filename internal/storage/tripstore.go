package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// RideStore is the persistence collaborator of the ride state machine.
// LoadRide returns an error wrapping models.ErrRideNotFound for unknown ids.
type RideStore interface {
	PersistRide(ctx context.Context, r *models.Ride) error
	LoadRide(ctx context.Context, id string) (*models.Ride, error)
	// ListRides returns the rides principalID takes part in, newest first.
	ListRides(ctx context.Context, principalID string) ([]*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) PersistRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) LoadRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrRideNotFound, id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRides(_ context.Context, principalID string) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.IsParty(principalID) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
