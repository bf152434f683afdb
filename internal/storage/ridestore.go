package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrVersionConflict means the expected version was stale: another
	// writer got there first. Callers reload and re-derive their action.
	ErrVersionConflict = errors.New("ride version conflict")
	ErrRideNotFound    = errors.New("ride not found")
	// ErrUnavailable marks transient persistence faults worth retrying.
	ErrUnavailable = errors.New("ride store unavailable")
)

// RideStore is the persistence boundary for rides. SaveRide with
// expectedVersion == 0 inserts a new ride at version 1; any other value
// performs a compare-and-swap that fails with ErrVersionConflict when the
// stored version differs. The version check is the only mutation gate in
// the system.
type RideStore interface {
	LoadRide(ctx context.Context, id string) (*models.Ride, error)
	SaveRide(ctx context.Context, r *models.Ride, expectedVersion int64) (*models.Ride, error)
}

// MemoryStore is the in-process RideStore used by tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) LoadRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrRideNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) SaveRide(ctx context.Context, r *models.Ride, expectedVersion int64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.rides[r.ID]
	if expectedVersion == 0 {
		if exists {
			return nil, ErrVersionConflict
		}
		cp := r.Clone()
		cp.Version = 1
		cp.UpdatedAt = time.Now()
		m.rides[r.ID] = cp
		return cp.Clone(), nil
	}
	if !exists {
		return nil, ErrRideNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	cp := r.Clone()
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now()
	m.rides[r.ID] = cp
	return cp.Clone(), nil
}
