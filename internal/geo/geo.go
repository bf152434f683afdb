package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the driver location index contract the dispatch engine depends
// on. Upsert is an idempotent last-write-wins overwrite keyed by driver ID;
// Nearby returns only drivers whose latest presence is available and fresh,
// ordered by ascending great-circle distance.
type Index interface {
	Upsert(ctx context.Context, p models.DriverPresence) error
	Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]models.Candidate, error)
}

// MemoryIndex is a concurrent in-memory implementation used for tests and
// single-node runs. Presence entries older than TTL are treated as offline.
type MemoryIndex struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	drivers map[string]models.DriverPresence
}

func NewMemoryIndex(ttl time.Duration) *MemoryIndex {
	return &MemoryIndex{
		ttl:     ttl,
		now:     time.Now,
		drivers: make(map[string]models.DriverPresence),
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, p models.DriverPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = m.now()
	}
	// last write wins by timestamp; an out-of-order ping never rolls
	// a fresher record back
	if prev, ok := m.drivers[p.DriverID]; ok && prev.Updated.After(p.Updated) {
		return nil
	}
	m.drivers[p.DriverID] = p
	return nil
}

func (m *MemoryIndex) Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]models.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]models.Candidate, 0, limit)
	for _, p := range m.drivers {
		if p.Status != models.DriverAvailable {
			continue
		}
		if m.ttl > 0 && now.Sub(p.Updated) > m.ttl {
			continue
		}
		dist := Haversine(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		out = append(out, models.Candidate{DriverID: p.DriverID, Loc: p.Loc, DistanceMeters: dist, VehicleType: p.VehicleType})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters between two geographic points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
