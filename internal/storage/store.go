package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrRideNotFound = errors.New("ride not found")

// RideStore reads and writes the ride columns the matcher owns.
type RideStore interface {
	// GetRide returns the ride with its pickup parsed. A missing or
	// malformed pickup yields an error wrapping geo.ErrInvalidLocation.
	GetRide(ctx context.Context, id string) (models.Ride, error)
	NotifiedDrivers(ctx context.Context, id string) ([]string, error)
	// UpdateRide applies u in a single atomic write.
	UpdateRide(ctx context.Context, id string, u models.RideUpdate) error
}

// DriverPool lists drivers that are online, available and located, most
// recently updated first, skipping any ID in exclude.
type DriverPool interface {
	AvailableDrivers(ctx context.Context, exclude []string) ([]models.DriverCandidate, error)
}

type memRide struct {
	pickupWKT string
	status    models.RideStatus
	notified  []string
	writes    int
}

// MemoryStore keeps rides and driver positions in process. Pickups are held
// in their WKT form so reads go through the same parser as PostGIS rows.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*memRide
	drivers map[string]models.DriverCandidate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*memRide), drivers: make(map[string]models.DriverCandidate)}
}

func (m *MemoryStore) PutRide(id, pickupWKT string, status models.RideStatus, notified []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[id] = &memRide{pickupWKT: pickupWKT, status: status, notified: slices.Clone(notified)}
}

func (m *MemoryStore) PutDriver(d models.DriverCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	r, ok := m.rides[id]
	m.mu.RUnlock()
	if !ok {
		return models.Ride{}, fmt.Errorf("%w: %s", ErrRideNotFound, id)
	}
	pickup, err := geo.ParsePoint(r.pickupWKT)
	if err != nil {
		return models.Ride{}, err
	}
	return models.Ride{ID: id, Pickup: pickup, Status: r.status, NotifiedDriverIDs: slices.Clone(r.notified)}, nil
}

func (m *MemoryStore) NotifiedDrivers(_ context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRideNotFound, id)
	}
	return slices.Clone(r.notified), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, id string, u models.RideUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRideNotFound, id)
	}
	if u.Status != "" {
		r.status = u.Status
	}
	if u.NotifiedDriverIDs != nil {
		r.notified = slices.Clone(u.NotifiedDriverIDs)
	}
	r.writes++
	return nil
}

func (m *MemoryStore) AvailableDrivers(_ context.Context, exclude []string) ([]models.DriverCandidate, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	m.mu.RLock()
	out := make([]models.DriverCandidate, 0, len(m.drivers))
	for _, d := range m.drivers {
		if !d.Online || !d.Available || d.Loc == nil {
			continue
		}
		if _, ok := skip[d.ID]; ok {
			continue
		}
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Updated.Equal(out[j].Updated) {
			return out[i].ID < out[j].ID
		}
		return out[i].Updated.After(out[j].Updated)
	})
	return out, nil
}

// Ride returns the stored status, notified list and number of writes for id.
func (m *MemoryStore) Ride(id string) (models.RideStatus, []string, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return "", nil, 0, false
	}
	return r.status, slices.Clone(r.notified), r.writes, true
}
