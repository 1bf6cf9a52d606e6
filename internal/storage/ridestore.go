package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/state"
)

// ErrNotFound is returned when no ride exists for the id.
var ErrNotFound = errors.New("storage: ride not found")

// ErrStaleRide is returned by Update when the stored status no longer
// matches the transition's from-status: a concurrent path already moved the
// ride, and this write lost.
var ErrStaleRide = errors.New("storage: ride status changed concurrently")

// RideStore defines persistence for the ride aggregate. Every mutation
// carries the audit transition row that justified it; the two are written
// together.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride, tr models.Transition) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Update persists the ride only if its stored status still equals
	// tr.FromStatus, returning ErrStaleRide otherwise. Racing lifecycle
	// paths (accept vs timeout) rely on this to commit exactly one winner.
	Update(ctx context.Context, r *models.Ride, tr models.Transition) error

	// ActiveForCustomer returns the customer's newest non-terminal ride,
	// or nil.
	ActiveForCustomer(ctx context.Context, customerID string) (*models.Ride, error)
	// ListByStatus returns up to limit rides in the given status, oldest
	// first. The reconciliation sweep feeds on this.
	ListByStatus(ctx context.Context, s models.Status, limit int) ([]*models.Ride, error)

	ListForCustomer(ctx context.Context, customerID string, limit, offset int) ([]*models.Ride, error)
	ListForDriver(ctx context.Context, driverID string, limit, offset int) ([]*models.Ride, error)
	Transitions(ctx context.Context, rideID string) ([]models.Transition, error)
}

// MemoryStore keeps rides in a map. Tests and brokerless local runs only.
type MemoryStore struct {
	mu          sync.RWMutex
	rides       map[string]*models.Ride
	transitions map[string][]models.Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:       make(map[string]*models.Ride),
		transitions: make(map[string][]models.Transition),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride, tr models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	m.transitions[r.ID] = append(m.transitions[r.ID], tr)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *models.Ride, tr models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != tr.FromStatus {
		return ErrStaleRide
	}
	cp := *r
	m.rides[r.ID] = &cp
	m.transitions[r.ID] = append(m.transitions[r.ID], tr)
	return nil
}

func (m *MemoryStore) ActiveForCustomer(ctx context.Context, customerID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *models.Ride
	for _, r := range m.rides {
		if r.CustomerID != customerID || state.IsTerminal(r.Status) {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, s models.Status, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == s {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListForCustomer(ctx context.Context, customerID string, limit, offset int) ([]*models.Ride, error) {
	return m.listBy(func(r *models.Ride) bool { return r.CustomerID == customerID }, limit, offset)
}

func (m *MemoryStore) ListForDriver(ctx context.Context, driverID string, limit, offset int) ([]*models.Ride, error) {
	return m.listBy(func(r *models.Ride) bool { return r.Driver() == driverID }, limit, offset)
}

func (m *MemoryStore) listBy(match func(*models.Ride) bool, limit, offset int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Transitions(ctx context.Context, rideID string) ([]models.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trs := m.transitions[rideID]
	out := make([]models.Transition, len(trs))
	copy(out, trs)
	return out, nil
}
