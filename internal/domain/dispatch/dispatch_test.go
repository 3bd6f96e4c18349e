package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fitbite/restaurant-dispatch/internal/domain/assignment"
	"github.com/fitbite/restaurant-dispatch/internal/domain/order"
	"github.com/fitbite/restaurant-dispatch/internal/domain/restaurant"
)

// memStore is an in-memory double for both repositories. All mutations run
// under one mutex, which models the store's conditional updates: a write
// either applies against current state or reports that it did not.
type memStore struct {
	mu          sync.Mutex
	orders      map[string]*order.Order
	assignments map[string]*assignment.Assignment
	attempts    []assignment.Attempt
	events      []order.Event

	// Failure injection.
	createErr    func(restaurantID string) error
	assignOrdErr error
	markErr      error
	countErr     error
	appendAttErr error
}

func newMemStore() *memStore {
	return &memStore{
		orders:      make(map[string]*order.Order),
		assignments: make(map[string]*assignment.Assignment),
	}
}

// --- assignment.Repository ---

func (s *memStore) Create(_ context.Context, a *assignment.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		if err := s.createErr(a.RestaurantID); err != nil {
			return err
		}
	}
	cp := *a
	cp.CreatedAt = time.Now()
	s.assignments[a.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*assignment.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, assignment.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) Accept(_ context.Context, id, orderID string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok || a.OrderID != orderID || a.Status != assignment.StatusPending {
		return false, 0, nil
	}
	now := time.Now()
	a.Status = assignment.StatusAccepted
	a.RespondedAt = &now
	var cancelled int64
	for _, sib := range s.assignments {
		if sib.OrderID == orderID && sib.ID != id && sib.Status == assignment.StatusPending {
			sib.Status = assignment.StatusCancelled
			cancelled++
		}
	}
	return true, cancelled, nil
}

func (s *memStore) markStatus(id string, to assignment.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	a, ok := s.assignments[id]
	if !ok || a.Status != assignment.StatusPending {
		return false, nil
	}
	now := time.Now()
	a.Status = to
	a.RespondedAt = &now
	return true, nil
}

func (s *memStore) MarkRejected(_ context.Context, id string) (bool, error) {
	return s.markStatus(id, assignment.StatusRejected)
}

func (s *memStore) MarkExpired(_ context.Context, id string) (bool, error) {
	return s.markStatus(id, assignment.StatusExpired)
}

func (s *memStore) CountPending(_ context.Context, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	n := 0
	for _, a := range s.assignments {
		if a.OrderID == orderID && a.Status == assignment.StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *memStore) HasAccepted(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.OrderID == orderID && a.Status == assignment.StatusAccepted {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListExpiredPending(_ context.Context, now time.Time) ([]assignment.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []assignment.Assignment
	for _, a := range s.assignments {
		if a.Status == assignment.StatusPending && !now.Before(a.ExpiresAt) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memStore) AppendAttempt(_ context.Context, at assignment.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendAttErr != nil {
		return s.appendAttErr
	}
	at.ID = int64(len(s.attempts) + 1)
	at.CreatedAt = time.Now()
	s.attempts = append(s.attempts, at)
	return nil
}

func (s *memStore) CountAttempts(_ context.Context, orderID string, action assignment.AttemptAction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, at := range s.attempts {
		if at.OrderID == orderID && at.Action == action {
			n++
		}
	}
	return n, nil
}

// --- order.Repository ---

func (s *memStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, to order.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = to
	return nil
}

func (s *memStore) TransitionStatus(_ context.Context, id string, from, to order.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (s *memStore) AssignRestaurant(_ context.Context, id, restaurantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignOrdErr != nil {
		return false, s.assignOrdErr
	}
	o, ok := s.orders[id]
	if !ok || o.Status != order.StatusAwaitingRestaurant {
		return false, nil
	}
	o.Status = order.StatusProcessing
	o.RestaurantID = restaurantID
	return true, nil
}

func (s *memStore) AppendEvent(_ context.Context, ev order.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.events) + 1)
	ev.CreatedAt = time.Now()
	s.events = append(s.events, ev)
	return nil
}

// orderRepo adapts memStore to order.Repository (Get name clashes with the
// assignment side).
type orderRepo struct{ *memStore }

func (r orderRepo) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.GetOrder(ctx, id)
}

// --- helpers ---

func (s *memStore) addOrder(id string, status order.Status) {
	s.orders[id] = &order.Order{ID: id, Status: status, Latitude: 30.0, Longitude: 31.0}
}

func (s *memStore) addAssignment(id, orderID, restaurantID string, status assignment.Status, expiresAt time.Time) {
	s.assignments[id] = &assignment.Assignment{
		ID:           id,
		OrderID:      orderID,
		RestaurantID: restaurantID,
		Status:       status,
		ExpiresAt:    expiresAt,
	}
}

func (s *memStore) orderStatus(id string) order.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

func (s *memStore) assignmentStatus(id string) assignment.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignments[id].Status
}

func (s *memStore) attemptCount(action assignment.AttemptAction) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, at := range s.attempts {
		if at.Action == action {
			n++
		}
	}
	return n
}

// staticFinder returns a fixed candidate list or error.
type staticFinder struct {
	candidates []restaurant.Candidate
	err        error
}

func (f *staticFinder) FindCandidates(_ context.Context, _, _ float64, _ decimal.Decimal, limit int) ([]restaurant.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func testCandidates(ids ...string) []restaurant.Candidate {
	out := make([]restaurant.Candidate, len(ids))
	for i, id := range ids {
		out[i] = restaurant.Candidate{
			ID:         id,
			Name:       "Restaurant " + id,
			Address:    "1 Test Street",
			DistanceKm: decimal.NewFromFloat(float64(i) + 0.5),
		}
	}
	return out
}
