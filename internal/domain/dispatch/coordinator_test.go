package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/fitbite/restaurant-dispatch/internal/domain/assignment"
	"github.com/fitbite/restaurant-dispatch/internal/domain/order"
	"github.com/fitbite/restaurant-dispatch/internal/domain/restaurant"
)

func newTestCoordinator(t *testing.T, store *memStore, finder restaurant.Finder) *Coordinator {
	t.Helper()
	orders := orderRepo{store}
	reaper, err := NewReaper(store, orders, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return NewCoordinator(
		finder,
		NewBroadcaster(store, orders, 5*time.Minute),
		NewResolver(store, orders),
		reaper,
		store,
		CoordinatorConfig{MaxCandidates: 3, MaxRadiusKm: decimal.NewFromInt(50)},
		tracenoop.NewTracerProvider(),
	)
}

func TestRequestAssignment_RoundTrip(t *testing.T) {
	store := newMemStore()
	store.addOrder("O1", order.StatusPending)
	c := newTestCoordinator(t, store, &staticFinder{candidates: testCandidates("R1", "R2", "R3")})

	res, err := c.RequestAssignment(context.Background(), "O1", 30.0, 31.0)
	require.NoError(t, err)

	assert.Equal(t, OutcomeBroadcast, res.Outcome)
	assert.Equal(t, 3, res.AssignmentCount)
	assert.Equal(t, []string{"Restaurant R1", "Restaurant R2", "Restaurant R3"}, res.RestaurantNames)
	assert.Equal(t, 3, res.AttemptCount)
	assert.False(t, res.ExpiresAt.IsZero())
	assert.Equal(t, order.StatusAwaitingRestaurant, store.orderStatus("O1"))
}

func TestRequestAssignment_TruncatesToMaxCandidates(t *testing.T) {
	store := newMemStore()
	store.addOrder("O1", order.StatusPending)
	c := newTestCoordinator(t, store, &staticFinder{candidates: testCandidates("R1", "R2", "R3", "R4", "R5")})

	res, err := c.RequestAssignment(context.Background(), "O1", 30.0, 31.0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.AssignmentCount)
}

func TestRequestAssignment_NoCandidates(t *testing.T) {
	store := newMemStore()
	store.addOrder("O1", order.StatusPending)
	c := newTestCoordinator(t, store, &staticFinder{})

	res, err := c.RequestAssignment(context.Background(), "O1", 30.0, 31.0)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoCandidates, res.Outcome)
	assert.Zero(t, res.AssignmentCount)
	assert.Equal(t, order.StatusNoRestaurantAccepted, store.orderStatus("O1"))
	assert.Empty(t, store.assignments)
}

func TestRequestAssignment_LookupFailureIsNotNoCandidates(t *testing.T) {
	store := newMemStore()
	store.addOrder("O1", order.StatusPending)
	c := newTestCoordinator(t, store, &staticFinder{
		err: errors.Wrap(restaurant.ErrLookupFailed, "connection refused"),
	})

	_, err := c.RequestAssignment(context.Background(), "O1", 30.0, 31.0)
	require.ErrorIs(t, err, restaurant.ErrLookupFailed)

	// The order must not be failed over on a backend error.
	assert.Equal(t, order.StatusPending, store.orderStatus("O1"))
}

func TestHandleRestaurantResponse_DelegatesToResolver(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	c := newTestCoordinator(t, store, &staticFinder{})

	res, err := c.HandleRestaurantResponse(context.Background(), "O1", "R2", "A2", ActionAccept)
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, res.OrderStatus)
	assert.Equal(t, assignment.StatusAccepted, store.assignmentStatus("A2"))
}

func TestCheckExpired_RunsOneSweep(t *testing.T) {
	store := threeOfferOrder(time.Now().Add(-time.Minute))
	c := newTestCoordinator(t, store, &staticFinder{})

	res, err := c.CheckExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.AssignmentsExpired)
	assert.Equal(t, order.StatusAssignmentExpired, store.orderStatus("O1"))
}

func TestRequestAssignment_RetryAfterFailureStartsFreshWave(t *testing.T) {
	store := newMemStore()
	store.addOrder("O1", order.StatusNoRestaurantAccepted)
	c := newTestCoordinator(t, store, &staticFinder{candidates: testCandidates("R1", "R2")})

	res, err := c.RequestAssignment(context.Background(), "O1", 30.0, 31.0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBroadcast, res.Outcome)
	assert.Equal(t, 2, res.AssignmentCount)
	assert.Equal(t, order.StatusAwaitingRestaurant, store.orderStatus("O1"))
}
