package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fitbite/restaurant-dispatch/internal/domain/assignment"
	"github.com/fitbite/restaurant-dispatch/internal/domain/order"
)

// threeOfferOrder seeds order O1 awaiting responses from A1/A2/A3.
func threeOfferOrder(expiresAt time.Time) *memStore {
	store := newMemStore()
	store.addOrder("O1", order.StatusAwaitingRestaurant)
	store.addAssignment("A1", "O1", "R1", assignment.StatusPending, expiresAt)
	store.addAssignment("A2", "O1", "R2", assignment.StatusPending, expiresAt)
	store.addAssignment("A3", "O1", "R3", assignment.StatusPending, expiresAt)
	return store
}

func futureDeadline() time.Time { return time.Now().Add(5 * time.Minute) }

func TestResolve_AcceptWinnerCancelsSiblings(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	r := NewResolver(store, orderRepo{store})

	res, err := r.Resolve(context.Background(), Response{
		AssignmentID: "A2", OrderID: "O1", RestaurantID: "R2", Action: ActionAccept,
	})
	require.NoError(t, err)

	assert.Equal(t, assignment.StatusAccepted, store.assignmentStatus("A2"))
	assert.Equal(t, assignment.StatusCancelled, store.assignmentStatus("A1"))
	assert.Equal(t, assignment.StatusCancelled, store.assignmentStatus("A3"))
	assert.Equal(t, int64(2), res.SiblingsCancelled)

	assert.Equal(t, order.StatusProcessing, store.orderStatus("O1"))
	assert.Equal(t, "R2", store.orders["O1"].RestaurantID)
	assert.Equal(t, 1, store.attemptCount(assignment.ActionAccepted))
}

func TestResolve_RejectKeepsOrderWaitingWhileOffersRemain(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	r := NewResolver(store, orderRepo{store})

	res, err := r.Resolve(context.Background(), Response{
		AssignmentID: "A1", OrderID: "O1", RestaurantID: "R1", Action: ActionReject,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemainingPending)
	assert.Equal(t, order.StatusAwaitingRestaurant, res.OrderStatus)
	assert.Equal(t, order.StatusAwaitingRestaurant, store.orderStatus("O1"))
}

func TestResolve_LastRejectFailsOrderOver(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	r := NewResolver(store, orderRepo{store})

	for _, tc := range []struct {
		assignmentID, restaurantID string
		wantRemaining              int
		wantStatus                 order.Status
	}{
		{"A1", "R1", 2, order.StatusAwaitingRestaurant},
		{"A2", "R2", 1, order.StatusAwaitingRestaurant},
		{"A3", "R3", 0, order.StatusNoRestaurantAccepted},
	} {
		res, err := r.Resolve(context.Background(), Response{
			AssignmentID: tc.assignmentID, OrderID: "O1", RestaurantID: tc.restaurantID, Action: ActionReject,
		})
		require.NoError(t, err)
		assert.Equal(t, tc.wantRemaining, res.RemainingPending)
		assert.Equal(t, tc.wantStatus, store.orderStatus("O1"))
	}

	assert.Equal(t, 3, store.attemptCount(assignment.ActionRejected))
}

func TestResolve_UnknownAssignment(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	r := NewResolver(store, orderRepo{store})

	_, err := r.Resolve(context.Background(), Response{
		AssignmentID: "missing", OrderID: "O1", RestaurantID: "R1", Action: ActionAccept,
	})
	require.ErrorIs(t, err, ErrInvalidAssignment)
}

func TestResolve_MismatchedRestaurant(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	r := NewResolver(store, orderRepo{store})

	_, err := r.Resolve(context.Background(), Response{
		AssignmentID: "A1", OrderID: "O1", RestaurantID: "R9", Action: ActionAccept,
	})
	require.ErrorIs(t, err, ErrInvalidAssignment)
}

func TestResolve_ExpiredOfferIsLazilyFinalized(t *testing.T) {
	store := threeOfferOrder(time.Now().Add(-time.Second))
	r := NewResolver(store, orderRepo{store})

	_, err := r.Resolve(context.Background(), Response{
		AssignmentID: "A1", OrderID: "O1", RestaurantID: "R1", Action: ActionAccept,
	})
	require.ErrorIs(t, err, ErrAssignmentExpired)

	assert.Equal(t, assignment.StatusExpired, store.assignmentStatus("A1"))
	assert.Equal(t, 1, store.attemptCount(assignment.ActionExpired))
	// The order itself is untouched by lazy expiry.
	assert.Equal(t, order.StatusAwaitingRestaurant, store.orderStatus("O1"))
}

func TestResolve_AcceptAfterSiblingWonIsConflict(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	r := NewResolver(store, orderRepo{store})

	_, err := r.Resolve(context.Background(), Response{
		AssignmentID: "A1", OrderID: "O1", RestaurantID: "R1", Action: ActionAccept,
	})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), Response{
		AssignmentID: "A2", OrderID: "O1", RestaurantID: "R2", Action: ActionAccept,
	})
	require.ErrorIs(t, err, ErrAlreadyAssigned)
}

func TestResolve_ConcurrentAcceptsHaveExactlyOneWinner(t *testing.T) {
	for range 20 {
		store := threeOfferOrder(futureDeadline())
		r := NewResolver(store, orderRepo{store})

		results := make([]error, 3)
		var g errgroup.Group
		for i, pair := range []struct{ aid, rid string }{
			{"A1", "R1"}, {"A2", "R2"}, {"A3", "R3"},
		} {
			g.Go(func() error {
				_, err := r.Resolve(context.Background(), Response{
					AssignmentID: pair.aid, OrderID: "O1", RestaurantID: pair.rid, Action: ActionAccept,
				})
				results[i] = err
				return nil
			})
		}
		require.NoError(t, g.Wait())

		var wins, conflicts int
		for _, err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyAssigned):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, 2, conflicts)

		// Mutual exclusion: exactly one accepted, no pending survivors.
		var accepted, pending int
		for _, id := range []string{"A1", "A2", "A3"} {
			switch store.assignmentStatus(id) {
			case assignment.StatusAccepted:
				accepted++
			case assignment.StatusPending:
				pending++
			}
		}
		assert.Equal(t, 1, accepted)
		assert.Zero(t, pending)
		assert.Equal(t, order.StatusProcessing, store.orderStatus("O1"))
	}
}

func TestResolve_ConcurrentFinalRejectsFlipOrderOnce(t *testing.T) {
	for range 20 {
		store := threeOfferOrder(futureDeadline())
		r := NewResolver(store, orderRepo{store})

		var g errgroup.Group
		for _, pair := range []struct{ aid, rid string }{
			{"A1", "R1"}, {"A2", "R2"}, {"A3", "R3"},
		} {
			g.Go(func() error {
				_, err := r.Resolve(context.Background(), Response{
					AssignmentID: pair.aid, OrderID: "O1", RestaurantID: pair.rid, Action: ActionReject,
				})
				return err
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, order.StatusNoRestaurantAccepted, store.orderStatus("O1"))

		// Exactly one fail-over event despite racing final rejections.
		var failovers int
		store.mu.Lock()
		for _, ev := range store.events {
			if ev.Status == order.StatusNoRestaurantAccepted {
				failovers++
			}
		}
		store.mu.Unlock()
		assert.Equal(t, 1, failovers)
	}
}

func TestResolve_OrderUpdateFailureAfterAcceptIsFatal(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	store.assignOrdErr = errors.New("db write failed")
	r := NewResolver(store, orderRepo{store})

	_, err := r.Resolve(context.Background(), Response{
		AssignmentID: "A1", OrderID: "O1", RestaurantID: "R1", Action: ActionAccept,
	})
	require.ErrorIs(t, err, ErrInconsistentState)

	// The assignment transaction already committed; it must not be rolled
	// back or retried.
	assert.Equal(t, assignment.StatusAccepted, store.assignmentStatus("A1"))
}

func TestResolve_RejectOnResolvedAssignmentIsInvalid(t *testing.T) {
	store := threeOfferOrder(futureDeadline())
	r := NewResolver(store, orderRepo{store})

	_, err := r.Resolve(context.Background(), Response{
		AssignmentID: "A1", OrderID: "O1", RestaurantID: "R1", Action: ActionReject,
	})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), Response{
		AssignmentID: "A1", OrderID: "O1", RestaurantID: "R1", Action: ActionReject,
	})
	require.ErrorIs(t, err, ErrInvalidAssignment)
}
