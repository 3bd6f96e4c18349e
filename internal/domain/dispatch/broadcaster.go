package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fitbite/restaurant-dispatch/internal/domain/assignment"
	"github.com/fitbite/restaurant-dispatch/internal/domain/order"
	"github.com/fitbite/restaurant-dispatch/internal/domain/restaurant"
)

// Wave describes one completed broadcast: the assignments actually created
// and the shared deadline they carry.
type Wave struct {
	OrderID     string
	Assignments []assignment.Assignment
	Restaurants []restaurant.Candidate
	ExpiresAt   time.Time
}

// Broadcaster fans an order out to its candidate restaurants: one pending
// assignment per candidate with a shared expiry, one audit attempt per
// candidate, then the order's flip into awaiting_restaurant. The flip always
// happens after the assignment rows exist, so the order is never observably
// "awaiting" with zero offers.
type Broadcaster struct {
	assignments assignment.Repository
	orders      order.Repository
	offerWindow time.Duration
	now         func() time.Time
}

// NewBroadcaster creates a Broadcaster. offerWindow is how long each created
// assignment stays open (spec default five minutes).
func NewBroadcaster(assignments assignment.Repository, orders order.Repository, offerWindow time.Duration) *Broadcaster {
	return &Broadcaster{
		assignments: assignments,
		orders:      orders,
		offerWindow: offerWindow,
		now:         time.Now,
	}
}

// Broadcast creates the wave for one order.
//
// Candidate creation is independent per restaurant: a transient store error
// on one candidate degrades the wave instead of aborting it. Only when zero
// assignments end up created does Broadcast fall back to the no-candidates
// failure path. Exactly one order-status transition happens per call.
func (b *Broadcaster) Broadcast(ctx context.Context, orderID string, candidates []restaurant.Candidate) (*Wave, error) {
	if len(candidates) == 0 {
		return b.failNoCandidates(ctx, orderID, "no restaurants available within range")
	}

	expiresAt := b.now().Add(b.offerWindow)
	lg := zctx.From(ctx)

	var (
		mu      sync.Mutex
		created []assignment.Assignment
		offered []restaurant.Candidate
	)

	// One goroutine per candidate; errors are logged and swallowed so a
	// partial wave still goes out. The group is only used to wait.
	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range candidates {
		g.Go(func() error {
			a := &assignment.Assignment{
				ID:           uuid.New().String(),
				OrderID:      orderID,
				RestaurantID: cand.ID,
				Status:       assignment.StatusPending,
				ExpiresAt:    expiresAt,
			}
			if err := b.assignments.Create(gctx, a); err != nil {
				lg.Warn("assignment create failed, continuing wave",
					zap.String("order_id", orderID),
					zap.String("restaurant_id", cand.ID),
					zap.Error(err),
				)
				return nil
			}

			if err := b.assignments.AppendAttempt(gctx, assignment.Attempt{
				OrderID:      orderID,
				RestaurantID: cand.ID,
				Action:       assignment.ActionAssigned,
				Note:         fmt.Sprintf("offer expires at %s", expiresAt.UTC().Format(time.RFC3339)),
			}); err != nil {
				lg.Warn("assignment attempt log failed",
					zap.String("order_id", orderID),
					zap.String("restaurant_id", cand.ID),
					zap.Error(err),
				)
			}

			mu.Lock()
			created = append(created, *a)
			offered = append(offered, cand)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(created) == 0 {
		return b.failNoCandidates(ctx, orderID, "broadcast failed: no assignments could be created")
	}

	if err := b.orders.UpdateStatus(ctx, orderID, order.StatusAwaitingRestaurant); err != nil {
		return nil, errors.Wrapf(err, "transition order %q to awaiting_restaurant", orderID)
	}

	if err := b.orders.AppendEvent(ctx, order.Event{
		OrderID: orderID,
		Status:  order.StatusAwaitingRestaurant,
		Note:    fmt.Sprintf("offered to %d restaurants", len(created)),
	}); err != nil {
		lg.Warn("order history append failed", zap.String("order_id", orderID), zap.Error(err))
	}

	return &Wave{
		OrderID:     orderID,
		Assignments: created,
		Restaurants: offered,
		ExpiresAt:   expiresAt,
	}, nil
}

// failNoCandidates ends the order in its terminal failure state without
// creating any assignment rows. The returned wave is empty.
func (b *Broadcaster) failNoCandidates(ctx context.Context, orderID, note string) (*Wave, error) {
	if err := b.orders.UpdateStatus(ctx, orderID, order.StatusNoRestaurantAccepted); err != nil {
		return nil, errors.Wrapf(err, "transition order %q to no_restaurant_accepted", orderID)
	}

	if err := b.orders.AppendEvent(ctx, order.Event{
		OrderID: orderID,
		Status:  order.StatusNoRestaurantAccepted,
		Note:    note,
	}); err != nil {
		zctx.From(ctx).Warn("order history append failed", zap.String("order_id", orderID), zap.Error(err))
	}

	return &Wave{OrderID: orderID}, nil
}
