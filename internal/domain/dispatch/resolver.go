package dispatch

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/fitbite/restaurant-dispatch/internal/domain/assignment"
	"github.com/fitbite/restaurant-dispatch/internal/domain/order"
)

// Action is a restaurant's decision on an assignment offer.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// Response is one accept/reject delivered by the webhook ingress.
type Response struct {
	AssignmentID string
	OrderID      string
	RestaurantID string
	Action       Action
}

// Resolution is the outcome of a successfully processed response.
type Resolution struct {
	Action            Action
	OrderID           string
	RestaurantID      string
	AssignmentID      string
	OrderStatus       order.Status
	SiblingsCancelled int64
	// RemainingPending is meaningful for rejections: how many offers the
	// order is still waiting on. Zero means the order just failed over.
	RemainingPending int
}

// Resolver applies a single restaurant response to current state.
//
// All correctness under concurrency comes from the repository's conditional
// updates: the resolver never assumes it is the only writer, it just checks
// whether its write applied and classifies the loss if not.
type Resolver struct {
	assignments assignment.Repository
	orders      order.Repository
	now         func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(assignments assignment.Repository, orders order.Repository) *Resolver {
	return &Resolver{
		assignments: assignments,
		orders:      orders,
		now:         time.Now,
	}
}

// Resolve validates the response and applies the accept or reject transition.
func (r *Resolver) Resolve(ctx context.Context, resp Response) (*Resolution, error) {
	a, err := r.assignments.Get(ctx, resp.AssignmentID)
	if err != nil {
		if errors.Is(err, assignment.ErrNotFound) {
			return nil, ErrInvalidAssignment
		}
		return nil, errors.Wrapf(err, "load assignment %q", resp.AssignmentID)
	}

	if a.OrderID != resp.OrderID || a.RestaurantID != resp.RestaurantID {
		return nil, ErrInvalidAssignment
	}
	if a.Status != assignment.StatusPending {
		return nil, r.classifyNonPending(ctx, a)
	}
	if a.Expired(r.now()) {
		return nil, r.lazyExpire(ctx, a)
	}

	switch resp.Action {
	case ActionAccept:
		return r.accept(ctx, a)
	case ActionReject:
		return r.reject(ctx, a)
	default:
		return nil, errors.Errorf("unknown action %q", resp.Action)
	}
}

// accept is the winner-takes-all path: one transaction flips the target to
// accepted and cancels every pending sibling, then the order is pointed at
// the winning restaurant.
func (r *Resolver) accept(ctx context.Context, a *assignment.Assignment) (*Resolution, error) {
	won, cancelled, err := r.assignments.Accept(ctx, a.ID, a.OrderID)
	if err != nil {
		return nil, errors.Wrapf(err, "accept assignment %q", a.ID)
	}
	if !won {
		// Our conditional update hit zero rows: someone else resolved this
		// assignment between our read and our write.
		fresh, gerr := r.assignments.Get(ctx, a.ID)
		if gerr != nil {
			return nil, ErrInvalidAssignment
		}
		return nil, r.classifyNonPending(ctx, fresh)
	}

	if err := r.assignments.AppendAttempt(ctx, assignment.Attempt{
		OrderID:      a.OrderID,
		RestaurantID: a.RestaurantID,
		Action:       assignment.ActionAccepted,
	}); err != nil {
		zctx.From(ctx).Warn("attempt log failed after accept",
			zap.String("assignment_id", a.ID), zap.Error(err))
	}

	// The assignment transaction is already committed. If the order write
	// fails now we must not retry (a second apply could clobber state), so
	// this is escalated as fatal.
	applied, err := r.orders.AssignRestaurant(ctx, a.OrderID, a.RestaurantID)
	if err != nil {
		return nil, errors.Wrapf(ErrInconsistentState,
			"order %s: accepted assignment %s but order update failed: %s", a.OrderID, a.ID, err)
	}
	if !applied {
		return nil, errors.Wrapf(ErrInconsistentState,
			"order %s: accepted assignment %s but order was not awaiting_restaurant", a.OrderID, a.ID)
	}

	if err := r.orders.AppendEvent(ctx, order.Event{
		OrderID:      a.OrderID,
		Status:       order.StatusProcessing,
		RestaurantID: a.RestaurantID,
		AssignmentID: a.ID,
		Note:         "restaurant accepted the order",
	}); err != nil {
		zctx.From(ctx).Warn("order history append failed",
			zap.String("order_id", a.OrderID), zap.Error(err))
	}

	return &Resolution{
		Action:            ActionAccept,
		OrderID:           a.OrderID,
		RestaurantID:      a.RestaurantID,
		AssignmentID:      a.ID,
		OrderStatus:       order.StatusProcessing,
		SiblingsCancelled: cancelled,
	}, nil
}

// reject marks the offer rejected and, when it was the last live offer,
// fails the order over. The order transition is conditional on it still
// being awaiting_restaurant, so two racing final rejections flip it exactly
// once.
func (r *Resolver) reject(ctx context.Context, a *assignment.Assignment) (*Resolution, error) {
	applied, err := r.assignments.MarkRejected(ctx, a.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "reject assignment %q", a.ID)
	}
	if !applied {
		fresh, gerr := r.assignments.Get(ctx, a.ID)
		if gerr != nil {
			return nil, ErrInvalidAssignment
		}
		return nil, r.classifyNonPending(ctx, fresh)
	}

	if err := r.assignments.AppendAttempt(ctx, assignment.Attempt{
		OrderID:      a.OrderID,
		RestaurantID: a.RestaurantID,
		Action:       assignment.ActionRejected,
	}); err != nil {
		zctx.From(ctx).Warn("attempt log failed after reject",
			zap.String("assignment_id", a.ID), zap.Error(err))
	}
	if err := r.orders.AppendEvent(ctx, order.Event{
		OrderID:      a.OrderID,
		Status:       order.StatusAwaitingRestaurant,
		RestaurantID: a.RestaurantID,
		AssignmentID: a.ID,
		Note:         "restaurant rejected the order",
	}); err != nil {
		zctx.From(ctx).Warn("order history append failed",
			zap.String("order_id", a.OrderID), zap.Error(err))
	}

	remaining, err := r.assignments.CountPending(ctx, a.OrderID)
	if err != nil {
		return nil, errors.Wrapf(err, "count pending for order %q", a.OrderID)
	}

	status := order.StatusAwaitingRestaurant
	if remaining == 0 {
		flipped, err := r.orders.TransitionStatus(ctx, a.OrderID,
			order.StatusAwaitingRestaurant, order.StatusNoRestaurantAccepted)
		if err != nil {
			return nil, errors.Wrapf(err, "fail over order %q", a.OrderID)
		}
		status = order.StatusNoRestaurantAccepted
		if flipped {
			if err := r.orders.AppendEvent(ctx, order.Event{
				OrderID: a.OrderID,
				Status:  order.StatusNoRestaurantAccepted,
				Note:    "all offered restaurants rejected the order",
			}); err != nil {
				zctx.From(ctx).Warn("order history append failed",
					zap.String("order_id", a.OrderID), zap.Error(err))
			}
		}
	}

	return &Resolution{
		Action:           ActionReject,
		OrderID:          a.OrderID,
		RestaurantID:     a.RestaurantID,
		AssignmentID:     a.ID,
		OrderStatus:      status,
		RemainingPending: remaining,
	}, nil
}

// lazyExpire finalizes a stale pending assignment in the response path,
// complementary to the reaper's sweep. Losing the conditional update to the
// reaper is a benign no-op.
func (r *Resolver) lazyExpire(ctx context.Context, a *assignment.Assignment) error {
	applied, err := r.assignments.MarkExpired(ctx, a.ID)
	if err != nil {
		zctx.From(ctx).Warn("lazy expiry failed",
			zap.String("assignment_id", a.ID), zap.Error(err))
		return ErrAssignmentExpired
	}
	if applied {
		if err := r.assignments.AppendAttempt(ctx, assignment.Attempt{
			OrderID:      a.OrderID,
			RestaurantID: a.RestaurantID,
			Action:       assignment.ActionExpired,
			Note:         "response received after offer window closed",
		}); err != nil {
			zctx.From(ctx).Warn("attempt log failed after lazy expiry",
				zap.String("assignment_id", a.ID), zap.Error(err))
		}
	}
	return ErrAssignmentExpired
}

// classifyNonPending maps an already-resolved assignment to the right
// client-facing error: a cancelled offer or an order with an accepted
// sibling is the losing side of the accept race.
func (r *Resolver) classifyNonPending(ctx context.Context, a *assignment.Assignment) error {
	switch a.Status {
	case assignment.StatusCancelled:
		return ErrAlreadyAssigned
	case assignment.StatusExpired:
		return ErrAssignmentExpired
	case assignment.StatusAccepted, assignment.StatusRejected:
		// Accepted by this same restaurant earlier, or sibling won while this
		// one got resolved another way. Check the order for a winner.
		accepted, err := r.assignments.HasAccepted(ctx, a.OrderID)
		if err == nil && accepted && a.Status != assignment.StatusAccepted {
			return ErrAlreadyAssigned
		}
		return ErrInvalidAssignment
	default:
		return ErrInvalidAssignment
	}
}
