package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fitbite/restaurant-dispatch/internal/domain/assignment"
	"github.com/fitbite/restaurant-dispatch/internal/domain/order"
)

// SweepResult summarizes one reaper pass.
type SweepResult struct {
	AssignmentsExpired int
	OrdersFailed       int
	AffectedOrders     []string
}

// Reaper is the active half of expiry handling: a periodic sweep that
// finalizes pending assignments whose offer window elapsed, and fails over
// orders left with no live offers. The lazy half lives in the resolver.
//
// Every write is conditioned on the row still being pending, so a sweep
// racing a concurrent accept simply loses (zero rows affected) and can never
// expire an assignment that was just accepted.
type Reaper struct {
	assignments assignment.Repository
	orders      order.Repository
	now         func() time.Time

	expiredCounter metric.Int64Counter
}

// NewReaper creates a Reaper. meter may record sweep activity; pass a no-op
// meter when telemetry is disabled.
func NewReaper(assignments assignment.Repository, orders order.Repository, meter metric.Meter) (*Reaper, error) {
	counter, err := meter.Int64Counter("dispatch.assignments.expired",
		metric.WithDescription("Assignments moved to expired by the reaper"))
	if err != nil {
		return nil, errors.Wrap(err, "create expired counter")
	}
	return &Reaper{
		assignments:    assignments,
		orders:         orders,
		now:            time.Now,
		expiredCounter: counter,
	}, nil
}

// Run sweeps every interval until the context is cancelled. Sweep errors are
// logged and do not stop the loop.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				lg.Error("reaper sweep failed", zap.Error(err))
				continue
			}
			if res.AssignmentsExpired > 0 {
				lg.Info("reaper sweep",
					zap.Int("assignments_expired", res.AssignmentsExpired),
					zap.Int("orders_failed", res.OrdersFailed),
				)
			}
		}
	}
}

// Sweep performs one pass over all stale pending assignments.
func (r *Reaper) Sweep(ctx context.Context) (*SweepResult, error) {
	lg := zctx.From(ctx)
	now := r.now()

	stale, err := r.assignments.ListExpiredPending(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "list expired pending assignments")
	}

	res := &SweepResult{}
	affected := make(map[string]struct{})

	for _, a := range stale {
		// Skip orders that already have a winner; their leftover pending
		// rows were cancelled by the accept transaction, and any we still
		// see here are a stale read.
		accepted, err := r.assignments.HasAccepted(ctx, a.OrderID)
		if err != nil {
			lg.Warn("accepted check failed", zap.String("order_id", a.OrderID), zap.Error(err))
			continue
		}
		if accepted {
			continue
		}

		applied, err := r.assignments.MarkExpired(ctx, a.ID)
		if err != nil {
			lg.Warn("expire failed", zap.String("assignment_id", a.ID), zap.Error(err))
			continue
		}
		if !applied {
			// Lost the race to a response or a lazy expiry. No-op.
			continue
		}

		if err := r.assignments.AppendAttempt(ctx, assignment.Attempt{
			OrderID:      a.OrderID,
			RestaurantID: a.RestaurantID,
			Action:       assignment.ActionExpired,
			Note:         fmt.Sprintf("automatically expired at %s", now.UTC().Format(time.RFC3339)),
		}); err != nil {
			lg.Warn("attempt log failed after expiry",
				zap.String("assignment_id", a.ID), zap.Error(err))
		}
		if err := r.orders.AppendEvent(ctx, order.Event{
			OrderID:      a.OrderID,
			Status:       order.StatusAwaitingRestaurant,
			RestaurantID: a.RestaurantID,
			AssignmentID: a.ID,
			Note:         "assignment offer expired",
		}); err != nil {
			lg.Warn("order history append failed",
				zap.String("order_id", a.OrderID), zap.Error(err))
		}

		res.AssignmentsExpired++
		affected[a.OrderID] = struct{}{}
	}

	r.expiredCounter.Add(ctx, int64(res.AssignmentsExpired))

	// Fail over orders with nothing live left. Conditional on the order
	// still awaiting, so a concurrent final rejection flips it exactly once.
	for orderID := range affected {
		res.AffectedOrders = append(res.AffectedOrders, orderID)

		pending, err := r.assignments.CountPending(ctx, orderID)
		if err != nil {
			lg.Warn("pending count failed", zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		if pending > 0 {
			continue
		}
		accepted, err := r.assignments.HasAccepted(ctx, orderID)
		if err != nil || accepted {
			continue
		}

		flipped, err := r.orders.TransitionStatus(ctx, orderID,
			order.StatusAwaitingRestaurant, order.StatusAssignmentExpired)
		if err != nil {
			lg.Warn("order fail-over failed", zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		if !flipped {
			continue
		}

		res.OrdersFailed++
		if err := r.orders.AppendEvent(ctx, order.Event{
			OrderID: orderID,
			Status:  order.StatusAssignmentExpired,
			Note:    "all restaurant offers expired without a response",
		}); err != nil {
			lg.Warn("order history append failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	return res, nil
}
