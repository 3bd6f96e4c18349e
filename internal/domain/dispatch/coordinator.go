// Package dispatch implements the order-to-restaurant assignment core: the
// broadcaster that fans offers out, the resolver that applies restaurant
// responses, the reaper that sweeps stale offers, and the coordinator facade
// tying them together.
package dispatch

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fitbite/restaurant-dispatch/internal/domain/assignment"
	"github.com/fitbite/restaurant-dispatch/internal/domain/restaurant"
)

// Outcome classifies the result of a RequestAssignment call.
type Outcome string

const (
	// OutcomeBroadcast means at least one offer went out.
	OutcomeBroadcast Outcome = "broadcast"
	// OutcomeNoCandidates means nothing was in range (or no assignment could
	// be created) and the order was moved to its terminal failure state.
	// This is a normal result, not an error.
	OutcomeNoCandidates Outcome = "no_candidates"
)

// AssignmentResult describes one RequestAssignment call to the webhook
// caller: how many offers went out, to whom, and until when.
type AssignmentResult struct {
	Outcome         Outcome
	OrderID         string
	AssignmentCount int
	RestaurantNames []string
	ExpiresAt       time.Time
	// AttemptCount is the total number of "assigned" audit records for the
	// order, including the wave just broadcast.
	AttemptCount int
}

// CoordinatorConfig holds the tunables the coordinator is constructed with.
// Nothing here is read from ambient process state.
type CoordinatorConfig struct {
	MaxCandidates int
	MaxRadiusKm   decimal.Decimal
}

// Coordinator is the facade the webhook ingress talks to. It owns no logic
// of its own beyond candidate lookup; state transitions live in the
// broadcaster, resolver, and reaper.
type Coordinator struct {
	finder      restaurant.Finder
	broadcaster *Broadcaster
	resolver    *Resolver
	reaper      *Reaper
	assignments assignment.Repository
	cfg         CoordinatorConfig
	tracer      trace.Tracer
}

// NewCoordinator wires the facade.
func NewCoordinator(
	finder restaurant.Finder,
	broadcaster *Broadcaster,
	resolver *Resolver,
	reaper *Reaper,
	assignments assignment.Repository,
	cfg CoordinatorConfig,
	tp trace.TracerProvider,
) *Coordinator {
	return &Coordinator{
		finder:      finder,
		broadcaster: broadcaster,
		resolver:    resolver,
		reaper:      reaper,
		assignments: assignments,
		cfg:         cfg,
		tracer:      tp.Tracer("dispatch"),
	}
}

// RequestAssignment looks up candidates near the order's location and
// broadcasts a wave to them. A lookup backend failure is returned as an
// error wrapping restaurant.ErrLookupFailed; zero candidates is a normal
// OutcomeNoCandidates result.
func (c *Coordinator) RequestAssignment(ctx context.Context, orderID string, lat, lon float64) (*AssignmentResult, error) {
	ctx, span := c.tracer.Start(ctx, "RequestAssignment",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	candidates, err := c.finder.FindCandidates(ctx, lat, lon, c.cfg.MaxRadiusKm, c.cfg.MaxCandidates)
	if err != nil {
		return nil, errors.Wrapf(err, "find candidates for order %q", orderID)
	}

	wave, err := c.broadcaster.Broadcast(ctx, orderID, candidates)
	if err != nil {
		return nil, err
	}

	attempts, err := c.assignments.CountAttempts(ctx, orderID, assignment.ActionAssigned)
	if err != nil {
		attempts = len(wave.Assignments)
	}

	if len(wave.Assignments) == 0 {
		return &AssignmentResult{
			Outcome:      OutcomeNoCandidates,
			OrderID:      orderID,
			AttemptCount: attempts,
		}, nil
	}

	names := make([]string, len(wave.Restaurants))
	for i, cand := range wave.Restaurants {
		names[i] = cand.Name
	}

	span.SetAttributes(attribute.Int("dispatch.assignment_count", len(wave.Assignments)))

	return &AssignmentResult{
		Outcome:         OutcomeBroadcast,
		OrderID:         orderID,
		AssignmentCount: len(wave.Assignments),
		RestaurantNames: names,
		ExpiresAt:       wave.ExpiresAt,
		AttemptCount:    attempts,
	}, nil
}

// HandleRestaurantResponse applies one accept/reject from a restaurant.
// Errors come straight from the resolver's taxonomy; the webhook layer turns
// them into the external acknowledgment.
func (c *Coordinator) HandleRestaurantResponse(ctx context.Context, orderID, restaurantID, assignmentID string, action Action) (*Resolution, error) {
	ctx, span := c.tracer.Start(ctx, "HandleRestaurantResponse",
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("restaurant.id", restaurantID),
			attribute.String("dispatch.action", string(action)),
		))
	defer span.End()

	return c.resolver.Resolve(ctx, Response{
		AssignmentID: assignmentID,
		OrderID:      orderID,
		RestaurantID: restaurantID,
		Action:       action,
	})
}

// CheckExpired runs one reaper sweep on demand.
func (c *Coordinator) CheckExpired(ctx context.Context) (*SweepResult, error) {
	ctx, span := c.tracer.Start(ctx, "CheckExpired")
	defer span.End()

	return c.reaper.Sweep(ctx)
}
