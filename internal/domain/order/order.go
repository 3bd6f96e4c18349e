package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound indicates the referenced order does not exist.
var ErrNotFound = errors.New("order not found")

// Status is the assignment-subsystem view of an order's lifecycle. The
// coordinator owns transitions out of Pending and AwaitingRestaurant;
// everything past Processing belongs to downstream fulfillment.
type Status string

const (
	// StatusPending is the state an order arrives in from the placement flow.
	StatusPending Status = "pending"
	// StatusAwaitingRestaurant means a broadcast wave is live and the order
	// is waiting on restaurant responses.
	StatusAwaitingRestaurant Status = "awaiting_restaurant"
	// StatusProcessing means a restaurant accepted and fulfillment continues
	// elsewhere. Terminal for this subsystem.
	StatusProcessing Status = "processing"
	// StatusNoRestaurantAccepted means every offered restaurant rejected, or
	// no restaurant was in range. Terminal failure.
	StatusNoRestaurantAccepted Status = "no_restaurant_accepted"
	// StatusAssignmentExpired means the offer window elapsed with no
	// response. Terminal failure.
	StatusAssignmentExpired Status = "assignment_expired"
	// StatusCancelled is set by customer cancellation, outside this core.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition happens within the
// assignment subsystem.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessing, StatusNoRestaurantAccepted, StatusAssignmentExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is the coordinator's slice of an order row: identity, drop-off
// location, lifecycle status, and the restaurant that won the assignment.
// Business fields (items, pricing) belong to the placement flow and are
// never touched here.
type Order struct {
	ID           string
	Latitude     float64
	Longitude    float64
	Status       Status
	RestaurantID string // empty until a restaurant accepts
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is one append-only order-history entry. Clients render the status
// timeline from these.
type Event struct {
	ID           int64
	OrderID      string
	Status       Status
	RestaurantID string
	AssignmentID string
	Note         string
	CreatedAt    time.Time
}

// Repository defines the order-side persistence the coordinator needs.
// All status updates are conditional on the current status so that racing
// writers resolve to exactly one winner (rows-affected discipline).
type Repository interface {
	// Get returns the order or ErrNotFound.
	Get(ctx context.Context, id string) (*Order, error)

	// UpdateStatus sets the order status unconditionally. Used by the
	// broadcaster, whose caller owns retry policy.
	UpdateStatus(ctx context.Context, id string, to Status) error

	// TransitionStatus moves the order from one status to another. It returns
	// false with a nil error when the order was not in the expected status,
	// which callers treat as a lost (already applied) race.
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// AssignRestaurant marks the order processing and records the winning
	// restaurant in a single conditional update from awaiting_restaurant.
	AssignRestaurant(ctx context.Context, id, restaurantID string) (bool, error)

	// AppendEvent appends one history entry. Append-only.
	AppendEvent(ctx context.Context, ev Event) error
}
