// Package assignment defines the time-boxed restaurant offer record, its
// append-only attempt history, and the persistence contract both live behind.
package assignment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound indicates the referenced assignment does not exist.
var ErrNotFound = errors.New("assignment not found")

// Status is the lifecycle state of a single assignment. Pending is initial;
// every other status is terminal and an assignment moves exactly once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Assignment is one restaurant's time-boxed offer to fulfill one order.
// A broadcast wave creates one per candidate restaurant, all sharing the
// same ExpiresAt.
type Assignment struct {
	ID           string
	OrderID      string
	RestaurantID string
	Status       Status
	ExpiresAt    time.Time
	CreatedAt    time.Time
	RespondedAt  *time.Time // set when a terminal decision is applied
}

// Expired reports whether the offer window has elapsed at the given instant.
func (a *Assignment) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// AttemptAction is the closed set of lifecycle events recorded in the
// assignment attempt history.
type AttemptAction string

const (
	ActionAssigned AttemptAction = "assigned"
	ActionAccepted AttemptAction = "accepted"
	ActionRejected AttemptAction = "rejected"
	ActionExpired  AttemptAction = "expired"
)

// Attempt is one append-only audit record. Never mutated or deleted; the
// wave number for an order is derived from its "assigned" attempts.
type Attempt struct {
	ID           int64
	OrderID      string
	RestaurantID string
	Action       AttemptAction
	Note         string
	CreatedAt    time.Time
}

// Repository defines durable assignment state.
//
// Every status update is conditional on the row still being pending and
// reports whether it applied, so concurrent resolvers and the reaper race
// safely: the loser observes applied=false and backs off. No in-process lock
// is involved; the store's conditional update is the unit of mutual
// exclusion.
type Repository interface {
	// Create persists one pending assignment.
	Create(ctx context.Context, a *Assignment) error

	// Get returns the assignment or ErrNotFound.
	Get(ctx context.Context, id string) (*Assignment, error)

	// Accept atomically marks the assignment accepted and cancels every
	// still-pending sibling of the same order. Both writes commit together:
	// a reader can never observe an accepted assignment next to a pending
	// sibling. Returns accepted=false when the assignment was no longer
	// pending (a concurrent winner, expiry, or rejection got there first).
	Accept(ctx context.Context, id, orderID string) (accepted bool, cancelled int64, err error)

	// MarkRejected / MarkExpired conditionally move a pending assignment to
	// the given terminal status, reporting whether the update applied.
	MarkRejected(ctx context.Context, id string) (bool, error)
	MarkExpired(ctx context.Context, id string) (bool, error)

	// CountPending returns the number of live offers for an order.
	CountPending(ctx context.Context, orderID string) (int, error)

	// HasAccepted reports whether any assignment for the order is accepted.
	HasAccepted(ctx context.Context, orderID string) (bool, error)

	// ListExpiredPending returns every pending assignment whose offer window
	// elapsed before now, oldest first.
	ListExpiredPending(ctx context.Context, now time.Time) ([]Assignment, error)

	// AppendAttempt appends one audit record.
	AppendAttempt(ctx context.Context, at Attempt) error

	// CountAttempts returns how many attempts of the given action exist for
	// the order (wave counting uses ActionAssigned).
	CountAttempts(ctx context.Context, orderID string, action AttemptAction) (int, error)
}
