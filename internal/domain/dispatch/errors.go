package dispatch

import "github.com/go-faster/errors"

// Sentinel errors returned by the resolver and coordinator. The webhook
// boundary maps these onto HTTP-shaped responses; the core never downgrades
// one into a success.
var (
	// ErrInvalidAssignment means the response referenced a nonexistent,
	// mismatched, or already-resolved assignment.
	ErrInvalidAssignment = errors.New("invalid assignment")

	// ErrAssignmentExpired means the response arrived after the offer window
	// closed. The stale assignment is finalized to expired as a side effect.
	ErrAssignmentExpired = errors.New("assignment expired")

	// ErrAlreadyAssigned is the losing side of a concurrent accept race:
	// another restaurant's acceptance committed first.
	ErrAlreadyAssigned = errors.New("order already assigned to another restaurant")

	// ErrInconsistentState means the accept transaction committed but the
	// follow-up order update failed. Retrying could double-apply, so the
	// resolver fails loudly and leaves the repair to an operator.
	ErrInconsistentState = errors.New("inconsistent state: accepted assignment without order update")
)
