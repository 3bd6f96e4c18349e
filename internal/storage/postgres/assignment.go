package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitbite/restaurant-dispatch/internal/domain/assignment"
)

const (
	createAssignmentSQL = `INSERT INTO restaurant_assignments (id, order_id, restaurant_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5)`

	getAssignmentSQL = `SELECT id, order_id, restaurant_id, status, expires_at, created_at, responded_at
		FROM restaurant_assignments WHERE id = $1`

	// The accept race is decided by this statement: only one transaction can
	// move a given row out of pending.
	acceptAssignmentSQL = `UPDATE restaurant_assignments
		SET status = 'accepted', responded_at = now()
		WHERE id = $1 AND order_id = $2 AND status = 'pending'`

	cancelSiblingsSQL = `UPDATE restaurant_assignments
		SET status = 'cancelled', responded_at = now()
		WHERE order_id = $1 AND id <> $2 AND status = 'pending'`

	markAssignmentSQL = `UPDATE restaurant_assignments
		SET status = $2, responded_at = now()
		WHERE id = $1 AND status = 'pending'`

	countPendingSQL = `SELECT COUNT(*) FROM restaurant_assignments
		WHERE order_id = $1 AND status = 'pending'`

	hasAcceptedSQL = `SELECT EXISTS (
		SELECT 1 FROM restaurant_assignments WHERE order_id = $1 AND status = 'accepted')`

	listExpiredPendingSQL = `SELECT id, order_id, restaurant_id, status, expires_at, created_at, responded_at
		FROM restaurant_assignments
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC`

	appendAttemptSQL = `INSERT INTO restaurant_assignment_history (order_id, restaurant_id, action, notes)
		VALUES ($1, $2, $3, $4)`

	countAttemptsSQL = `SELECT COUNT(*) FROM restaurant_assignment_history
		WHERE order_id = $1 AND action = $2`
)

var _ assignment.Repository = (*AssignmentRepository)(nil)

// AssignmentRepository implements assignment.Repository backed by PostgreSQL.
type AssignmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssignmentRepository returns an AssignmentRepository that uses the
// given pool.
func NewAssignmentRepository(pool *pgxpool.Pool) *AssignmentRepository {
	return &AssignmentRepository{pool: pool}
}

// Create persists one pending assignment.
func (r *AssignmentRepository) Create(ctx context.Context, a *assignment.Assignment) error {
	_, err := r.pool.Exec(ctx, createAssignmentSQL,
		a.ID, a.OrderID, a.RestaurantID, a.Status, a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating assignment %q: %w", a.ID, err)
	}
	return nil
}

// Get returns the assignment or assignment.ErrNotFound.
func (r *AssignmentRepository) Get(ctx context.Context, id string) (*assignment.Assignment, error) {
	rows, err := r.pool.Query(ctx, getAssignmentSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting assignment %q: %w", id, err)
	}

	a, err := pgx.CollectExactlyOneRow(rows, scanAssignment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, assignment.ErrNotFound
		}
		return nil, fmt.Errorf("getting assignment %q: %w", id, err)
	}
	return &a, nil
}

// Accept flips the target to accepted and cancels every pending sibling in
// one transaction, so no reader ever sees an accepted assignment next to a
// pending one. accepted=false means the conditional update hit zero rows and
// the whole transaction was abandoned.
func (r *AssignmentRepository) Accept(ctx context.Context, id, orderID string) (bool, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("begin accept tx for assignment %q: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, acceptAssignmentSQL, id, orderID)
	if err != nil {
		return false, 0, fmt.Errorf("accepting assignment %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return false, 0, nil
	}

	cancelTag, err := tx.Exec(ctx, cancelSiblingsSQL, orderID, id)
	if err != nil {
		return false, 0, fmt.Errorf("cancelling siblings of assignment %q: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("commit accept tx for assignment %q: %w", id, err)
	}
	return true, cancelTag.RowsAffected(), nil
}

// MarkRejected conditionally moves a pending assignment to rejected.
func (r *AssignmentRepository) MarkRejected(ctx context.Context, id string) (bool, error) {
	return r.mark(ctx, id, assignment.StatusRejected)
}

// MarkExpired conditionally moves a pending assignment to expired.
func (r *AssignmentRepository) MarkExpired(ctx context.Context, id string) (bool, error) {
	return r.mark(ctx, id, assignment.StatusExpired)
}

func (r *AssignmentRepository) mark(ctx context.Context, id string, to assignment.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, markAssignmentSQL, id, to)
	if err != nil {
		return false, fmt.Errorf("marking assignment %q %s: %w", id, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountPending returns the number of live offers for an order.
func (r *AssignmentRepository) CountPending(ctx context.Context, orderID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countPendingSQL, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending assignments for order %q: %w", orderID, err)
	}
	return n, nil
}

// HasAccepted reports whether any assignment for the order is accepted.
func (r *AssignmentRepository) HasAccepted(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, hasAcceptedSQL, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking accepted assignment for order %q: %w", orderID, err)
	}
	return exists, nil
}

// ListExpiredPending returns every pending assignment whose offer window
// elapsed before now, oldest first.
func (r *AssignmentRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]assignment.Assignment, error) {
	rows, err := r.pool.Query(ctx, listExpiredPendingSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired pending assignments: %w", err)
	}

	out, err := pgx.CollectRows(rows, scanAssignment)
	if err != nil {
		return nil, fmt.Errorf("scanning expired pending assignments: %w", err)
	}
	return out, nil
}

// AppendAttempt appends one audit record.
func (r *AssignmentRepository) AppendAttempt(ctx context.Context, at assignment.Attempt) error {
	_, err := r.pool.Exec(ctx, appendAttemptSQL, at.OrderID, at.RestaurantID, at.Action, at.Note)
	if err != nil {
		return fmt.Errorf("appending attempt for order %q: %w", at.OrderID, err)
	}
	return nil
}

// CountAttempts returns the number of attempts of the given action recorded
// for the order.
func (r *AssignmentRepository) CountAttempts(ctx context.Context, orderID string, action assignment.AttemptAction) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countAttemptsSQL, orderID, action).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s attempts for order %q: %w", action, orderID, err)
	}
	return n, nil
}

func scanAssignment(row pgx.CollectableRow) (assignment.Assignment, error) {
	var a assignment.Assignment
	err := row.Scan(&a.ID, &a.OrderID, &a.RestaurantID, &a.Status, &a.ExpiresAt, &a.CreatedAt, &a.RespondedAt)
	return a, err
}
