package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitbite/restaurant-dispatch/internal/domain/order"
)

const (
	getOrderSQL = `SELECT id, latitude, longitude, status, COALESCE(restaurant_id, ''), created_at, updated_at
		FROM orders WHERE id = $1`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`

	transitionOrderStatusSQL = `UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`

	assignOrderRestaurantSQL = `UPDATE orders
		SET status = 'processing', restaurant_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'awaiting_restaurant'`

	appendOrderEventSQL = `INSERT INTO order_history (order_id, status, restaurant_id, assignment_id, note)
		VALUES ($1, $2, $3, $4, $5)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. It only
// ever touches the assignment-owned columns (status, restaurant_id); the
// placement flow owns the rest of the row.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Get returns the order or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// UpdateStatus sets the order status unconditionally.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, to order.Status) error {
	tag, err := r.pool.Exec(ctx, updateOrderStatusSQL, id, to)
	if err != nil {
		return fmt.Errorf("updating order %q status to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// TransitionStatus conditionally moves the order between statuses. Zero rows
// affected means another writer got there first; that is reported as
// applied=false, not an error.
func (r *OrderRepository) TransitionStatus(ctx context.Context, id string, from, to order.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, transitionOrderStatusSQL, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transitioning order %q from %s to %s: %w", id, from, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AssignRestaurant records the accept winner on the order, conditional on
// the order still awaiting a restaurant.
func (r *OrderRepository) AssignRestaurant(ctx context.Context, id, restaurantID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, assignOrderRestaurantSQL, id, restaurantID)
	if err != nil {
		return false, fmt.Errorf("assigning restaurant %q to order %q: %w", restaurantID, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendEvent appends one order-history entry.
func (r *OrderRepository) AppendEvent(ctx context.Context, ev order.Event) error {
	_, err := r.pool.Exec(ctx, appendOrderEventSQL,
		ev.OrderID, ev.Status, ev.RestaurantID, ev.AssignmentID, ev.Note,
	)
	if err != nil {
		return fmt.Errorf("appending history for order %q: %w", ev.OrderID, err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var o order.Order
	err := row.Scan(&o.ID, &o.Latitude, &o.Longitude, &o.Status, &o.RestaurantID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}
