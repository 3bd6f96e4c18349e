package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fitbite/restaurant-dispatch/internal/domain/restaurant"
)

// Haversine distance in a derived table so the radius filter and the
// ordering share one expression. least() guards acos against rounding
// slightly above 1 for near-identical points.
const findCandidatesSQL = `SELECT id, name, address, distance_km
	FROM (
		SELECT id, name, address,
			CAST(6371 * acos(least(1.0,
				cos(radians($1)) * cos(radians(latitude)) * cos(radians(longitude) - radians($2)) +
				sin(radians($1)) * sin(radians(latitude))
			)) AS numeric) AS distance_km
		FROM restaurants
		WHERE is_active
	) nearby
	WHERE distance_km <= $3
	ORDER BY distance_km ASC
	LIMIT $4`

var _ restaurant.Finder = (*RestaurantFinder)(nil)

// RestaurantFinder implements restaurant.Finder with an in-database
// great-circle distance query.
type RestaurantFinder struct {
	pool *pgxpool.Pool
}

// NewRestaurantFinder returns a RestaurantFinder that uses the given pool.
func NewRestaurantFinder(pool *pgxpool.Pool) *RestaurantFinder {
	return &RestaurantFinder{pool: pool}
}

// FindCandidates returns up to limit active restaurants within maxDistanceKm
// of the point, nearest first. An empty result is a normal outcome; any
// query failure wraps restaurant.ErrLookupFailed so callers can tell the two
// apart.
func (f *RestaurantFinder) FindCandidates(ctx context.Context, lat, lon float64, maxDistanceKm decimal.Decimal, limit int) ([]restaurant.Candidate, error) {
	rows, err := f.pool.Query(ctx, findCandidatesSQL, lat, lon, maxDistanceKm, limit)
	if err != nil {
		return nil, errors.Wrapf(restaurant.ErrLookupFailed, "query nearby restaurants: %s", err)
	}

	candidates, err := pgx.CollectRows(rows, scanCandidate)
	if err != nil {
		return nil, errors.Wrapf(restaurant.ErrLookupFailed, "scan nearby restaurants: %s", err)
	}
	return candidates, nil
}

func scanCandidate(row pgx.CollectableRow) (restaurant.Candidate, error) {
	var c restaurant.Candidate
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.DistanceKm)
	return c, err
}
