// Binary seed-db loads the restaurant catalog into PostgreSQL and optionally
// creates a demo order, so a fresh environment can exercise the dispatch flow
// end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitbite/restaurant-dispatch/internal/storage/postgres"
)

type restaurantJSON struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	IsActive  bool    `json:"is_active"`
}

const upsertRestaurantSQL = `
INSERT INTO restaurants (id, name, address, latitude, longitude, is_active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    name      = EXCLUDED.name,
    address   = EXCLUDED.address,
    latitude  = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    is_active = EXCLUDED.is_active`

const insertDemoOrderSQL = `
INSERT INTO orders (id, latitude, longitude, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (id) DO NOTHING`

func main() {
	var (
		databaseURL     string
		restaurantsFile string
		demoOrderID     string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&restaurantsFile, "restaurants-file", "db/seed/restaurants.json", "path to restaurants JSON file")
	flag.StringVar(&demoOrderID, "demo-order-id", "", "also create one pending demo order with this ID")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, restaurantsFile, demoOrderID); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, restaurantsFile, demoOrderID string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedRestaurants(ctx, pool, restaurantsFile); err != nil {
		return errors.Wrap(err, "seed restaurants")
	}

	if demoOrderID != "" {
		if err := seedDemoOrder(ctx, pool, demoOrderID); err != nil {
			return errors.Wrap(err, "seed demo order")
		}
	}

	return nil
}

func seedRestaurants(ctx context.Context, pool *pgxpool.Pool, restaurantsFile string) error {
	slog.Info("reading restaurants file", slog.String("path", restaurantsFile))

	data, err := os.ReadFile(restaurantsFile)
	if err != nil {
		return errors.Wrap(err, "read restaurants file")
	}

	var restaurants []restaurantJSON
	if err := json.Unmarshal(data, &restaurants); err != nil {
		return errors.Wrap(err, "parse restaurants JSON")
	}

	slog.Info("upserting restaurants", slog.Int("count", len(restaurants)))

	for _, r := range restaurants {
		if _, err := pool.Exec(ctx, upsertRestaurantSQL,
			r.ID, r.Name, r.Address, r.Latitude, r.Longitude, r.IsActive,
		); err != nil {
			return errors.Wrapf(err, "upsert restaurant %s", r.ID)
		}

		slog.Info("upserted restaurant", slog.String("id", r.ID), slog.String("name", r.Name))
	}

	return nil
}

func seedDemoOrder(ctx context.Context, pool *pgxpool.Pool, id string) error {
	// Downtown San Francisco, within range of the seeded restaurants.
	if _, err := pool.Exec(ctx, insertDemoOrderSQL, id, 37.7790, -122.4140); err != nil {
		return errors.Wrapf(err, "insert demo order %s", id)
	}

	slog.Info("created demo order", slog.String("id", id))
	return nil
}
