// Binary restaurant-ingest loads restaurant listings from gzip-compressed
// partner feed exports into PostgreSQL. Feeds overlap heavily (aggregators
// resell each other's catalogs), so a bloom filter deduplicates listing IDs
// across feeds: the first feed to mention a restaurant wins.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/fitbite/restaurant-dispatch/internal/storage/postgres"
)

const (
	bloomCapacity = 50_000_000
	bloomFPR      = 0.001
	progressEvery = 1_000_000
)

// listing is one line of a partner feed export.
type listing struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	IsActive  bool    `json:"is_active"`
}

func (l *listing) valid() bool {
	if l.ID == "" || l.Name == "" {
		return false
	}
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

const upsertListingSQL = `
INSERT INTO restaurants (id, name, address, latitude, longitude, is_active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    name      = EXCLUDED.name,
    address   = EXCLUDED.address,
    latitude  = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    is_active = EXCLUDED.is_active`

func main() {
	var (
		dataDir     string
		databaseURL string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.jsonl.gz feed exports")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
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

	if err := run(ctx, dataDir, databaseURL); err != nil {
		slog.Error("restaurant ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("restaurant ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.jsonl.gz"))
	if err != nil {
		return errors.Wrap(err, "glob feed files")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.jsonl.gz feed files in %s", dataDir)
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("ingesting feeds", slog.Int("files", len(files)))

	// Readers stream and parse feeds concurrently; a single writer owns the
	// bloom filter and the database, so dedup needs no locking.
	listings := make(chan listing, 1024)

	g, ctx := errgroup.WithContext(ctx)
	readers, readerCtx := errgroup.WithContext(ctx)

	for _, f := range files {
		readers.Go(readFeed(readerCtx, f, listings))
	}
	g.Go(func() error {
		defer close(listings)
		return readers.Wait()
	})
	g.Go(writeListings(ctx, pool, listings))

	return g.Wait()
}

// readFeed streams one gzip feed and sends valid listings downstream.
func readFeed(ctx context.Context, path string, out chan<- listing) func() error {
	return func() error {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "open %s", path)
		}
		defer func() { _ = f.Close() }()

		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()

		var total, skipped uint64
		scanner := bufio.NewScanner(gz)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			total++
			if total%progressEvery == 0 {
				slog.Info("feed progress", slog.String("file", filepath.Base(path)), slog.Uint64("lines", total))
			}

			var l listing
			if err := json.Unmarshal(scanner.Bytes(), &l); err != nil || !l.valid() {
				skipped++
				continue
			}

			select {
			case out <- l:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := scanner.Err(); err != nil {
			return errors.Wrapf(err, "scan %s", path)
		}

		slog.Info("feed complete",
			slog.String("file", filepath.Base(path)),
			slog.Uint64("lines", total),
			slog.Uint64("skipped", skipped),
		)
		return nil
	}
}

// writeListings upserts listings, dropping IDs already seen in this run.
func writeListings(ctx context.Context, pool *pgxpool.Pool, in <-chan listing) func() error {
	return func() error {
		seen := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		var written, duplicates uint64

		for l := range in {
			if seen.TestString(l.ID) {
				duplicates++
				continue
			}
			seen.AddString(l.ID)

			if _, err := pool.Exec(ctx, upsertListingSQL,
				l.ID, l.Name, l.Address, l.Latitude, l.Longitude, l.IsActive,
			); err != nil {
				return errors.Wrapf(err, "upsert restaurant %s", l.ID)
			}

			written++
			if written%100_000 == 0 {
				slog.Info("write progress", slog.Uint64("written", written))
			}
		}

		slog.Info("write complete", slog.Uint64("written", written), slog.Uint64("duplicates", duplicates))
		return nil
	}
}
