// Package restaurant defines the geospatial candidate lookup contract used
// when broadcasting assignment offers.
package restaurant

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrLookupFailed indicates the geospatial backend itself failed. It is
// deliberately distinct from an empty candidate list: callers must be able to
// tell "no restaurants near you" apart from "backend error".
var ErrLookupFailed = errors.New("restaurant lookup failed")

// Candidate is one active restaurant within delivery range of an order,
// as returned by the geo lookup.
type Candidate struct {
	ID         string
	Name       string
	Address    string
	DistanceKm decimal.Decimal
}

// Finder queries the geospatial store for active restaurants near a point.
//
// Implementations return candidates ordered nearest-first, truncated to
// limit. An empty slice with a nil error means nothing is in range; a backend
// failure wraps ErrLookupFailed.
type Finder interface {
	FindCandidates(ctx context.Context, lat, lon float64, maxDistanceKm decimal.Decimal, limit int) ([]Candidate, error)
}
