// Package maps resolves addresses to coordinates and measures driving
// distance and time between them.
package maps

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Route is the driving distance and time between two points, rounded to
// hundredths of a kilometer and minute.
type Route struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coord, error)
}

type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Locator is the map lookup collaborator the ride service depends on.
type Locator interface {
	Geocoder
	Router
}

// Suggestion is one address completion for a partial input.
type Suggestion struct {
	Label   string `json:"label"`
	PlaceID string `json:"place_id,omitempty"`
}

type Suggester interface {
	Suggest(ctx context.Context, input string) ([]Suggestion, error)
}

type locator struct {
	Geocoder
	Router
}

// Compose pairs a geocoder with a router from a different provider.
func Compose(g Geocoder, r Router) Locator {
	return locator{Geocoder: g, Router: r}
}

func newRoute(meters, seconds float64) Route {
	return Route{DistanceKm: round2(meters / 1000), DurationMin: round2(seconds / 60)}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
