package maps

import (
	"context"
	"strconv"
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 28.8 km/h, a typical city average.
const DefaultSpeedMps = 8.0

// LocalLocator needs no external service: addresses must be literal
// "lat,lng" pairs and routes are great-circle distance at a fixed speed.
type LocalLocator struct {
	SpeedMps float64
}

func (l LocalLocator) Geocode(_ context.Context, address string) (models.Coord, error) {
	parts := strings.Split(address, ",")
	if len(parts) != 2 {
		return models.Coord{}, apperr.Withf(apperr.ErrGeocodingUnavailable, "no geocoding results for address %q", address)
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, apperr.Withf(apperr.ErrGeocodingUnavailable, "no geocoding results for address %q", address)
	}
	c := models.Coord{Lat: lat, Lng: lng}
	if err := geo.ValidateCoord(c); err != nil {
		return models.Coord{}, apperr.Wrap(apperr.ErrGeocodingUnavailable, err)
	}
	return c, nil
}

func (l LocalLocator) Route(_ context.Context, from, to models.Coord) (Route, error) {
	speed := l.SpeedMps
	if speed <= 0 {
		speed = DefaultSpeedMps
	}
	meters := geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng)
	return newRoute(meters, meters/speed), nil
}
