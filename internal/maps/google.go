package maps

import (
	"context"
	"fmt"
	"strings"

	gmaps "googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

const maxSuggestions = 5

// GoogleClient implements Locator and Suggester over the Google Maps
// Geocoding, Distance Matrix and Place Autocomplete APIs.
type GoogleClient struct {
	client *gmaps.Client
}

func NewGoogleClient(apiKey string, opts ...gmaps.ClientOption) (*GoogleClient, error) {
	opts = append([]gmaps.ClientOption{gmaps.WithAPIKey(apiKey)}, opts...)
	c, err := gmaps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleClient{client: c}, nil
}

func (g *GoogleClient) Geocode(ctx context.Context, address string) (models.Coord, error) {
	res, err := g.client.Geocode(ctx, &gmaps.GeocodingRequest{Address: address})
	if err != nil {
		return models.Coord{}, apperr.Wrap(apperr.ErrGeocodingUnavailable, err)
	}
	if len(res) == 0 {
		return models.Coord{}, apperr.Withf(apperr.ErrGeocodingUnavailable, "no geocoding results for address %q", address)
	}
	loc := res[0].Geometry.Location
	return models.Coord{Lat: loc.Lat, Lng: loc.Lng}, nil
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	resp, err := g.client.DistanceMatrix(ctx, &gmaps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         gmaps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, apperr.Wrap(apperr.ErrGeocodingUnavailable, err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, apperr.Withf(apperr.ErrGeocodingUnavailable, "no route between %s and %s", latLng(from), latLng(to))
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Route{}, apperr.Withf(apperr.ErrGeocodingUnavailable, "distance matrix status %s", el.Status)
	}
	return newRoute(float64(el.Distance.Meters), el.Duration.Seconds()), nil
}

func (g *GoogleClient) Suggest(ctx context.Context, input string) ([]Suggestion, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return []Suggestion{}, nil
	}
	resp, err := g.client.PlaceAutocomplete(ctx, &gmaps.PlaceAutocompleteRequest{Input: input})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrGeocodingUnavailable, err)
	}
	out := make([]Suggestion, 0, maxSuggestions)
	for _, p := range resp.Predictions {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, Suggestion{Label: p.Description, PlaceID: p.PlaceID})
	}
	return out, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}
