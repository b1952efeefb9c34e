// Package fare prices a trip for every vehicle class from the distance and
// duration returned by the routing lookup.
package fare

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Rate is the tariff of one vehicle class.
type Rate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
	Minimum   float64
}

var rates = map[models.VehicleClass]Rate{
	models.VehicleMoto:     {Base: 30, PerKm: 10, PerMinute: 2, Minimum: 40},
	models.VehicleEconomy:  {Base: 40, PerKm: 12, PerMinute: 2.5, Minimum: 50},
	models.VehicleStandard: {Base: 60, PerKm: 18, PerMinute: 3.5, Minimum: 80},
	models.VehiclePremium:  {Base: 90, PerKm: 26, PerMinute: 5, Minimum: 120},
}

// Classes lists the priced vehicle classes in a stable order.
func Classes() []models.VehicleClass {
	out := make([]models.VehicleClass, 0, len(rates))
	for c := range rates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func RateFor(class models.VehicleClass) (Rate, bool) {
	r, ok := rates[class]
	return r, ok
}

// Price applies the rate and the minimum-fare floor. Negative inputs count as zero.
func (r Rate) Price(distanceKm, durationMin float64) float64 {
	d := math.Max(distanceKm, 0)
	t := math.Max(durationMin, 0)
	return round2(math.Max(r.Base+d*r.PerKm+t*r.PerMinute, r.Minimum))
}

// Estimate returns the price of the trip for every vehicle class.
func Estimate(distanceKm, durationMin float64) map[models.VehicleClass]float64 {
	out := make(map[models.VehicleClass]float64, len(rates))
	for c, r := range rates {
		out[c] = r.Price(distanceKm, durationMin)
	}
	return out
}

// Quote prices the trip for a single class.
func Quote(class models.VehicleClass, distanceKm, durationMin float64) (float64, error) {
	r, ok := rates[class]
	if !ok {
		return 0, apperr.Withf(apperr.ErrInvalidRequest, "unknown vehicle class %q", class)
	}
	return r.Price(distanceKm, durationMin), nil
}

// round2 rounds half away from zero to cents.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
