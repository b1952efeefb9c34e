package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusKm is the mean Earth radius used for every km <-> angle conversion.
const EarthRadiusKm = 6371.0

// AngularRadius converts a search radius in kilometers to the central angle,
// in radians, of the spherical cap it spans.
func AngularRadius(km float64) float64 {
	return km / EarthRadiusKm
}

// CentralAngle is the great-circle angle between a and b in radians.
func CentralAngle(a, b models.Coord) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b models.Coord) float64 {
	return CentralAngle(a, b) * EarthRadiusKm
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return DistanceKm(models.Coord{Lat: lat1, Lng: lon1}, models.Coord{Lat: lat2, Lng: lon2}) * 1000
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
