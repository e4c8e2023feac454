/*
Package geo provides great-circle distance and travel-time estimates.

PURPOSE:
  The matcher ranks inventory by how far it sits from the person asking for
  it. This package is the only place that knows about the shape of the Earth.

KEY FUNCTIONS:
  Distance:          Haversine distance in kilometres between two coordinates
  TravelTimeMinutes: Linear travel-time estimate, ceiling-rounded

CONSTANTS:
  EarthRadiusKm = 6371    mean Earth radius
  MinutesPerKm  = 2       30 km/h average road speed in a disaster zone

USAGE:
  km, err := geo.Distance(41.01, 28.97, 40.99, 29.02)
  if err != nil {
      // geo.ErrInvalidCoordinate
  }
  eta := geo.TravelTimeMinutes(km)

SEE ALSO:
  - engine/matcher.go: Uses Distance to rank candidates
*/
package geo

import (
	"errors"
	"fmt"
	"math"
)

const (
	EarthRadiusKm = 6371.0
	MinutesPerKm  = 2.0
)

// ErrInvalidCoordinate is returned for NaN, infinite or out-of-range input.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Validate reports whether the point lies on the globe.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, p.Lat)
	}
	if math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, p.Lng)
	}
	return nil
}

// DistanceTo returns the great-circle distance to q in kilometres.
func (p Point) DistanceTo(q Point) (float64, error) {
	return Distance(p.Lat, p.Lng, q.Lat, q.Lng)
}

// Distance returns the Haversine great-circle distance in kilometres.
func Distance(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := (Point{Lat: lat1, Lng: lon1}).Validate(); err != nil {
		return 0, err
	}
	if err := (Point{Lat: lat2, Lng: lon2}).Validate(); err != nil {
		return 0, err
	}

	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can push a slightly above 1 for antipodal points.
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c, nil
}

// TravelTimeMinutes estimates travel time for a distance, rounded up.
// Negative or non-finite distances yield 0.
func TravelTimeMinutes(km float64) int {
	if km <= 0 || math.IsNaN(km) || math.IsInf(km, 0) {
		return 0
	}
	return int(math.Ceil(km * MinutesPerKm))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
