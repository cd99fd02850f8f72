package geo

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Predicate tests whether two points lie within meters of each other.
type Predicate interface {
	Within(ctx context.Context, a, b models.Coord, meters float64) (bool, error)
}

// RangeQuerier answers a whole radius level in one call. It returns the IDs
// of the candidates within meters of center, in any order.
type RangeQuerier interface {
	WithinRadius(ctx context.Context, center models.Coord, meters float64, candidates []models.DriverCandidate) ([]string, error)
}

// Meter measures the distance in meters between two points.
type Meter interface {
	Distance(ctx context.Context, from, to models.Coord) (float64, error)
}

// Threshold turns a Meter into a Predicate.
type Threshold struct {
	Meter Meter
}

func (t Threshold) Within(ctx context.Context, a, b models.Coord, meters float64) (bool, error) {
	d, err := t.Meter.Distance(ctx, a, b)
	if err != nil {
		return false, err
	}
	return d <= meters, nil
}

// GreatCircle measures haversine distance in process.
type GreatCircle struct{}

func (GreatCircle) Distance(_ context.Context, from, to models.Coord) (float64, error) {
	if err := Validate(from); err != nil {
		return 0, err
	}
	if err := Validate(to); err != nil {
		return 0, err
	}
	return Haversine(from.Lat, from.Lon, to.Lat, to.Lon), nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
