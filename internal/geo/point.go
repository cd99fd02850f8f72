package geo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidLocation = errors.New("invalid location")

// pointPattern matches "POINT(lon lat)". It is not anchored so EWKT input
// such as "SRID=4326;POINT(1 2)" is accepted too.
var pointPattern = regexp.MustCompile(`POINT\(([-+]?\d+\.?\d*)\s+([-+]?\d+\.?\d*)\)`)

// ParsePoint extracts longitude and latitude from a WKT point.
func ParsePoint(wkt string) (models.Coord, error) {
	if strings.TrimSpace(wkt) == "" {
		return models.Coord{}, fmt.Errorf("%w: missing point", ErrInvalidLocation)
	}
	m := pointPattern.FindStringSubmatch(wkt)
	if len(m) < 3 {
		return models.Coord{}, fmt.Errorf("%w: %q is not a POINT(lon lat)", ErrInvalidLocation, wkt)
	}
	lon, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("%w: longitude: %v", ErrInvalidLocation, err)
	}
	lat, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("%w: latitude: %v", ErrInvalidLocation, err)
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

// Validate rejects coordinates outside the WGS84 range.
func Validate(c models.Coord) error {
	if c.Lat != c.Lat || c.Lon != c.Lon {
		return fmt.Errorf("%w: NaN coordinate", ErrInvalidLocation)
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: (%f, %f) out of range", ErrInvalidLocation, c.Lon, c.Lat)
	}
	return nil
}
