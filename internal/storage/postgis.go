package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostGISPredicate evaluates distances with ST_DWithin on geography, so the
// comparison is geodesic and in meters.
type PostGISPredicate struct {
	db *sql.DB
}

func NewPostGISPredicate(db *sql.DB) *PostGISPredicate { return &PostGISPredicate{db: db} }

const withinSQL = `SELECT ST_DWithin(
	ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography,
	ST_SetSRID(ST_MakePoint($3, $4), 4326)::geography,
	$5)`

func (p *PostGISPredicate) Within(ctx context.Context, a, b models.Coord, meters float64) (bool, error) {
	var ok bool
	if err := p.db.QueryRowContext(ctx, withinSQL, a.Lon, a.Lat, b.Lon, b.Lat, meters).Scan(&ok); err != nil {
		return false, fmt.Errorf("st_dwithin: %w", err)
	}
	return ok, nil
}

const withinRadiusSQL = `
SELECT c.id
FROM unnest($1::text[], $2::float8[], $3::float8[]) AS c(id, lon, lat)
WHERE ST_DWithin(
	ST_SetSRID(ST_MakePoint(c.lon, c.lat), 4326)::geography,
	ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography,
	$6)`

// WithinRadius tests a whole candidate list in one round trip.
func (p *PostGISPredicate) WithinRadius(ctx context.Context, center models.Coord, meters float64, candidates []models.DriverCandidate) ([]string, error) {
	ids := make([]string, 0, len(candidates))
	lons := make([]float64, 0, len(candidates))
	lats := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		if c.Loc == nil {
			continue
		}
		ids = append(ids, c.ID)
		lons = append(lons, c.Loc.Lon)
		lats = append(lats, c.Loc.Lat)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, withinRadiusSQL, pq.Array(ids), pq.Array(lons), pq.Array(lats), center.Lon, center.Lat, meters)
	if err != nil {
		return nil, fmt.Errorf("st_dwithin batch: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
