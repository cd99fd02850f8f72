package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore reads rides and driver_locations from a PostGIS database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes the SQL file at path.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, string(b))
	return err
}

const getRideSQL = `SELECT id::text, ST_AsText(pickup_location::geometry), status FROM rides WHERE id::text = $1`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var (
		rideID string
		wkt    sql.NullString
		status string
	)
	err := p.db.QueryRowContext(ctx, getRideSQL, id).Scan(&rideID, &wkt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("%w: %s", ErrRideNotFound, id)
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("get ride %s: %w", id, err)
	}
	if !wkt.Valid {
		return models.Ride{}, fmt.Errorf("%w: ride %s has no pickup location", geo.ErrInvalidLocation, id)
	}
	pickup, err := geo.ParsePoint(wkt.String)
	if err != nil {
		return models.Ride{}, err
	}
	return models.Ride{ID: rideID, Pickup: pickup, Status: models.RideStatus(status)}, nil
}

func (p *PostgresStore) NotifiedDrivers(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(driver_ids_notified, '{}')::text[] FROM rides WHERE id::text = $1`, id,
	).Scan(pq.Array(&ids))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRideNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("notified drivers %s: %w", id, err)
	}
	return ids, nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, id string, u models.RideUpdate) error {
	var (
		res sql.Result
		err error
	)
	switch {
	case u.Status != "" && u.NotifiedDriverIDs != nil:
		res, err = p.db.ExecContext(ctx,
			`UPDATE rides SET status = $1, driver_ids_notified = $2, updated_at = now() WHERE id::text = $3`,
			string(u.Status), pq.Array(u.NotifiedDriverIDs), id)
	case u.Status != "":
		res, err = p.db.ExecContext(ctx,
			`UPDATE rides SET status = $1, updated_at = now() WHERE id::text = $2`,
			string(u.Status), id)
	case u.NotifiedDriverIDs != nil:
		res, err = p.db.ExecContext(ctx,
			`UPDATE rides SET driver_ids_notified = $1, updated_at = now() WHERE id::text = $2`,
			pq.Array(u.NotifiedDriverIDs), id)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("update ride %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRideNotFound, id)
	}
	return nil
}

const availableDriversSQL = `
SELECT driver_id::text, ST_X(location::geometry), ST_Y(location::geometry), last_updated_at
FROM driver_locations
WHERE is_online = true
  AND is_available = true
  AND location IS NOT NULL
  AND NOT (driver_id::text = ANY($1::text[]))
ORDER BY last_updated_at DESC, driver_id`

func (p *PostgresStore) AvailableDrivers(ctx context.Context, exclude []string) ([]models.DriverCandidate, error) {
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := p.db.QueryContext(ctx, availableDriversSQL, pq.Array(exclude))
	if err != nil {
		return nil, fmt.Errorf("available drivers: %w", err)
	}
	defer rows.Close()
	var out []models.DriverCandidate
	for rows.Next() {
		var (
			d       models.DriverCandidate
			loc     models.Coord
			updated sql.NullTime
		)
		if err := rows.Scan(&d.ID, &loc.Lon, &loc.Lat, &updated); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		d.Loc = &loc
		d.Online, d.Available = true, true
		d.Updated = updated.Time
		out = append(out, d)
	}
	return out, rows.Err()
}
