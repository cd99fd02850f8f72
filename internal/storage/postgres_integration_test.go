package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// startPostGIS runs a disposable PostGIS database with the schema migration
// applied. Tests using it are skipped unless DOCKER_AVAILABLE is set.
func startPostGIS(t *testing.T) *PostgresStore {
	t.Helper()
	if os.Getenv("DOCKER_AVAILABLE") != "true" && os.Getenv("DOCKER_AVAILABLE") != "1" {
		t.Skip("docker not available")
	}
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgis/postgis:16-3.4",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "dispatch",
				"POSTGRES_PASSWORD": "dispatch",
				"POSTGRES_DB":       "dispatch",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("terminate postgis: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://dispatch:dispatch@%s:%s/dispatch?sslmode=disable", host, port.Port())

	var store *PostgresStore
	for i := 0; i < 10; i++ {
		if store, err = NewPostgresStore(ctx, dsn); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx, "../../migrations/001_create_rides.sql"))
	return store
}

func TestPostgresAvailableDriversExcludesAndOrders(t *testing.T) {
	store := startPostGIS(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	insert := `INSERT INTO driver_locations (driver_id, location, is_online, is_available, last_updated_at)
		VALUES ($1, ST_GeogFromText($2), $3, $4, $5)`
	rows := []struct {
		id                string
		wkt               any
		online, available bool
		updated           time.Time
	}{
		{"old", "SRID=4326;POINT(10 20)", true, true, base},
		{"new", "SRID=4326;POINT(10.01 20.01)", true, true, base.Add(2 * time.Minute)},
		{"mid", "SRID=4326;POINT(10 20)", true, true, base.Add(time.Minute)},
		{"tie", "SRID=4326;POINT(10 20)", true, true, base.Add(time.Minute)},
		{"seen", "SRID=4326;POINT(10 20)", true, true, base.Add(time.Hour)},
		{"offline", "SRID=4326;POINT(10 20)", false, true, base.Add(time.Hour)},
		{"busy", "SRID=4326;POINT(10 20)", true, false, base.Add(time.Hour)},
		{"nowhere", nil, true, true, base.Add(time.Hour)},
	}
	for _, r := range rows {
		_, err := store.DB().ExecContext(ctx, insert, r.id, r.wkt, r.online, r.available, r.updated)
		require.NoError(t, err, r.id)
	}

	got, err := store.AvailableDrivers(ctx, []string{"seen"})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"new", "mid", "tie", "old"}, ids)
	assert.InDelta(t, 10.01, got[0].Loc.Lon, 1e-9)
	assert.InDelta(t, 20.01, got[0].Loc.Lat, 1e-9)

	all, err := store.AvailableDrivers(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestPostgresRideLifecycle(t *testing.T) {
	store := startPostGIS(t)
	ctx := context.Background()

	_, err := store.DB().ExecContext(ctx, `INSERT INTO rides (id, pickup_location, status) VALUES
		('r1', ST_GeogFromText('SRID=4326;POINT(10 20)'), 'searching_drivers'),
		('r2', NULL, 'pending')`)
	require.NoError(t, err)

	ride, err := store.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lon: 10, Lat: 20}, ride.Pickup)
	assert.Equal(t, models.StatusSearchingDrivers, ride.Status)

	_, err = store.GetRide(ctx, "r2")
	assert.ErrorIs(t, err, geo.ErrInvalidLocation)
	_, err = store.GetRide(ctx, "missing")
	assert.ErrorIs(t, err, ErrRideNotFound)

	notified, err := store.NotifiedDrivers(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, notified)

	require.NoError(t, store.UpdateRide(ctx, "r1", models.RideUpdate{Status: models.StatusPending, NotifiedDriverIDs: []string{"d1", "d2"}}))
	notified, err = store.NotifiedDrivers(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, notified)

	require.NoError(t, store.UpdateRide(ctx, "r1", models.RideUpdate{Status: models.StatusNoDriversAvailable}))
	ride, err = store.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoDriversAvailable, ride.Status)
	notified, err = store.NotifiedDrivers(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, notified)

	assert.ErrorIs(t, store.UpdateRide(ctx, "missing", models.RideUpdate{Status: models.StatusPending}), ErrRideNotFound)
}

func TestPostGISPredicateMatchesGreatCircle(t *testing.T) {
	store := startPostGIS(t)
	ctx := context.Background()
	p := NewPostGISPredicate(store.DB())
	pickup := models.Coord{Lon: 10, Lat: 20}

	near, err := p.Within(ctx, pickup, models.Coord{Lon: 10, Lat: 20.04}, 5000)
	require.NoError(t, err)
	assert.True(t, near)
	far, err := p.Within(ctx, pickup, models.Coord{Lon: 10, Lat: 20.06}, 5000)
	require.NoError(t, err)
	assert.False(t, far)

	ids, err := p.WithinRadius(ctx, pickup, 5000, []models.DriverCandidate{
		{ID: "a", Loc: &models.Coord{Lon: 10, Lat: 20.04}},
		{ID: "b", Loc: &models.Coord{Lon: 10, Lat: 20.06}},
		{ID: "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}
