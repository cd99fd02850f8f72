package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

func driver(id string, online, available bool, loc *models.Coord, updated time.Time) models.DriverCandidate {
	return models.DriverCandidate{ID: id, Online: online, Available: available, Loc: loc, Updated: updated}
}

func TestMemoryStoreAvailableDriversFiltersAndOrders(t *testing.T) {
	m := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	loc := &models.Coord{Lat: 20, Lon: 10}
	m.PutDriver(driver("old", true, true, loc, base))
	m.PutDriver(driver("new", true, true, loc, base.Add(2*time.Minute)))
	m.PutDriver(driver("mid", true, true, loc, base.Add(time.Minute)))
	m.PutDriver(driver("offline", false, true, loc, base))
	m.PutDriver(driver("busy", true, false, loc, base))
	m.PutDriver(driver("nowhere", true, true, nil, base))
	m.PutDriver(driver("seen", true, true, loc, base.Add(time.Hour)))

	got, err := m.AvailableDrivers(context.Background(), []string{"seen"})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
}

func TestMemoryStoreGetRideParsesPickup(t *testing.T) {
	m := NewMemoryStore()
	m.PutRide("r1", "POINT(10.0 20.0)", models.StatusSearchingDrivers, []string{"d1"})

	r, err := m.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lon: 10, Lat: 20}, r.Pickup)
	assert.Equal(t, models.StatusSearchingDrivers, r.Status)
	assert.Equal(t, []string{"d1"}, r.NotifiedDriverIDs)
}

func TestMemoryStoreGetRideErrors(t *testing.T) {
	m := NewMemoryStore()
	m.PutRide("bad", "somewhere", models.StatusPending, nil)

	_, err := m.GetRide(context.Background(), "bad")
	assert.ErrorIs(t, err, geo.ErrInvalidLocation)

	_, err = m.GetRide(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRideNotFound)
}

func TestMemoryStoreUpdateRideIsPartial(t *testing.T) {
	m := NewMemoryStore()
	m.PutRide("r1", "POINT(1 2)", models.StatusSearchingDrivers, []string{"a"})
	ctx := context.Background()

	require.NoError(t, m.UpdateRide(ctx, "r1", models.RideUpdate{Status: models.StatusNoDriversAvailable}))
	status, notified, writes, ok := m.Ride("r1")
	require.True(t, ok)
	assert.Equal(t, models.StatusNoDriversAvailable, status)
	assert.Equal(t, []string{"a"}, notified)
	assert.Equal(t, 1, writes)

	require.NoError(t, m.UpdateRide(ctx, "r1", models.RideUpdate{Status: models.StatusPending, NotifiedDriverIDs: []string{"a", "b"}}))
	status, notified, writes, _ = m.Ride("r1")
	assert.Equal(t, models.StatusPending, status)
	assert.Equal(t, []string{"a", "b"}, notified)
	assert.Equal(t, 2, writes)

	assert.ErrorIs(t, m.UpdateRide(ctx, "nope", models.RideUpdate{Status: models.StatusPending}), ErrRideNotFound)
}

type fakeLockClient struct {
	held     map[string]interface{}
	setErr   error
	released []string
}

func (f *fakeLockClient) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, ok := f.held[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.held[key] = value
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLockClient) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	if f.held[keys[0]] == args[0] {
		delete(f.held, keys[0])
		f.released = append(f.released, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockerSerializesPerRide(t *testing.T) {
	f := &fakeLockClient{held: map[string]interface{}{}}
	l := &RedisLocker{client: f, ttl: time.Second}
	ctx := context.Background()

	release, err := l.Acquire(ctx, "r1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "r1")
	assert.ErrorIs(t, err, ErrLocked)

	other, err := l.Acquire(ctx, "r2")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	assert.Equal(t, []string{"dispatch:lock:r2", "dispatch:lock:r1"}, f.released)

	_, err = l.Acquire(ctx, "r1")
	assert.NoError(t, err)
}

func TestRedisLockerPropagatesErrors(t *testing.T) {
	l := &RedisLocker{client: &fakeLockClient{held: map[string]interface{}{}, setErr: errors.New("conn refused")}, ttl: time.Second}
	_, err := l.Acquire(context.Background(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)
}
