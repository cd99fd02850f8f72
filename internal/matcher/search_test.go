package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// linePredicate treats a candidate's latitude as its distance in meters from
// the pickup. Longitude -1 marks a location the predicate cannot evaluate.
type linePredicate struct {
	mu    sync.Mutex
	calls map[float64]int
}

func (p *linePredicate) Within(_ context.Context, _, b models.Coord, meters float64) (bool, error) {
	p.mu.Lock()
	if p.calls == nil {
		p.calls = map[float64]int{}
	}
	p.calls[meters]++
	p.mu.Unlock()
	if b.Lon == -1 {
		return false, errors.New("malformed driver location")
	}
	return b.Lat <= meters, nil
}

func (p *linePredicate) levels() map[float64]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func cand(id string, dist float64) models.DriverCandidate {
	return models.DriverCandidate{ID: id, Loc: &models.Coord{Lat: dist}, Online: true, Available: true}
}

var (
	rematchParams = SearchParams{BaseRadius: 5000, Step: 2500, MaxRadius: 15000}
	freshParams   = SearchParams{BaseRadius: 5000, Step: 2500, MaxRadius: 5000}
)

func TestRadii(t *testing.T) {
	assert.Equal(t, []int{5000, 7500, 10000, 12500, 15000}, rematchParams.Radii())
	assert.Equal(t, []int{5000}, freshParams.Radii())
	assert.Equal(t, []int{5000, 7500}, SearchParams{BaseRadius: 5000, Step: 2500, MaxRadius: 9000}.Radii())
	assert.Equal(t, []int{5000}, SearchParams{BaseRadius: 5000, Step: 0, MaxRadius: 15000}.Radii())
	assert.Equal(t, []int{5000}, SearchParams{BaseRadius: 5000, Step: 2500, MaxRadius: 1000}.Radii())
}

func TestSearchStopsAtBaseRadiusWhenAnyoneIsClose(t *testing.T) {
	p := &linePredicate{}
	e := &Engine{Predicate: p}
	ids, radius, err := e.Search(context.Background(), models.Coord{}, []models.DriverCandidate{
		cand("far", 14000), cand("near", 1200), cand("edge", 5000),
	}, rematchParams)
	require.NoError(t, err)
	assert.Equal(t, 5000, radius)
	assert.Equal(t, []string{"near", "edge"}, ids)
	assert.Equal(t, map[float64]int{5000: 3}, p.levels())
}

func TestSearchExpandsUntilFirstNonEmptyLevel(t *testing.T) {
	p := &linePredicate{}
	e := &Engine{Predicate: p}
	ids, radius, err := e.Search(context.Background(), models.Coord{}, []models.DriverCandidate{
		cand("a", 11000), cand("b", 9000), cand("c", 9999),
	}, rematchParams)
	require.NoError(t, err)
	assert.Equal(t, 10000, radius)
	assert.Equal(t, []string{"b", "c"}, ids)
	assert.Equal(t, map[float64]int{5000: 3, 7500: 3, 10000: 3}, p.levels())
}

func TestSearchExhaustionReturnsEmptyAtMaxRadius(t *testing.T) {
	p := &linePredicate{}
	e := &Engine{Predicate: p}
	ids, radius, err := e.Search(context.Background(), models.Coord{}, []models.DriverCandidate{cand("a", 20000)}, rematchParams)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 15000, radius)
	for level := range p.levels() {
		assert.LessOrEqual(t, level, 15000.0)
	}
	assert.Len(t, p.levels(), 5)
}

func TestSearchFreshDoesNotExpand(t *testing.T) {
	p := &linePredicate{}
	e := &Engine{Predicate: p}
	ids, radius, err := e.Search(context.Background(), models.Coord{}, []models.DriverCandidate{cand("a", 6000)}, freshParams)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 5000, radius)
	assert.Equal(t, map[float64]int{5000: 1}, p.levels())
}

func TestSearchSkipsFailingAndUnlocatedCandidates(t *testing.T) {
	p := &linePredicate{}
	e := &Engine{Predicate: p}
	broken := models.DriverCandidate{ID: "broken", Loc: &models.Coord{Lon: -1, Lat: 10}}
	unlocated := models.DriverCandidate{ID: "unlocated"}
	ids, radius, err := e.Search(context.Background(), models.Coord{}, []models.DriverCandidate{broken, unlocated, cand("ok", 100)}, freshParams)
	require.NoError(t, err)
	assert.Equal(t, 5000, radius)
	assert.Equal(t, []string{"ok"}, ids)
	assert.Equal(t, 2, p.levels()[5000])
}

func TestSearchConcurrentKeepsInputOrder(t *testing.T) {
	cands := make([]models.DriverCandidate, 0, 40)
	var want []string
	for i := 0; i < 40; i++ {
		id := string(rune('A' + i))
		d := 12000.0
		if i%3 == 0 {
			d = 8000
			want = append(want, id)
		}
		cands = append(cands, cand(id, d))
	}
	p := &linePredicate{}
	e := &Engine{Predicate: p, Concurrency: 8}
	ids, radius, err := e.Search(context.Background(), models.Coord{}, cands, rematchParams)
	require.NoError(t, err)
	assert.Equal(t, 10000, radius)
	assert.Equal(t, want, ids)
	assert.Equal(t, 40, p.levels()[7500])
}

type fakeIndex struct {
	result map[float64][]string
	err    error
	calls  int
}

func (f *fakeIndex) WithinRadius(_ context.Context, _ models.Coord, meters float64, _ []models.DriverCandidate) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result[meters], nil
}

func TestSearchUsesIndexAndRestoresOrder(t *testing.T) {
	idx := &fakeIndex{result: map[float64][]string{7500: {"c", "a"}}}
	p := &linePredicate{}
	e := &Engine{Predicate: p, Index: idx}
	ids, radius, err := e.Search(context.Background(), models.Coord{}, []models.DriverCandidate{
		cand("a", 0), cand("b", 0), cand("c", 0),
	}, rematchParams)
	require.NoError(t, err)
	assert.Equal(t, 7500, radius)
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.Equal(t, 2, idx.calls)
	assert.Empty(t, p.levels())
}

func TestSearchFallsBackWhenIndexFails(t *testing.T) {
	idx := &fakeIndex{err: errors.New("redis down")}
	p := &linePredicate{}
	e := &Engine{Predicate: p, Index: idx}
	ids, radius, err := e.Search(context.Background(), models.Coord{}, []models.DriverCandidate{cand("a", 7000)}, rematchParams)
	require.NoError(t, err)
	assert.Equal(t, 7500, radius)
	assert.Equal(t, []string{"a"}, ids)
	assert.Equal(t, 2, idx.calls)
}

func TestSearchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := &Engine{Predicate: &linePredicate{}}
	_, _, err := e.Search(ctx, models.Coord{}, []models.DriverCandidate{cand("a", 1)}, rematchParams)
	assert.ErrorIs(t, err, context.Canceled)
}

// geoSet mimics a Redis GEO set: members keep the last position written and
// GEOSEARCH answers by great-circle distance.
type geoSet struct {
	mu  sync.Mutex
	pos map[string]models.Coord
}

func (g *geoSet) GeoAdd(_ context.Context, _ string, locs ...*redis.GeoLocation) *redis.IntCmd {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pos == nil {
		g.pos = map[string]models.Coord{}
	}
	for _, l := range locs {
		g.pos[l.Name] = models.Coord{Lat: l.Latitude, Lon: l.Longitude}
	}
	return redis.NewIntResult(int64(len(locs)), nil)
}

func (g *geoSet) ZRem(_ context.Context, _ string, members ...interface{}) *redis.IntCmd {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range members {
		delete(g.pos, m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (g *geoSet) GeoSearch(_ context.Context, _ string, q *redis.GeoSearchQuery) *redis.StringSliceCmd {
	g.mu.Lock()
	defer g.mu.Unlock()
	var names []string
	for name, p := range g.pos {
		if geo.Haversine(q.Latitude, q.Longitude, p.Lat, p.Lon) <= q.Radius {
			names = append(names, name)
		}
	}
	return redis.NewStringSliceResult(names, nil)
}

func TestSearchWithRedisIndexAgreesWithPredicate(t *testing.T) {
	pickup := models.Coord{Lon: 10, Lat: 20}
	near := models.DriverCandidate{ID: "near", Loc: &models.Coord{Lon: 10, Lat: 20.001}}
	moved := models.DriverCandidate{ID: "moved", Loc: &models.Coord{Lon: 10, Lat: 20.3}}

	// "moved" was tracked next to the pickup, then drove ~33km away.
	set := &geoSet{pos: map[string]models.Coord{"moved": {Lon: 10, Lat: 20.0005}}}
	indexed := &Engine{Predicate: geo.Threshold{Meter: geo.GreatCircle{}}, Index: geo.NewRedisGeo(set, "drivers_geo")}
	plain := &Engine{Predicate: geo.Threshold{Meter: geo.GreatCircle{}}}

	for _, cands := range [][]models.DriverCandidate{{near}, {moved}, {moved, near}} {
		want, wantRadius, err := plain.Search(context.Background(), pickup, cands, rematchParams)
		require.NoError(t, err)
		got, gotRadius, err := indexed.Search(context.Background(), pickup, cands, rematchParams)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, wantRadius, gotRadius)
	}

	ids, radius, err := indexed.Search(context.Background(), pickup, []models.DriverCandidate{near}, rematchParams)
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids)
	assert.Equal(t, 5000, radius)
}
