package matcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// SearchParams bounds an expanding radius search, in meters.
type SearchParams struct {
	BaseRadius int
	Step       int
	MaxRadius  int
}

// Radii lists the levels a search walks: BaseRadius, BaseRadius+Step, ...
// never past MaxRadius. BaseRadius is always tried once.
func (p SearchParams) Radii() []int {
	out := []int{p.BaseRadius}
	if p.Step <= 0 {
		return out
	}
	for r := p.BaseRadius + p.Step; r <= p.MaxRadius; r += p.Step {
		out = append(out, r)
	}
	return out
}

// Engine finds the drivers within the smallest radius level that has any.
type Engine struct {
	Predicate geo.Predicate
	// Index, when set, answers a whole level in one call. A failing call
	// falls back to Predicate for that level.
	Index geo.RangeQuerier
	// Concurrency caps in-flight predicate calls per level; <= 1 is sequential.
	Concurrency int
	Logger      *slog.Logger
}

// Search walks the radius levels and returns the IDs matched at the first
// non-empty level together with that radius, keeping the input order of
// candidates. When nothing matches it returns no IDs and the last radius
// tried. Only context cancellation is reported as an error.
func (e *Engine) Search(ctx context.Context, pickup models.Coord, candidates []models.DriverCandidate, p SearchParams) ([]string, int, error) {
	radii := p.Radii()
	var radius int
	for _, radius = range radii {
		if err := ctx.Err(); err != nil {
			return nil, radius, err
		}
		e.logger().DebugContext(ctx, "searching radius", "radius_m", radius, "candidates", len(candidates))
		hits := e.level(ctx, pickup, candidates, float64(radius))
		if err := ctx.Err(); err != nil {
			return nil, radius, err
		}
		if len(hits) > 0 {
			return hits, radius, nil
		}
	}
	return nil, radius, nil
}

// level evaluates every candidate at one radius before returning.
func (e *Engine) level(ctx context.Context, pickup models.Coord, candidates []models.DriverCandidate, meters float64) []string {
	if e.Index != nil {
		ids, err := e.Index.WithinRadius(ctx, pickup, meters, candidates)
		if err == nil {
			return inInputOrder(candidates, ids)
		}
		observability.IndexFallbacks.Inc()
		e.logger().WarnContext(ctx, "range index failed, checking candidates one by one", "radius_m", meters, "error", err)
	}

	within := make([]bool, len(candidates))
	if e.Concurrency <= 1 {
		for i := range candidates {
			within[i] = e.check(ctx, pickup, candidates[i], meters)
		}
	} else {
		sem := make(chan struct{}, e.Concurrency)
		var wg sync.WaitGroup
		for i := range candidates {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				within[i] = e.check(ctx, pickup, candidates[i], meters)
			}(i)
		}
		wg.Wait()
	}

	var out []string
	for i, ok := range within {
		if ok {
			out = append(out, candidates[i].ID)
		}
	}
	return out
}

func (e *Engine) check(ctx context.Context, pickup models.Coord, c models.DriverCandidate, meters float64) bool {
	if c.Loc == nil {
		return false
	}
	ok, err := e.Predicate.Within(ctx, pickup, *c.Loc, meters)
	if err != nil {
		observability.PredicateErrors.Inc()
		e.logger().WarnContext(ctx, "distance check failed, skipping driver", "driver_id", c.ID, "radius_m", meters, "error", err)
		return false
	}
	return ok
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return logging.Discard()
	}
	return e.Logger
}

func inInputOrder(candidates []models.DriverCandidate, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	hit := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		hit[id] = struct{}{}
	}
	var out []string
	for _, c := range candidates {
		if _, ok := hit[c.ID]; ok {
			out = append(out, c.ID)
		}
	}
	return out
}
