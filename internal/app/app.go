// Package app assembles the dispatch service from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
)

// App holds the wired service and the resources it must release.
type App struct {
	Service *matcher.Service
	WSReg   *dispatch.WSRegistry
	Checks  []httpapi.ReadinessCheck
	// GeoIndex is set when the Redis GEO index is enabled.
	GeoIndex *geo.RedisGeo

	closers []func() error
}

// New connects every configured backend. A Postgres DSN is required unless
// postgres.allow_memory selects the in-memory development store.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{WSReg: dispatch.NewWSRegistry()}

	var (
		rides   storage.RideStore
		drivers storage.DriverPool
		db      *sql.DB
	)
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.Checks = append(a.Checks, httpapi.ReadinessCheck{Name: "postgres", Check: pg.Ping})
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx, cfg.Postgres.MigrationsPath); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate %s: %w", cfg.Postgres.MigrationsPath, err)
			}
			logger.Info("migration applied", "path", cfg.Postgres.MigrationsPath)
		}
		rides, drivers, db = pg, pg, pg.DB()
	} else {
		if !cfg.Postgres.AllowMemory {
			return nil, errors.New("postgres.dsn is required (set postgres.allow_memory=true for a development in-memory store)")
		}
		logger.Warn("DEVELOPMENT MODE: postgres.dsn not set, rides and drivers live in an empty in-memory store that only tests can fill")
		mem := storage.NewMemoryStore()
		rides, drivers = mem, mem
	}

	predicate, index := buildPredicate(cfg.Matching, db)
	engine := &matcher.Engine{Predicate: predicate, Index: index, Concurrency: cfg.Matching.Concurrency, Logger: logger}

	svc := &matcher.Service{
		Rides:   rides,
		Drivers: drivers,
		Engine:  engine,
		Config:  matcherConfig(cfg.Matching),
		Logger:  logger,
	}

	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		a.closers = append(a.closers, rc.Close)
		a.Checks = append(a.Checks, httpapi.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
		if cfg.Redis.UseGeoIndex {
			a.GeoIndex = geo.NewRedisGeo(rc, cfg.Redis.GeoKey)
			engine.Index = a.GeoIndex
		}
		if cfg.Redis.UseLock {
			svc.Locker = storage.NewRedisLocker(rc, cfg.Redis.LockTTL)
		}
	}

	sinks := dispatch.Fanout{
		{Name: "log", Publisher: dispatch.LogPublisher{Logger: logger}},
		{Name: "websocket", Publisher: a.WSReg},
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.OutcomeTopic != "" {
		p := ingest.NewOutcomeProducer(cfg.Kafka.Brokers, cfg.Kafka.OutcomeTopic)
		a.closers = append(a.closers, p.Close)
		sinks = append(sinks, dispatch.Sink{Name: "kafka", Publisher: p})
	}
	svc.Publisher = sinks

	a.Service = svc
	return a, nil
}

// buildPredicate picks the distance check. Meter-backed predicates go
// through a TTL cache; PostGIS also answers whole levels in one query.
func buildPredicate(m config.MatchingConfig, db *sql.DB) (geo.Predicate, geo.RangeQuerier) {
	switch m.Predicate {
	case config.PredicatePostGIS:
		if db != nil {
			p := storage.NewPostGISPredicate(db)
			return p, p
		}
	case config.PredicateOSRM:
		return geo.Threshold{Meter: geo.NewCache(geo.NewOSRMClient(m.OSRMEndpoint), m.PredicateCacheTTL)}, nil
	}
	return geo.Threshold{Meter: geo.GreatCircle{}}, nil
}

func matcherConfig(m config.MatchingConfig) matcher.Config {
	return matcher.Config{
		BaseRadius:          m.BaseRadiusM,
		RadiusStep:          m.RadiusStepM,
		RematchMaxRadius:    m.RematchMaxRadiusM,
		FreshMaxRadius:      m.FreshMaxRadiusM,
		MaxNotified:         m.MaxNotified,
		MarkFreshExhaustion: m.MarkFreshExhaustion,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
