package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides. Nesting uses a double underscore,
// e.g. DISPATCH_MATCHING__BASE_RADIUS_M=4000.
const EnvPrefix = "DISPATCH_"

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Postgres PostgresConfig `koanf:"postgres"`
	Redis    RedisConfig    `koanf:"redis"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Matching MatchingConfig `koanf:"matching"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN            string `koanf:"dsn"`
	RunMigrations  bool   `koanf:"run_migrations"`
	MigrationsPath string `koanf:"migrations_path"`
	// AllowMemory runs on an empty in-memory store when DSN is unset.
	// Development only: nothing fills it with rides or drivers.
	AllowMemory bool `koanf:"allow_memory"`
}

type RedisConfig struct {
	Addr        string        `koanf:"addr"`
	Password    string        `koanf:"password"`
	GeoKey      string        `koanf:"geo_key"`
	UseGeoIndex bool          `koanf:"use_geo_index"`
	UseLock     bool          `koanf:"use_lock"`
	LockTTL     time.Duration `koanf:"lock_ttl"`
}

type KafkaConfig struct {
	Brokers       []string `koanf:"brokers"`
	EventTopic    string   `koanf:"event_topic"`
	OutcomeTopic  string   `koanf:"outcome_topic"`
	LocationTopic string   `koanf:"location_topic"`
	Group         string   `koanf:"group"`
}

type MatchingConfig struct {
	BaseRadiusM         int           `koanf:"base_radius_m"`
	RadiusStepM         int           `koanf:"radius_step_m"`
	RematchMaxRadiusM   int           `koanf:"rematch_max_radius_m"`
	FreshMaxRadiusM     int           `koanf:"fresh_max_radius_m"`
	MaxNotified         int           `koanf:"max_notified"`
	MarkFreshExhaustion bool          `koanf:"mark_fresh_exhaustion"`
	Predicate           string        `koanf:"predicate"`
	OSRMEndpoint        string        `koanf:"osrm_endpoint"`
	PredicateCacheTTL   time.Duration `koanf:"predicate_cache_ttl"`
	Concurrency         int           `koanf:"concurrency"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

const (
	PredicateHaversine = "haversine"
	PredicatePostGIS   = "postgis"
	PredicateOSRM      = "osrm"
)

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{MigrationsPath: "migrations/001_create_rides.sql"},
		Redis:    RedisConfig{GeoKey: "drivers_geo", LockTTL: 30 * time.Second},
		Kafka: KafkaConfig{
			EventTopic:    "ride-events",
			OutcomeTopic:  "ride-match-outcomes",
			LocationTopic: "driver-locations",
			Group:         "ride-dispatch-consumer",
		},
		Matching: MatchingConfig{
			BaseRadiusM:       5000,
			RadiusStepM:       2500,
			RematchMaxRadiusM: 15000,
			FreshMaxRadiusM:   5000,
			MaxNotified:       5,
			Predicate:         PredicateHaversine,
			PredicateCacheTTL: time.Minute,
			Concurrency:       1,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load layers defaults, the optional YAML file at path and environment
// overrides, then validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitAndTrim(cfg.Kafka.Brokers)
	cfg.Matching.Predicate = strings.ToLower(strings.TrimSpace(cfg.Matching.Predicate))
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	m := c.Matching
	if m.BaseRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("matching.base_radius_m must be > 0"))
	}
	if m.RadiusStepM <= 0 {
		errs = append(errs, fmt.Errorf("matching.radius_step_m must be > 0"))
	}
	if m.RematchMaxRadiusM < m.BaseRadiusM {
		errs = append(errs, fmt.Errorf("matching.rematch_max_radius_m must be >= base_radius_m"))
	}
	if m.FreshMaxRadiusM < m.BaseRadiusM {
		errs = append(errs, fmt.Errorf("matching.fresh_max_radius_m must be >= base_radius_m"))
	}
	if m.MaxNotified <= 0 {
		errs = append(errs, fmt.Errorf("matching.max_notified must be > 0"))
	}
	if m.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("matching.concurrency must be > 0"))
	}
	switch m.Predicate {
	case PredicateHaversine:
	case PredicatePostGIS:
		if c.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("matching.predicate=postgis requires postgres.dsn"))
		}
	case PredicateOSRM:
		if m.OSRMEndpoint == "" {
			errs = append(errs, fmt.Errorf("matching.predicate=osrm requires matching.osrm_endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown matching.predicate %q", m.Predicate))
	}
	if (c.Redis.UseGeoIndex || c.Redis.UseLock) && c.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("redis.use_geo_index and redis.use_lock require redis.addr"))
	}
	if c.Redis.UseLock && c.Redis.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("redis.lock_ttl must be > 0"))
	}
	if c.Postgres.RunMigrations && c.Postgres.DSN == "" {
		errs = append(errs, fmt.Errorf("postgres.run_migrations requires postgres.dsn"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(in []string) []string {
	var out []string
	for _, v := range in {
		for _, r := range strings.Split(v, ",") {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}
