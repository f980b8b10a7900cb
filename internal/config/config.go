// Package config assembles the service configuration from tier defaults,
// an optional YAML file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Load builds the configuration. Order of precedence, lowest first:
// tier defaults (KESTREL_TIER), the YAML file named by KESTREL_CONFIG, environment.
// A .env file in the working directory is loaded first when present.
func Load() (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv("KESTREL_CONFIG"); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML file onto cfg. Keys absent from the file keep their values.
func LoadFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	slog.Debug("config file applied", "path", path)
	return nil
}

func applyEnv(cfg *domain.Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("KESTREL_HOST", &cfg.Server.Host)
	num("KESTREL_PORT", &cfg.Server.Port)
	num("KESTREL_MAX_BATCH_SIZE", &cfg.Server.MaxBatchSize)

	str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	str("KESTREL_LOG_FORMAT", &cfg.Logging.Format)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	str("KESTREL_DB_DRIVER", &cfg.Repository.Driver)
	str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("KESTREL_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("KESTREL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("KESTREL_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	num("KESTREL_REDIS_DB", &cfg.Cache.RedisDB)
	dur("KESTREL_RESULT_TTL", &cfg.Cache.ResultTTL)

	str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("KESTREL_NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	flag("KESTREL_GRAPH_ENABLED", &cfg.Graph.Enabled)
	str("KESTREL_NEO4J_URI", &cfg.Graph.URI)
	str("KESTREL_NEO4J_DATABASE", &cfg.Graph.Database)
	str("KESTREL_NEO4J_USER", &cfg.Graph.Username)
	str("KESTREL_NEO4J_PASSWORD", &cfg.Graph.Password)

	flag("KESTREL_ASYNC_WORKER", &cfg.Worker.Enabled)
	num("KESTREL_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	if v := os.Getenv("KESTREL_TENANTS"); v != "" {
		cfg.Worker.TenantIDs = splitList(v)
	}

	flag("KESTREL_MODEL_ENABLED", &cfg.Model.Enabled)
	if v, ok := os.LookupEnv("KESTREL_MODEL_SEED"); ok {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("KESTREL_MODEL_SEED: %w", err))
		} else {
			cfg.Model.Seed = seed
		}
	}

	dur("KESTREL_TIME_WINDOW", &cfg.Engine.Linking.TimeWindow)
	dur("KESTREL_SINK_TIMEOUT", &cfg.Engine.SinkTimeout)

	flag("KESTREL_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("KESTREL_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	flag("KESTREL_OTLP_INSECURE", &cfg.Tracing.Insecure)
	flag("KESTREL_METRICS_ENABLED", &cfg.Metrics.Enabled)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *domain.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Server.Port > 0 && cfg.Server.Port < 65536, "server port %d out of range", cfg.Server.Port)
	check(cfg.Server.MaxBatchSize > 0, "maxBatchSize must be positive")
	check(cfg.Repository.Driver == "sqlite" || cfg.Repository.Driver == "postgres", "unsupported repository driver %q", cfg.Repository.Driver)
	check(cfg.Cache.Type == "memory" || cfg.Cache.Type == "redis", "unsupported cache type %q", cfg.Cache.Type)
	check(cfg.EventBus.Type == "channel" || cfg.EventBus.Type == "nats", "unsupported event bus type %q", cfg.EventBus.Type)
	check(!cfg.Graph.Enabled || cfg.Graph.URI != "", "graph enabled without uri")

	eng := cfg.Engine
	check(eng.Linking.TimeWindow > 0, "linking time window must be positive")
	check(eng.Linking.BehaviorSimilarity > 0 && eng.Linking.BehaviorSimilarity <= 1, "behavior similarity must be in (0,1]")
	check(eng.Scoring.MediumThreshold < eng.Scoring.HighThreshold, "medium threshold must be below high threshold")

	ens := eng.Ensemble
	sum := ens.RuleWeight + ens.SupervisedWeight + ens.AnomalyWeight
	check(math.Abs(sum-1) < 1e-6, "ensemble weights must sum to 1, got %.4f", sum)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
