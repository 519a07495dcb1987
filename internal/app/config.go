package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/codegraph-triangulation/internal/data/graph"
	jobworker "github.com/yungbote/codegraph-triangulation/internal/jobs/worker"
	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/temporalx"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/eventbus"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/llmpolicy"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/outbox"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/producer"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/supervisor"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	HTTPAddr     string
	AllowOrigins []string

	DBBackend      string
	SQLitePath     string
	StoreBackend   string
	CounterBackend string
	BusBackend     string

	RunTimeout   time.Duration
	ManifestTTL  time.Duration
	CounterTTL   time.Duration
	Extensions   []string
	MaxFileBytes int64
	MaxEntities  int

	MemoryBusMaxDeliveries   int
	MemoryBusRedeliveryDelay time.Duration

	Worker     jobworker.Config
	LLM        llmpolicy.Config
	Producer   producer.Config
	Outbox     outbox.Config
	Supervisor supervisor.Config
	GraphSync  graph.SyncConfig
	RedisBus   eventbus.RedisConfig
	Temporal   temporalx.Config
}

// LoadConfig reads .env, then the YAML overlay named by TRIANGULATION_CONFIG,
// then the process environment. Variables already set in the environment win
// over both files.
func LoadConfig(log *logger.Logger) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if path := envutil.String("TRIANGULATION_CONFIG", ""); path != "" {
		n, err := applyOverlay(path)
		if err != nil {
			return Config{}, err
		}
		log.Info("config overlay applied", "path", path, "keys", n)
	}

	cfg := Config{
		HTTPAddr:     envutil.String("HTTP_ADDR", ":8080"),
		AllowOrigins: splitList(envutil.String("CORS_ALLOW_ORIGINS", "")),

		DBBackend:      strings.ToLower(envutil.String("DB_BACKEND", BackendPostgres)),
		SQLitePath:     envutil.String("SQLITE_PATH", ""),
		StoreBackend:   strings.ToLower(envutil.String("STORE_BACKEND", BackendPostgres)),
		CounterBackend: strings.ToLower(envutil.String("COUNTER_BACKEND", BackendPostgres)),
		BusBackend:     strings.ToLower(envutil.String("BUS_BACKEND", BackendMemory)),

		RunTimeout:   envutil.Seconds("RUN_TIMEOUT_SECONDS", 30*time.Minute),
		ManifestTTL:  envutil.Seconds("MANIFEST_TTL_SECONDS", 7*24*time.Hour),
		CounterTTL:   envutil.Seconds("COUNTER_TTL_SECONDS", 7*24*time.Hour),
		Extensions:   splitList(envutil.String("SOURCE_EXTENSIONS", ".go,.py,.js,.ts,.java,.rs,.rb")),
		MaxFileBytes: int64(envutil.Int("SOURCE_MAX_FILE_BYTES", 512*1024)),
		MaxEntities:  envutil.Int("MANIFEST_MAX_ENTITIES", 0),

		MemoryBusMaxDeliveries:   envutil.Int("EVIDENCE_STREAM_MAX_DELIVERIES", 10),
		MemoryBusRedeliveryDelay: envutil.Millis("MEMORY_BUS_REDELIVERY_MS", 500*time.Millisecond),

		Worker:     jobworker.ConfigFromEnv(),
		LLM:        llmpolicy.ConfigFromEnv(),
		Producer:   producer.ConfigFromEnv(),
		Outbox:     outbox.ConfigFromEnv(),
		Supervisor: supervisor.ConfigFromEnv(),
		GraphSync:  graph.SyncConfigFromEnv(),
		RedisBus:   eventbus.RedisConfigFromEnv(),
		Temporal:   temporalx.LoadConfig(),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	checks := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"DB_BACKEND", c.DBBackend, []string{BackendPostgres, BackendSQLite}},
		{"STORE_BACKEND", c.StoreBackend, []string{BackendPostgres, BackendRedis, BackendMemory}},
		{"COUNTER_BACKEND", c.CounterBackend, []string{BackendPostgres, BackendRedis, BackendMemory}},
		{"BUS_BACKEND", c.BusBackend, []string{BackendRedis, BackendMemory}},
	}
	for _, chk := range checks {
		ok := false
		for _, a := range chk.allowed {
			if chk.value == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid %s %q (want one of %s)", chk.name, chk.value, strings.Join(chk.allowed, "|"))
		}
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("RUN_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// NeedsRedis reports whether any backend selection requires REDIS_ADDR.
func (c Config) NeedsRedis() bool {
	return c.StoreBackend == BackendRedis || c.CounterBackend == BackendRedis || c.BusBackend == BackendRedis
}

// overlayFile is the YAML overlay. Keys under env are environment variable
// names; scalar values are stringified.
type overlayFile struct {
	Env map[string]any `yaml:"env"`
}

func applyOverlay(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read config overlay: %w", err)
	}
	var overlay overlayFile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return 0, fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	n := 0
	for key, raw := range overlay.Env {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		val, err := scalarString(raw)
		if err != nil {
			return n, fmt.Errorf("config overlay key %s: %w", key, err)
		}
		if err := os.Setenv(key, val); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, err := scalarString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
