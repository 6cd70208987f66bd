// Package config loads cmd/conversationd's runtime configuration from
// environment variables, with an optional YAML override file layered on
// top. The env-var layer follows registry/cmd/registry/main.go's envOr/
// envIntOr/envDurationOr pattern, since that is how the teacher's own
// binaries configure themselves; the YAML layer is grounded on
// intelligencedev-manifold/internal/config/config.go's gopkg.in/yaml.v3
// Config struct, the pack's example of a YAML-driven config file, adapted
// here from a file-only load into an override applied on top of the
// env-populated defaults rather than replacing them wholesale.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// LogBackend selects the event log implementation cmd/conversationd
	// wires up.
	LogBackend string

	// BusBackend selects the subscription bus implementation.
	BusBackend string

	// Config is the fully resolved configuration for conversationd. It is
	// never itself unmarshaled from YAML (fileOverride is, then copied
	// across field by field), so it carries no yaml tags of its own.
	Config struct {
		// Addr is the wsrpc listen address.
		Addr string
		// HealthAddr is the listen address for the /healthz endpoint.
		HealthAddr string

		LogBackend LogBackend
		BusBackend BusBackend

		MongoURI      string
		MongoDatabase string

		RedisAddr     string
		RedisPassword string

		// HeartbeatInterval is the configured heartbeat period.
		// cmd/conversationd does not pass it to the wsrpc server, which
		// pings every 15s regardless.
		HeartbeatInterval time.Duration
		// RPCRateLimit is the configured per-connection inbound RPC rate
		// limit (requests/sec). cmd/conversationd does not pass it to the
		// wsrpc server, whose limiter is fixed at 20 requests/sec.
		RPCRateLimit float64
		// RPCRateBurst is the configured burst size paired with
		// RPCRateLimit; it is not passed on either, and the wsrpc server's
		// burst is fixed at 40.
		RPCRateBurst int
		// SubscriberBuffer is the configured per-subscriber queue capacity.
		// cmd/conversationd does not pass it to the bus, which uses its
		// default of 64 unless a subscriber sets bus.Options.Buffer.
		SubscriberBuffer int
	}

	// fileOverride is the YAML override file's shape (CONVERSATIOND_CONFIG_FILE).
	// Every field is a pointer so an absent key leaves Load's env-populated
	// default untouched; yaml.v3 only sets the pointers a document actually
	// mentions. HeartbeatInterval is read as a string and parsed with
	// time.ParseDuration, since yaml.v3 has no built-in time.Duration
	// unmarshaling.
	fileOverride struct {
		Addr              *string  `yaml:"addr"`
		HealthAddr        *string  `yaml:"healthAddr"`
		LogBackend        *string  `yaml:"logBackend"`
		BusBackend        *string  `yaml:"busBackend"`
		MongoURI          *string  `yaml:"mongoUri"`
		MongoDatabase     *string  `yaml:"mongoDatabase"`
		RedisAddr         *string  `yaml:"redisAddr"`
		RedisPassword     *string  `yaml:"redisPassword"`
		HeartbeatInterval *string  `yaml:"heartbeatInterval"`
		RPCRateLimit      *float64 `yaml:"rpcRateLimit"`
		RPCRateBurst      *int     `yaml:"rpcRateBurst"`
		SubscriberBuffer  *int     `yaml:"subscriberBuffer"`
	}
)

const (
	LogBackendInmem LogBackend = "inmem"
	LogBackendMongo LogBackend = "mongo"

	BusBackendInmem BusBackend = "inmem"
	BusBackendRedis BusBackend = "redis"
)

// Load reads configuration from environment variables, applying defaults
// for anything unset, then layers a YAML override file on top when
// CONVERSATIOND_CONFIG_FILE names one. The override file only needs to
// mention the keys it wants to change; everything else keeps its env value.
func Load() (Config, error) {
	cfg := Config{
		Addr:              envOr("CONVERSATIOND_ADDR", ":8080"),
		HealthAddr:        envOr("CONVERSATIOND_HEALTH_ADDR", ":8081"),
		LogBackend:        LogBackend(envOr("CONVERSATIOND_LOG_BACKEND", string(LogBackendInmem))),
		BusBackend:        BusBackend(envOr("CONVERSATIOND_BUS_BACKEND", string(BusBackendInmem))),
		MongoURI:          envOr("CONVERSATIOND_MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:     envOr("CONVERSATIOND_MONGO_DATABASE", "concord"),
		RedisAddr:         envOr("CONVERSATIOND_REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("CONVERSATIOND_REDIS_PASSWORD"),
		HeartbeatInterval: envDurationOr("CONVERSATIOND_HEARTBEAT_INTERVAL", 15*time.Second),
		RPCRateLimit:      envFloatOr("CONVERSATIOND_RPC_RATE_LIMIT", 50),
		RPCRateBurst:      envIntOr("CONVERSATIOND_RPC_RATE_BURST", 100),
		SubscriberBuffer:  envIntOr("CONVERSATIOND_SUBSCRIBER_BUFFER", 64),
	}

	if path := os.Getenv("CONVERSATIOND_CONFIG_FILE"); path != "" {
		if err := applyFileOverride(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if cfg.LogBackend != LogBackendInmem && cfg.LogBackend != LogBackendMongo {
		return Config{}, fmt.Errorf("config: invalid CONVERSATIOND_LOG_BACKEND %q", cfg.LogBackend)
	}
	if cfg.BusBackend != BusBackendInmem && cfg.BusBackend != BusBackendRedis {
		return Config{}, fmt.Errorf("config: invalid CONVERSATIOND_BUS_BACKEND %q", cfg.BusBackend)
	}
	return cfg, nil
}

// applyFileOverride reads path as YAML and overlays onto cfg whichever
// fields the document sets, leaving the rest of cfg (already populated from
// the environment) untouched.
func applyFileOverride(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read override file: %w", err)
	}
	var o fileOverride
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("config: parse override file: %w", err)
	}

	if o.Addr != nil {
		cfg.Addr = *o.Addr
	}
	if o.HealthAddr != nil {
		cfg.HealthAddr = *o.HealthAddr
	}
	if o.LogBackend != nil {
		cfg.LogBackend = LogBackend(*o.LogBackend)
	}
	if o.BusBackend != nil {
		cfg.BusBackend = BusBackend(*o.BusBackend)
	}
	if o.MongoURI != nil {
		cfg.MongoURI = *o.MongoURI
	}
	if o.MongoDatabase != nil {
		cfg.MongoDatabase = *o.MongoDatabase
	}
	if o.RedisAddr != nil {
		cfg.RedisAddr = *o.RedisAddr
	}
	if o.RedisPassword != nil {
		cfg.RedisPassword = *o.RedisPassword
	}
	if o.HeartbeatInterval != nil {
		d, err := time.ParseDuration(*o.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("config: invalid heartbeatInterval %q: %w", *o.HeartbeatInterval, err)
		}
		cfg.HeartbeatInterval = d
	}
	if o.RPCRateLimit != nil {
		cfg.RPCRateLimit = *o.RPCRateLimit
	}
	if o.RPCRateBurst != nil {
		cfg.RPCRateBurst = *o.RPCRateBurst
	}
	if o.SubscriberBuffer != nil {
		cfg.SubscriberBuffer = *o.SubscriberBuffer
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
