package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Bus and store backends
const (
	BusNATS    = "nats"
	BusMemory  = "memory"
	StoreBolt  = "bolt"
	StoreRedis = "redis"
)

// Config holds the gateway configuration.
// Priority: flags > environment > .env file > defaults.
type Config struct {
	NodeID   string `env:"RELAY_NODE_ID"`
	HTTPAddr string `env:"RELAY_HTTP_ADDR" envDefault:":8080"`

	// Bus
	Bus              string        `env:"RELAY_BUS" envDefault:"nats"`
	NATSURL          string        `env:"RELAY_NATS_URL" envDefault:"nats://localhost:4222"`
	BusSubject       string        `env:"RELAY_BUS_SUBJECT" envDefault:"relay.envelopes"`
	NATSReconnect    time.Duration `env:"RELAY_NATS_RECONNECT_WAIT" envDefault:"2s"`
	AnalyticsSubject string        `env:"RELAY_ANALYTICS_SUBJECT"`

	// Presence store
	Store          string `env:"RELAY_STORE" envDefault:"bolt"`
	DataDir        string `env:"RELAY_DATA_DIR" envDefault:"./data"`
	StoreName      string `env:"RELAY_STORE_NAME" envDefault:"presence"`
	RedisAddr      string `env:"RELAY_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"RELAY_REDIS_PASSWORD"`
	RedisDB        int    `env:"RELAY_REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"RELAY_REDIS_KEY_PREFIX" envDefault:"relay"`

	// Presence
	ActivityThreshold time.Duration `env:"RELAY_ACTIVITY_THRESHOLD" envDefault:"5m"`
	OutboundBuffer    int           `env:"RELAY_OUTBOUND_BUFFER" envDefault:"64"`

	// WebSocket clients
	WSIdleTimeout time.Duration `env:"RELAY_WS_IDLE_TIMEOUT" envDefault:"10m"`
	WSFrameRate   float64       `env:"RELAY_WS_FRAME_RATE" envDefault:"10"`
	WSFrameBurst  int           `env:"RELAY_WS_FRAME_BURST" envDefault:"50"`

	// Operations
	MetricsInterval time.Duration `env:"RELAY_METRICS_INTERVAL" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON         bool          `env:"LOG_JSON" envDefault:"true"`
}

// Load reads the optional .env files (default ".env") and then the
// environment. A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return parse(env.Options{})
}

// FromMap parses configuration from vars instead of the process environment
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("RELAY_HTTP_ADDR is required")
	}

	switch c.Bus {
	case BusNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("RELAY_NATS_URL is required for the nats bus")
		}
		if c.BusSubject == "" {
			return fmt.Errorf("RELAY_BUS_SUBJECT is required for the nats bus")
		}
	case BusMemory:
		if c.AnalyticsSubject != "" {
			return fmt.Errorf("RELAY_ANALYTICS_SUBJECT requires the nats bus")
		}
	default:
		return fmt.Errorf("RELAY_BUS must be one of: nats, memory (got: %s)", c.Bus)
	}

	switch c.Store {
	case StoreBolt:
		if c.DataDir == "" || c.StoreName == "" {
			return fmt.Errorf("RELAY_DATA_DIR and RELAY_STORE_NAME are required for the bolt store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("RELAY_REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("RELAY_STORE must be one of: bolt, redis (got: %s)", c.Store)
	}

	if c.ActivityThreshold < 0 {
		return fmt.Errorf("RELAY_ACTIVITY_THRESHOLD must be >= 0, got %s", c.ActivityThreshold)
	}
	if c.OutboundBuffer < 1 {
		return fmt.Errorf("RELAY_OUTBOUND_BUFFER must be > 0, got %d", c.OutboundBuffer)
	}

	if c.WSFrameRate <= 0 || c.WSFrameBurst < 1 {
		return fmt.Errorf("RELAY_WS_FRAME_RATE and RELAY_WS_FRAME_BURST must be > 0")
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	return nil
}

// LogConfig logs the effective configuration. Secrets are omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("node_id", c.NodeID).
		Str("http_addr", c.HTTPAddr).
		Str("bus", c.Bus).
		Str("nats_url", c.NATSURL).
		Str("bus_subject", c.BusSubject).
		Str("analytics_subject", c.AnalyticsSubject).
		Str("store", c.Store).
		Str("data_dir", c.DataDir).
		Str("store_name", c.StoreName).
		Str("redis_addr", c.RedisAddr).
		Int("redis_db", c.RedisDB).
		Dur("activity_threshold", c.ActivityThreshold).
		Int("outbound_buffer", c.OutboundBuffer).
		Dur("ws_idle_timeout", c.WSIdleTimeout).
		Float64("ws_frame_rate", c.WSFrameRate).
		Int("ws_frame_burst", c.WSFrameBurst).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Msg("Configuration loaded")
}
