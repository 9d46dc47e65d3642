package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "AUCTION_"

type Config struct {
	ServiceName string `koanf:"service_name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	NATS      NATSConfig      `koanf:"nats"`
	Provider  ProviderConfig  `koanf:"provider"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Broadcast BroadcastConfig `koanf:"broadcast"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            string        `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// RedisConfig selects the distributed lock backend. An empty URL keeps locks in-process.
type RedisConfig struct {
	URL      string        `koanf:"url"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	LockTTL  time.Duration `koanf:"lock_ttl"`
}

type KafkaConfig struct {
	Brokers             []string `koanf:"brokers"`
	EventsTopic         string   `koanf:"events_topic"`
	AlertsTopic         string   `koanf:"alerts_topic"`
	ProviderEventsTopic string   `koanf:"provider_events_topic"`
	GroupID             string   `koanf:"group_id"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type NATSConfig struct {
	URL            string        `koanf:"url"`
	SubjectPrefix  string        `koanf:"subject_prefix"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type ProviderConfig struct {
	// Mode is "nats" or "simulated".
	Mode           string        `koanf:"mode"`
	WebhookSecret  string        `koanf:"webhook_secret"`
	CallTimeout    time.Duration `koanf:"call_timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

type SchedulerConfig struct {
	Interval          time.Duration `koanf:"interval"`
	SettlementWorkers int           `koanf:"settlement_workers"`
}

type BroadcastConfig struct {
	SubscriberBuffer int `koanf:"subscriber_buffer"`
}

type RateLimitConfig struct {
	BidsPerSecond float64 `koanf:"bids_per_second"`
	Burst         int     `koanf:"burst"`
}

type TelemetryConfig struct {
	TracingEnabled bool   `koanf:"tracing_enabled"`
	JaegerEndpoint string `koanf:"jaeger_endpoint"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		ServiceName: "auction-settlement",
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            "8082",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			LockTTL: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			EventsTopic:         "auction.events",
			AlertsTopic:         "auction.settlement.alerts",
			ProviderEventsTopic: "payment.provider.events",
			GroupID:             "auction-settlement",
		},
		NATS: NATSConfig{
			SubjectPrefix:  "payments",
			RequestTimeout: 5 * time.Second,
		},
		Provider: ProviderConfig{
			Mode:           "nats",
			CallTimeout:    5 * time.Second,
			MaxRetries:     4,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:          time.Second,
			SettlementWorkers: 4,
		},
		Broadcast: BroadcastConfig{
			SubscriberBuffer: 64,
		},
		RateLimit: RateLimitConfig{
			BidsPerSecond: 5,
			Burst:         10,
		},
		Telemetry: TelemetryConfig{
			JaegerEndpoint: "jaeger:4318",
		},
	}
}

// Load reads defaults, then the optional YAML file at path, then AUCTION_* environment variables.
// Nested keys use a double underscore: AUCTION_SERVER__PORT sets server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envValue(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "kafka.brokers" {
		return key, strings.Split(value, ",")
	}
	return key, value
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	switch c.Provider.Mode {
	case "nats":
		if c.NATS.URL == "" {
			return errors.New("nats.url is required when provider.mode is nats")
		}
	case "simulated":
	default:
		return fmt.Errorf("unknown provider.mode %q", c.Provider.Mode)
	}

	if c.Provider.WebhookSecret == "" {
		return errors.New("provider.webhook_secret is required")
	}
	if c.Scheduler.SettlementWorkers < 1 {
		return errors.New("scheduler.settlement_workers must be at least 1")
	}
	return nil
}
