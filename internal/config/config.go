package config

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. SETTLEMENT_GATEWAY_MODE.
const EnvPrefix = "SETTLEMENT"

// Config top-level struct
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"server"`
	Storage     StorageConfig     `yaml:"storage" envconfig:"storage"`
	Postgres    PostgresConfig    `yaml:"postgres" envconfig:"postgres"`
	Redis       RedisConfig       `yaml:"redis" envconfig:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka" envconfig:"kafka"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" envconfig:"ratelimit"`
	Gateway     GatewayConfig     `yaml:"gateway" envconfig:"gateway"`
	Worker      WorkerConfig      `yaml:"worker" envconfig:"worker"`
	Outbox      OutboxConfig      `yaml:"outbox" envconfig:"outbox"`
	Idempotency IdempotencyConfig `yaml:"idempotency" envconfig:"idempotency"`
	Log         LogConfig         `yaml:"log" envconfig:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port" envconfig:"port"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type StorageConfig struct {
	Driver string `yaml:"driver" envconfig:"driver"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" envconfig:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"addr"`
	Password string `yaml:"password" envconfig:"password"`
	DB       int    `yaml:"db" envconfig:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"brokers"`
	Topic   string   `yaml:"topic" envconfig:"topic"`
	GroupID string   `yaml:"group_id" envconfig:"group_id"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps" envconfig:"rps"`
	Burst int `yaml:"burst" envconfig:"burst"`
}

// GatewayConfig drives the settlement simulator.
type GatewayConfig struct {
	Mode            string        `yaml:"mode" envconfig:"mode"`
	FailRate        float64       `yaml:"fail_rate" envconfig:"fail_rate"`
	SettlementDelay time.Duration `yaml:"settlement_delay" envconfig:"settlement_delay"`
	CallbackURL     string        `yaml:"callback_url" envconfig:"callback_url"`
	BaseBackoff     time.Duration `yaml:"base_backoff" envconfig:"base_backoff"`
	MaxRetries      int           `yaml:"max_retries" envconfig:"max_retries"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"timeout"`
}

type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency" envconfig:"concurrency"`
	Attempts    int           `yaml:"attempts" envconfig:"attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff" envconfig:"base_backoff"`
	QueueSize   int           `yaml:"queue_size" envconfig:"queue_size"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"poll_interval"`
	BatchSize    int           `yaml:"batch_size" envconfig:"batch_size"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl" envconfig:"ttl"`
}

type LogConfig struct {
	Level string `yaml:"level" envconfig:"level"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Storage:   StorageConfig{Driver: DriverMemory},
		Kafka:     KafkaConfig{Topic: "credit-balance", GroupID: "credit-worker"},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		Gateway: GatewayConfig{
			Mode:            "ALWAYS_OK",
			FailRate:        0.1,
			SettlementDelay: 20 * time.Second,
			CallbackURL:     "http://localhost:8080/v1/webhooks/gateway/settlement",
			BaseBackoff:     time.Second,
			MaxRetries:      3,
			Timeout:         5 * time.Second,
		},
		Worker:      WorkerConfig{Concurrency: 5, Attempts: 3, BaseBackoff: time.Second, QueueSize: 1024},
		Outbox:      OutboxConfig{PollInterval: time.Second, BatchSize: 100},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		Log:         LogConfig{Level: "info"},
	}
}

// Load reads yaml file over the defaults, then applies SETTLEMENT_* env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	return &cfg, nil
}
