package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Host           string `yaml:"host"`
	AllowedOrigins string `yaml:"allowed_origins"`
}

// Addr returns the host:port the server binds to.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// QueueConfig holds the SQS dispatch queue settings.
type QueueConfig struct {
	URL                string `yaml:"url"`
	FeedbackURL        string `yaml:"feedback_url"`
	Region             string `yaml:"region"`
	AccessKey          string `yaml:"access_key"`
	SecretKey          string `yaml:"secret_key"`
	ChunkConcurrency   int    `yaml:"chunk_concurrency"`
	SendTimeoutSeconds int    `yaml:"send_timeout_seconds"`
}

// SendTimeout returns the per-network-call timeout for queue submissions.
func (c QueueConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// RedisConfig holds the Redis connection settings for locks and rate limiting.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig holds delivery engine tuning knobs.
type EngineConfig struct {
	MaxSendingLimit       int     `yaml:"max_sending_limit"`
	EnqueueRatePerMinute  int     `yaml:"enqueue_rate_per_minute"`
	MaxPendingBatches     int64   `yaml:"max_pending_batches"`
	RetentionDays         int     `yaml:"retention_days"`
	DispatchIntervalSecs  int     `yaml:"dispatch_interval_seconds"`
	RetryIntervalSecs     int     `yaml:"retry_interval_seconds"`
	JanitorIntervalMins   int     `yaml:"janitor_interval_minutes"`
	RequiredOpenRate      float64 `yaml:"required_open_rate"`
	RequiredDeliveryRate  float64 `yaml:"required_delivery_rate"`
	MaxWarmupBounceRate   float64 `yaml:"max_warmup_bounce_rate"`
}

// Retention returns the queue-message retention window.
func (c EngineConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// DispatchInterval returns how often the due-batch dispatcher wakes up.
func (c EngineConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSecs) * time.Second
}

// RetryInterval returns how often failed batches are re-examined.
func (c EngineConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSecs) * time.Second
}

// JanitorInterval returns how often terminal queue messages are collected.
func (c EngineConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalMins) * time.Minute
}

// ArchiveConfig holds S3 archival settings for garbage-collected records.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	Region   string `yaml:"region"`
}

// Load reads and parses the configuration file, applying defaults for
// anything the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Queue.Region == "" {
		cfg.Queue.Region = "us-west-2"
	}
	if cfg.Queue.ChunkConcurrency == 0 {
		cfg.Queue.ChunkConcurrency = 4
	}
	if cfg.Queue.SendTimeoutSeconds == 0 {
		cfg.Queue.SendTimeoutSeconds = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Engine.MaxSendingLimit == 0 {
		cfg.Engine.MaxSendingLimit = 200
	}
	if cfg.Engine.EnqueueRatePerMinute == 0 {
		cfg.Engine.EnqueueRatePerMinute = 600
	}
	if cfg.Engine.MaxPendingBatches == 0 {
		cfg.Engine.MaxPendingBatches = 100000
	}
	if cfg.Engine.RetentionDays == 0 {
		cfg.Engine.RetentionDays = 14
	}
	if cfg.Engine.DispatchIntervalSecs == 0 {
		cfg.Engine.DispatchIntervalSecs = 30
	}
	if cfg.Engine.RetryIntervalSecs == 0 {
		cfg.Engine.RetryIntervalSecs = 300
	}
	if cfg.Engine.JanitorIntervalMins == 0 {
		cfg.Engine.JanitorIntervalMins = 60
	}
	if cfg.Engine.RequiredOpenRate == 0 {
		cfg.Engine.RequiredOpenRate = 10
	}
	if cfg.Engine.RequiredDeliveryRate == 0 {
		cfg.Engine.RequiredDeliveryRate = 90
	}
	if cfg.Engine.MaxWarmupBounceRate == 0 {
		cfg.Engine.MaxWarmupBounceRate = 5
	}
	if cfg.Archive.S3Prefix == "" {
		cfg.Archive.S3Prefix = "queue-archive"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = cfg.Queue.Region
	}
}

// LoadFromEnv loads config.yaml and then overrides from environment variables,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		// Container deploys often carry no config file at all.
		cfg = &Config{}
		applyDefaults(cfg)
	} else if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DISPATCH_QUEUE_URL"); v != "" {
		cfg.Queue.URL = v
	}
	if v := os.Getenv("FEEDBACK_QUEUE_URL"); v != "" {
		cfg.Queue.FeedbackURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Queue.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Queue.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Queue.SecretKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	return cfg, nil
}
