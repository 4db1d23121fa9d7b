package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Feedhub FeedhubConfig `yaml:"feedhub"`
	Feed    FeedConfig    `yaml:"feed"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Writer  WriterConfig  `yaml:"writer"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type FeedhubConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	URL                 string        `yaml:"url"`
	APIKey              string        `yaml:"api_key"`
	Stream              string        `yaml:"stream"`
	Symbols             []string      `yaml:"symbols"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	StaleThreshold      time.Duration `yaml:"stale_threshold"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
}

type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

type WriterConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	WhaleThreshold float64       `yaml:"whale_threshold"`
	QueueWarnDepth int           `yaml:"queue_warn_depth"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	DSN      string `yaml:"dsn"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ServerConfig struct {
	Address           string        `yaml:"address"`
	DefaultLimit      int           `yaml:"default_limit"`
	MaxLimit          int           `yaml:"max_limit"`
	ReconnectCooldown time.Duration `yaml:"reconnect_cooldown"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Region    string        `yaml:"region"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override secrets from environment variables if available
	if v := os.Getenv("FEED_API_KEY"); v != "" {
		config.Feed.APIKey = strings.TrimSpace(v)
	}
	if config.Storage.Postgres.Enabled {
		if v := os.Getenv("POSTGRES_DSN"); v != "" {
			config.Storage.Postgres.DSN = strings.TrimSpace(v)
		}
		if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
			config.Storage.Postgres.Password = strings.TrimSpace(v)
		}
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Feed.ReconnectBaseDelay <= 0 {
		cfg.Feed.ReconnectBaseDelay = 5 * time.Second
	}
	if cfg.Feed.ReconnectMaxDelay <= 0 {
		cfg.Feed.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.Feed.StaleThreshold <= 0 {
		cfg.Feed.StaleThreshold = 60 * time.Second
	}
	if cfg.Feed.HealthCheckInterval <= 0 {
		cfg.Feed.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Feed.PingInterval <= 0 {
		cfg.Feed.PingInterval = 15 * time.Second
	}
	if cfg.Feed.WriteTimeout <= 0 {
		cfg.Feed.WriteTimeout = 5 * time.Second
	}
	if cfg.Buffer.Capacity <= 0 {
		cfg.Buffer.Capacity = 5000
	}
	if cfg.Writer.BatchSize <= 0 {
		cfg.Writer.BatchSize = 50
	}
	if cfg.Writer.FlushInterval <= 0 {
		cfg.Writer.FlushInterval = 5 * time.Second
	}
	if cfg.Writer.WriteTimeout <= 0 {
		cfg.Writer.WriteTimeout = 10 * time.Second
	}
	if cfg.Writer.WhaleThreshold <= 0 {
		cfg.Writer.WhaleThreshold = 250_000
	}
	if cfg.Writer.QueueWarnDepth <= 0 {
		cfg.Writer.QueueWarnDepth = 10_000
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "0.0.0.0:8090"
	}
	if cfg.Server.DefaultLimit <= 0 {
		cfg.Server.DefaultLimit = 25
	}
	if cfg.Server.MaxLimit <= 0 {
		cfg.Server.MaxLimit = 500
	}
	if cfg.Server.ReconnectCooldown <= 0 {
		cfg.Server.ReconnectCooldown = 10 * time.Second
	}
	if cfg.Metrics.CloudWatch.Interval <= 0 {
		cfg.Metrics.CloudWatch.Interval = time.Minute
	}
	if cfg.Metrics.CloudWatch.Namespace == "" {
		cfg.Metrics.CloudWatch.Namespace = "Feedhub"
	}
	if cfg.Storage.Postgres.Port == 0 {
		cfg.Storage.Postgres.Port = 5432
	}
	if cfg.Storage.Postgres.SSLMode == "" {
		cfg.Storage.Postgres.SSLMode = "disable"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Feedhub.Name == "" {
		return fmt.Errorf("feedhub.name is required")
	}

	if cfg.Feedhub.Version == "" {
		return fmt.Errorf("feedhub.version is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}

	if cfg.Feed.Stream == "" {
		return fmt.Errorf("feed.stream is required")
	}

	if cfg.Feed.ReconnectMaxDelay < cfg.Feed.ReconnectBaseDelay {
		return fmt.Errorf("feed.reconnect_max_delay must not be smaller than feed.reconnect_base_delay")
	}

	if cfg.Storage.Postgres.Enabled {
		if cfg.Storage.Postgres.DSN == "" {
			if cfg.Storage.Postgres.Host == "" {
				return fmt.Errorf("storage.postgres.host or storage.postgres.dsn is required when postgres is enabled")
			}
			if cfg.Storage.Postgres.Database == "" {
				return fmt.Errorf("storage.postgres.database is required when postgres is enabled")
			}
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
