package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"phiguard/internal/audit"
	"phiguard/internal/platform/kafka"
	"phiguard/internal/retention/models"
)

// EnvPrefix namespaces environment overrides, e.g. PHIGUARD_REDIS_URL
// overrides redis.url.
const EnvPrefix = "PHIGUARD"

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     kafka.Config    `mapstructure:"kafka"`
	Audit     audit.Config    `mapstructure:"audit"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig captures the ops HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig selects the slog handler and optional rotating file output.
type LoggingConfig struct {
	Level  string        `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string        `mapstructure:"format" validate:"oneof=json text"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig is handed to lumberjack. An empty Path disables file output.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// PostgresConfig holds the audit store connection. An empty DSN selects the
// in-memory audit store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"gte=0"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig holds the permission and hold store connection. An empty URL
// selects in-memory stores.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size" validate:"gte=0"`
	MinIdleConns int           `mapstructure:"min_idle_conns" validate:"gte=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

// RetentionConfig drives the scheduled sweep. Policies replace the built-in
// defaults when non-empty.
type RetentionConfig struct {
	Policies     []models.Policy `mapstructure:"policies" validate:"dive"`
	Interval     time.Duration   `mapstructure:"interval" validate:"gte=0"`
	SweepTimeout time.Duration   `mapstructure:"sweep_timeout" validate:"gte=0"`
	DeleteRate   float64         `mapstructure:"delete_rate" validate:"gte=0"`
	DeleteBurst  int             `mapstructure:"delete_burst" validate:"gte=0"`
	Concurrency  int             `mapstructure:"concurrency" validate:"gte=0"`
	DryRun       bool            `mapstructure:"dry_run"`
	ApprovedBy   string          `mapstructure:"approved_by"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.conn_max_lifetime", 15*time.Minute)
	v.SetDefault("postgres.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "phiguard")
	v.SetDefault("kafka.topic", "phiguard.events")
	v.SetDefault("kafka.partitions", 1)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 5*time.Second)
	v.SetDefault("audit.flush_timeout", 10*time.Second)
	v.SetDefault("audit.max_buffered", 10000)
	v.SetDefault("audit.ip_hash_key", "")

	v.SetDefault("retention.interval", 24*time.Hour)
	v.SetDefault("retention.sweep_timeout", 30*time.Minute)
	v.SetDefault("retention.delete_rate", 0)
	v.SetDefault("retention.delete_burst", 1)
	v.SetDefault("retention.concurrency", 4)
	v.SetDefault("retention.dry_run", false)
	v.SetDefault("retention.approved_by", "")
}

// Load reads the YAML file at path, if any, then applies PHIGUARD_*
// environment overrides. A missing file is not an error; every key has a
// default.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
