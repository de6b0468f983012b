// Package config loads the bid engine settings from (in increasing priority)
// defaults, an optional YAML file, a .env file, BIDENGINE_* environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tunebytes/bid-engine/internal/ledger"
	"github.com/tunebytes/bid-engine/internal/reward"
)

// EnvPrefix prefixes every environment variable: server.port is read from
// BIDENGINE_SERVER_PORT.
const EnvPrefix = "BIDENGINE"

// ErrMissingSecret is returned when no ledger hash secret is configured.
var ErrMissingSecret = errors.New("config: ledger.hash_secret is required")

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Reward   RewardConfig   `mapstructure:"reward"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig enables the read-through cache and the shared dirty set.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// KafkaConfig enables the bid lifecycle consumer when Brokers is non-empty.
type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`
	Topic    string         `mapstructure:"topic"`
	GroupID  string         `mapstructure:"group_id"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type ConsumerConfig struct {
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RebalanceTimeout  time.Duration `mapstructure:"rebalance_timeout"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	BatchSize         int           `mapstructure:"batch_size"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
}

type LedgerConfig struct {
	HashSecret  string        `mapstructure:"hash_secret"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// Retry returns the ledger's retry settings.
func (c LedgerConfig) Retry() ledger.Config {
	return ledger.Config{MaxRetries: c.MaxRetries, BaseBackoff: c.BaseBackoff, MaxBackoff: c.MaxBackoff}
}

type RewardConfig struct {
	MaxBonus       string `mapstructure:"max_bonus"`
	DecayScale     int64  `mapstructure:"decay_scale"`
	FormulaVersion string `mapstructure:"formula_version"`
}

// Formula returns the reward constants.
func (c RewardConfig) Formula() (reward.Config, error) {
	bonus, err := decimal.NewFromString(c.MaxBonus)
	if err != nil {
		return reward.Config{}, fmt.Errorf("config: reward.max_bonus: %w", err)
	}
	return reward.Config{MaxBonus: bonus, DecayScale: c.DecayScale, FormulaVersion: c.FormulaVersion}, nil
}

// JobsConfig holds the cron specs (with seconds) and the job sizes. An empty
// schedule disables the job.
type JobsConfig struct {
	VerifySpec          string  `mapstructure:"verify_spec"`
	VerifyBatchSize     int     `mapstructure:"verify_batch_size"`
	RecomputeSpec       string  `mapstructure:"recompute_spec"`
	RewardRetrySpec     string  `mapstructure:"reward_retry_spec"`
	RewardRetryLimit    int     `mapstructure:"reward_retry_limit"`
	BackfillSpec        string  `mapstructure:"backfill_spec"`
	BackfillConcurrency int     `mapstructure:"backfill_concurrency"`
	BackfillRate        float64 `mapstructure:"backfill_rate"` // recomputes per second
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Logger returns a JSON slog logger at the configured level writing to w.
// An unknown level falls back to info.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Install makes the stdout logger the default.
func (c LogConfig) Install() {
	slog.SetDefault(c.Logger(os.Stdout))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "bids.lifecycle")
	v.SetDefault("kafka.group_id", "bid-engine")
	v.SetDefault("kafka.consumer.session_timeout", 10*time.Second)
	v.SetDefault("kafka.consumer.heartbeat_interval", 3*time.Second)
	v.SetDefault("kafka.consumer.rebalance_timeout", 60*time.Second)
	v.SetDefault("kafka.consumer.max_processing_time", 30*time.Second)
	v.SetDefault("kafka.consumer.batch_size", 32)
	v.SetDefault("kafka.consumer.batch_timeout", time.Second)

	retry := ledger.DefaultConfig()
	v.SetDefault("ledger.hash_secret", "")
	v.SetDefault("ledger.max_retries", retry.MaxRetries)
	v.SetDefault("ledger.base_backoff", retry.BaseBackoff)
	v.SetDefault("ledger.max_backoff", retry.MaxBackoff)

	formula := reward.DefaultConfig()
	v.SetDefault("reward.max_bonus", formula.MaxBonus.String())
	v.SetDefault("reward.decay_scale", formula.DecayScale)
	v.SetDefault("reward.formula_version", formula.FormulaVersion)

	v.SetDefault("jobs.verify_spec", "0 0 3 * * *")
	v.SetDefault("jobs.verify_batch_size", 500)
	v.SetDefault("jobs.recompute_spec", "*/30 * * * * *")
	v.SetDefault("jobs.reward_retry_spec", "0 * * * * *")
	v.SetDefault("jobs.reward_retry_limit", 200)
	v.SetDefault("jobs.backfill_spec", "")
	v.SetDefault("jobs.backfill_concurrency", 4)
	v.SetDefault("jobs.backfill_rate", 50.0)

	v.SetDefault("log.level", "info")
}

// flagKeys maps the flags RegisterFlags defines onto config keys.
var flagKeys = map[string]string{
	"port":         "server.port",
	"database-url": "database.url",
	"redis-url":    "redis.url",
	"hash-secret":  "ledger.hash_secret",
	"log-level":    "log.level",
}

// RegisterFlags adds the shared configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file (default ./configs/config.yaml)")
	fs.String("env-file", ".env", "path to a .env file loaded before reading the environment")
	fs.String("port", "", "HTTP listen port")
	fs.String("database-url", "", "PostgreSQL connection URL; empty uses the in-memory store")
	fs.String("redis-url", "", "Redis connection URL")
	fs.String("hash-secret", "", "ledger hash secret")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
}

// Load reads the configuration. fs may be nil; otherwise only flags that were
// set on the command line override other sources.
func Load(fs *pflag.FlagSet) (*Config, error) {
	envFile := ".env"
	if fs != nil {
		if f := fs.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The unprefixed names deployments already use.
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", EnvPrefix+"_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")

	var file string
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			file = f.Value.String()
		}
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Ledger.HashSecret == "" {
		return ErrMissingSecret
	}
	if _, err := c.Reward.Formula(); err != nil {
		return err
	}
	if c.Jobs.BackfillConcurrency <= 0 {
		return fmt.Errorf("config: jobs.backfill_concurrency must be positive")
	}
	return nil
}
