// Package config loads the service configuration from YAML files and
// FLASHCUR_-prefixed environment variables, applies defaults and validates
// the result before anything starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/cache"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/gateway"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/ingest"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/scheduler"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`

	// IngestKey authenticates the feed push endpoint; empty disables it.
	IngestKey string `mapstructure:"ingest_key" yaml:"ingest_key"`
}

// IdentityConfig selects the identity backend.
type IdentityConfig struct {
	// Driver is postgres in production and sqlite for local runs.
	Driver    string `mapstructure:"driver" yaml:"driver" validate:"oneof=postgres sqlite"`
	DSN       string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret" validate:"required,min=16"`
}

// Config is the full service configuration.
type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment" validate:"oneof=development staging production"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`

	// Bus selects the fan-out backend. Redis reuses the cache connection;
	// kafka runs the bus over a topic while Redis still serves snapshots.
	Bus string `mapstructure:"bus" yaml:"bus" validate:"oneof=redis kafka"`

	Server    ServerConfig      `mapstructure:"server" yaml:"server"`
	Gateway   gateway.Config    `mapstructure:"gateway" yaml:"gateway"`
	Redis     cache.RedisConfig `mapstructure:"redis" yaml:"redis"`
	Kafka     cache.KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
	Scheduler scheduler.Config  `mapstructure:"scheduler" yaml:"scheduler"`
	Ingest    ingest.Config     `mapstructure:"ingest" yaml:"ingest"`
	Identity  IdentityConfig    `mapstructure:"identity" yaml:"identity"`
}

// Default returns the development baseline every load starts from.
func Default() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		Bus:         "redis",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Gateway: gateway.DefaultConfig(),
		Redis:   cache.DefaultRedisConfig(),
		Kafka: cache.KafkaConfig{
			Topic:   "flashcur.market.updates",
			GroupID: "flashcur",
		},
		Ingest: ingest.DefaultConfig(),
		Identity: IdentityConfig{
			Driver: "sqlite",
			DSN:    "flashcur.db",
		},
	}
}

// Load reads the given config files (missing ones are skipped), layers
// FLASHCUR_ environment variables on top and validates the merged result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("FLASHCUR")

	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{"./config.yaml", "./configs/config.yaml", "/etc/flashcur/config.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key with viper so AutomaticEnv can override
// values that never appear in a file.
func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("environment", def.Environment)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("bus", def.Bus)

	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", def.Server.CORSOrigins)
	v.SetDefault("server.ingest_key", def.Server.IngestKey)

	v.SetDefault("gateway.read_buffer_size", def.Gateway.ReadBufferSize)
	v.SetDefault("gateway.write_buffer_size", def.Gateway.WriteBufferSize)
	v.SetDefault("gateway.send_buffer_size", def.Gateway.SendBufferSize)
	v.SetDefault("gateway.max_message_size", def.Gateway.MaxMessageSize)
	v.SetDefault("gateway.ping_interval", def.Gateway.PingInterval)
	v.SetDefault("gateway.pong_timeout", def.Gateway.PongTimeout)
	v.SetDefault("gateway.write_timeout", def.Gateway.WriteTimeout)
	v.SetDefault("gateway.allowed_origins", def.Gateway.AllowedOrigins)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.op_timeout", def.Redis.OpTimeout)

	v.SetDefault("kafka.brokers", def.Kafka.Brokers)
	v.SetDefault("kafka.topic", def.Kafka.Topic)
	v.SetDefault("kafka.group_id", def.Kafka.GroupID)

	v.SetDefault("scheduler.alert_rate_capacity", def.Scheduler.AlertRateCapacity)
	v.SetDefault("scheduler.alert_rate_refill", def.Scheduler.AlertRateRefill)

	v.SetDefault("ingest.snapshot_ttl", def.Ingest.SnapshotTTL)

	v.SetDefault("identity.driver", def.Identity.Driver)
	v.SetDefault("identity.dsn", def.Identity.DSN)
	v.SetDefault("identity.jwt_secret", def.Identity.JWTSecret)
}

func validate(cfg *Config) error {
	val := validator.New()
	if err := val.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			fields := make([]string, 0, len(errs))
			for _, fe := range errs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Bus == "kafka" && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("invalid configuration: kafka bus selected without brokers")
	}
	return nil
}
