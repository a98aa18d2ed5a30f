// Package config loads xaconn configuration from YAML files and XACONN_
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/attachment"
)

// EnvPrefix is prepended to every environment override, e.g.
// XACONN_DATABASE_DSN for database.dsn.
const EnvPrefix = "XACONN"

// Config is the complete xaconn configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" validate:"required"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Log         LogConfig         `mapstructure:"log"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// DatabaseConfig describes the resource manager connection. In-limbo
// completion holds one session while completing on another, so MaxConns
// must allow two.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn" validate:"required"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=2"`
}

type PoolConfig struct {
	MaxIdle int `mapstructure:"max_idle" validate:"min=0"`
}

// TransactionConfig holds the default transaction parameters.
type TransactionConfig struct {
	Isolation   string        `mapstructure:"isolation" validate:"oneof=read_committed repeatable_read snapshot serializable consistency"`
	ReadOnly    bool          `mapstructure:"read_only"`
	Wait        bool          `mapstructure:"wait"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"min=0"`
}

// RecoveryConfig controls the in-limbo audit trail.
type RecoveryConfig struct {
	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditDriver  string `mapstructure:"audit_driver" validate:"oneof=sqlite postgres"`
	AuditDSN     string `mapstructure:"audit_dsn" validate:"required_if=AuditEnabled true"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type AdminConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required,hostname_port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name" validate:"required"`
}

// TPB converts the transaction section into transaction parameters.
func (c TransactionConfig) TPB() (attachment.TPB, error) {
	isolation, err := attachment.ParseIsolation(c.Isolation)
	if err != nil {
		return attachment.TPB{}, err
	}
	return attachment.TPB{
		Isolation:   isolation,
		ReadOnly:    c.ReadOnly,
		Wait:        c.Wait,
		LockTimeout: c.LockTimeout,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)

	v.SetDefault("pool.max_idle", 8)

	v.SetDefault("transaction.isolation", "read_committed")
	v.SetDefault("transaction.read_only", false)
	v.SetDefault("transaction.wait", true)
	v.SetDefault("transaction.lock_timeout", time.Duration(0))

	v.SetDefault("recovery.audit_enabled", false)
	v.SetDefault("recovery.audit_driver", "sqlite")
	v.SetDefault("recovery.audit_dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("admin.addr", "127.0.0.1:8089")
	v.SetDefault("admin.allowed_origins", []string{})
	v.SetDefault("admin.shutdown_timeout", 10*time.Second)

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "xaconn")
}

// Load merges the existing files among paths in order, applies environment
// overrides and validates the result.
func Load(logger *zap.Logger, paths ...string) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		logger.Debug("No configuration files found, using defaults and environment variables")
	} else {
		logger.Info("Loaded configuration files", zap.Strings("files", loaded))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and the isolation name.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if _, err := cfg.Transaction.TPB(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
