// Package config loads daemon configuration from a YAML file and
// SYNCWIRE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/syncwire/syncwire/internal/alert"
	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/repository/sqlite"
	"github.com/syncwire/syncwire/internal/service/delta"
	"github.com/syncwire/syncwire/internal/service/orchestrator"
	transporthttp "github.com/syncwire/syncwire/internal/transport/http"
	"github.com/syncwire/syncwire/internal/worker"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Transport TransportConfig `mapstructure:"transport"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Retention RetentionConfig `mapstructure:"retention"`
	Alerts    AlertConfig     `mapstructure:"alerts"`
	Log       LogConfig       `mapstructure:"log"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path" validate:"required"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	// EncryptionKey enables at-rest payload encryption when set,
	// base64-encoded 16/24/32 bytes.
	EncryptionKey string `mapstructure:"encryption_key"`
}

type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	ConflictPolicy string        `mapstructure:"conflict_policy" validate:"omitempty,oneof=lww server_wins client_wins manual"`
	Scopes         []string      `mapstructure:"scopes"`
	PullBatchSize  int           `mapstructure:"pull_batch_size"`
}

type TransportConfig struct {
	BaseURL      string        `mapstructure:"base_url" validate:"omitempty,url"`
	DeviceID     string        `mapstructure:"device_id"`
	DeviceSecret string        `mapstructure:"device_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
	ProbeTTL     time.Duration `mapstructure:"probe_ttl"`
}

// RedisConfig selects the cross-process broker. An empty URL keeps
// change notifications in-process.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,uri"`
}

type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"`
}

type AlertConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	SMTPHost         string        `mapstructure:"smtp_host"`
	SMTPPort         int           `mapstructure:"smtp_port"`
	SMTPUser         string        `mapstructure:"smtp_user"`
	SMTPPassword     string        `mapstructure:"smtp_password"`
	From             string        `mapstructure:"from" validate:"omitempty,email"`
	To               string        `mapstructure:"to" validate:"omitempty,email"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	// File switches output to a size-rotated file.
	File string `mapstructure:"file"`
	JSON bool   `mapstructure:"json"`
}

// MonitorConfig is the daemon's own health and metrics listener.
type MonitorConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads configuration. With an explicit path the file must exist;
// otherwise the usual locations are searched and defaults plus
// environment variables suffice on their own.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("syncwire")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.syncwire")
	}

	v.SetEnvPrefix("SYNCWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "syncwire.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.send_timeout", 30*time.Second)
	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_max", 10*time.Minute)
	v.SetDefault("sync.conflict_policy", string(model.ConflictLastWriteWins))
	v.SetDefault("sync.scopes", []string{model.ScopeAll})
	v.SetDefault("sync.pull_batch_size", delta.DefaultBatchSize)

	// Secrets are usually supplied through the environment. Viper only
	// resolves env values for keys it already knows, so register them.
	v.SetDefault("database.encryption_key", "")
	v.SetDefault("transport.base_url", "")
	v.SetDefault("transport.device_id", "")
	v.SetDefault("transport.device_secret", "")
	v.SetDefault("transport.timeout", 30*time.Second)
	v.SetDefault("transport.probe_ttl", 10*time.Second)
	v.SetDefault("redis.url", "")
	v.SetDefault("log.file", "")
	v.SetDefault("alerts.smtp_host", "")
	v.SetDefault("alerts.smtp_user", "")
	v.SetDefault("alerts.smtp_password", "")

	v.SetDefault("retention.max_age", 7*24*time.Hour)
	v.SetDefault("retention.interval", time.Hour)

	v.SetDefault("alerts.smtp_port", 587)
	v.SetDefault("alerts.failure_threshold", 5)
	v.SetDefault("alerts.cooldown", time.Hour)

	v.SetDefault("log.level", "info")

	v.SetDefault("monitor.listen_addr", ":9090")
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Conversion helpers to component configs.

func (c *DatabaseConfig) ToStoreConfig() sqlite.Config {
	return sqlite.Config{
		Path:        c.Path,
		BusyTimeout: c.BusyTimeout,
	}
}

func (c *TransportConfig) ToClientConfig() transporthttp.Config {
	return transporthttp.Config{
		BaseURL:      c.BaseURL,
		DeviceID:     c.DeviceID,
		DeviceSecret: c.DeviceSecret,
		Timeout:      c.Timeout,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
	}
}

func (c *SyncConfig) ToOrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Interval:    c.Interval,
		BatchSize:   c.BatchSize,
		SendTimeout: c.SendTimeout,
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
		BackoffMax:  c.BackoffMax,
		Scopes:      c.Scopes,
	}
}

func (c *SyncConfig) ToDeltaConfig() delta.Config {
	return delta.Config{
		ConflictPolicy: model.ConflictPolicy(c.ConflictPolicy),
		BatchSize:      c.PullBatchSize,
	}
}

func (c *RetentionConfig) ToWorkerConfig() worker.RetentionConfig {
	return worker.RetentionConfig{
		MaxAge:   c.MaxAge,
		Interval: c.Interval,
	}
}

func (c *AlertConfig) ToSMTPConfig() alert.SMTPConfig {
	return alert.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		User:     c.SMTPUser,
		Password: c.SMTPPassword,
		From:     c.From,
		To:       c.To,
	}
}

func (c *AlertConfig) ToMonitorConfig() alert.MonitorConfig {
	return alert.MonitorConfig{
		Threshold: c.FailureThreshold,
		Cooldown:  c.Cooldown,
	}
}
