// Package server is the reference sync server: device registration and
// token issue, push ingestion into a server-side change log, and cursor
// paged change feeds.
package server

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from SYNCSERVER_* environment variables.
type Config struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080"`
	DBDriver        string        `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN           string        `envconfig:"DB_DSN" default:"syncserver.db"`
	JWTSecret       string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL        time.Duration `envconfig:"TOKEN_TTL" default:"1h"`
	TokenIssuer     string        `envconfig:"TOKEN_ISSUER" default:"syncserver"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	RateLimit       float64       `envconfig:"RATE_LIMIT" default:"50"`
	RateBurst       int           `envconfig:"RATE_BURST" default:"100"`
	MaxPageSize     int           `envconfig:"MAX_PAGE_SIZE" default:"500"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`
	BcryptCost      int           `envconfig:"BCRYPT_COST" default:"10"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// LoadConfig reads server configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("syncserver", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DBDriver)
	}
	return &cfg, nil
}
