package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Server captures process level configuration.
type Server struct {
	Addr           string        `env:"ADDR" envDefault:":8080"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"dev"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	Store    StoreConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Identity IdentityConfig
}

// StoreConfig selects and tunes the contact store.
type StoreConfig struct {
	Driver       string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL  string `env:"DATABASE_URL"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"./contacts.db"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
}

// RedisConfig configures the optional distributed key lock. An empty URL
// disables Redis.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"2s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"1s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"1s"`
}

// KafkaConfig configures identity event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"identity.events"`
}

// IdentityConfig tunes the resolver.
type IdentityConfig struct {
	ResolveTimeout time.Duration `env:"RESOLVE_TIMEOUT" envDefault:"5s"`
	RetryBackoff   time.Duration `env:"RETRY_BACKOFF" envDefault:"50ms"`
	LockTTL        time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	LockWait       time.Duration `env:"LOCK_WAIT" envDefault:"2s"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// FromEnv builds and validates a Server config from environment variables.
func FromEnv() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (s *Server) Validate() error {
	s.Store.Driver = strings.ToLower(strings.TrimSpace(s.Store.Driver))
	switch s.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if s.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", s.Store.Driver)
	}
	if s.Identity.ResolveTimeout <= 0 {
		return fmt.Errorf("RESOLVE_TIMEOUT must be positive")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (s Server) IsProduction() bool {
	return s.Environment == "production" || s.Environment == "prod"
}
