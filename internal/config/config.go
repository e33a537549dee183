// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete service configuration.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	NATS      NATSConfig
	Closing   ClosingConfig
	Telemetry TelemetryConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-gl-closing"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// ServerConfig controls the HTTP and gRPC listeners.
type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8086"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9086"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"10m"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"10m"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig describes the Postgres connection. Driver "memory" keeps
// all state in process, which is only suitable for local development.
type DatabaseConfig struct {
	Driver      string        `env:"DB_DRIVER" envDefault:"postgres"`
	Host        string        `env:"DB_HOST" envDefault:"localhost"`
	Port        int           `env:"DB_PORT" envDefault:"5432"`
	User        string        `env:"DB_USER" envDefault:"postgres"`
	Password    string        `env:"DB_PASSWORD"`
	Database    string        `env:"DB_NAME" envDefault:"gl_closing"`
	SSLMode     string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"DB_MIN_CONNS" envDefault:"1"`
	MaxConnTime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	HealthCheck time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
	AutoMigrate bool          `env:"DB_AUTO_MIGRATE" envDefault:"false"`
}

// LedgerConfig points at the general and analytical ledger services.
type LedgerConfig struct {
	Driver                  string        `env:"LEDGER_DRIVER" envDefault:"grpc"`
	GeneralGRPCAddr         string        `env:"LEDGER_GRPC_URL" envDefault:"localhost:9083"`
	AnalyticalGRPCAddr      string        `env:"ANALYTICAL_LEDGER_GRPC_URL" envDefault:"localhost:9087"`
	CallTimeout             time.Duration `env:"LEDGER_CALL_TIMEOUT" envDefault:"2m"`
	CircuitBreakerThreshold int           `env:"LEDGER_CB_THRESHOLD" envDefault:"5"`
	CircuitBreakerTimeout   time.Duration `env:"LEDGER_CB_TIMEOUT" envDefault:"30s"`
	ReadAttempts            int           `env:"LEDGER_READ_ATTEMPTS" envDefault:"3"`
	RetryDelay              time.Duration `env:"LEDGER_RETRY_DELAY" envDefault:"200ms"`
}

// NATSConfig controls notification publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"notifications.gl.closing"`
}

// ClosingConfig carries engine settings.
type ClosingConfig struct {
	ClosureTypesFile string        `env:"CLOSURE_TYPES_FILE"`
	AdvanceTimeout   time.Duration `env:"CLOSING_ADVANCE_TIMEOUT" envDefault:"15m"`
}

// TelemetryConfig controls trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that env tags cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	switch c.Ledger.Driver {
	case "grpc", "memory":
	default:
		return fmt.Errorf("LEDGER_DRIVER must be grpc or memory, got %q", c.Ledger.Driver)
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("PORT and GRPC_PORT must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.Ledger.CallTimeout <= 0 {
		return fmt.Errorf("LEDGER_CALL_TIMEOUT must be positive")
	}
	if c.Closing.AdvanceTimeout <= 0 {
		return fmt.Errorf("CLOSING_ADVANCE_TIMEOUT must be positive")
	}
	return nil
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
