// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Leepey/Mixton-sub002/pkg/logger"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CORSAllowedOrigins enables CORS when non-empty; "*" allows any origin.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	// RateLimit caps requests per second per client; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// Addr returns the host:port the server binds to.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the storage backend. Driver "memory" keeps
// everything in process; "postgres" uses the DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LedgerConfig points at the settlement ledger RPC endpoint.
type LedgerConfig struct {
	RPCURL  string        `yaml:"rpc_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MixerConfig tunes the payout release loop.
type MixerConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	BatchLimit    int           `yaml:"batch_limit"`
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	LedgerTimeout time.Duration `yaml:"ledger_timeout"`
	LedgerRate    float64       `yaml:"ledger_rate"`
}

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Ledger   LedgerConfig         `yaml:"ledger"`
	Mixer    MixerConfig          `yaml:"mixer"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Ledger: LedgerConfig{
			Timeout: 30 * time.Second,
		},
		Mixer: MixerConfig{
			TickInterval:  5 * time.Second,
			BatchLimit:    256,
			Workers:       4,
			MaxAttempts:   3,
			RetryBackoff:  30 * time.Second,
			LedgerTimeout: 30 * time.Second,
		},
	}
}

// Load reads the YAML file at path, layers environment overrides on top, and
// validates the result. An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	// Optional .env for local development; a missing file is fine.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MIXTON_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MIXTON_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MIXTON_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MIXTON_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MIXTON_LEDGER_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("MIXTON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if c.Mixer.TickInterval <= 0 {
		return fmt.Errorf("mixer.tick_interval must be positive")
	}
	if c.Mixer.MaxAttempts <= 0 {
		return fmt.Errorf("mixer.max_attempts must be positive")
	}
	if c.Mixer.LedgerRate < 0 {
		return fmt.Errorf("mixer.ledger_rate must not be negative")
	}
	return nil
}
