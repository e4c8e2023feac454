/*
Package config loads runtime settings from the environment.

PURPOSE:
  One struct holds every knob the server and CLI need. Values come from
  process environment variables; optional .env and .env.local files are
  loaded first so local development does not need exported variables.

PRECEDENCE:
  1. Variables already set in the process environment
  2. .env.local, then .env (godotenv never overrides existing variables)
  3. envDefault tags

SEE ALSO:
  - cmd/server/main.go: Flags that override a loaded Config
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// DatabaseOptions selects and configures the store.
type DatabaseOptions struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite"` // sqlite, postgres or memory
	Path   string `env:"DB_PATH" envDefault:"relief.db"`
	URL    string `env:"DATABASE_URL"`
}

// SLAOptions configures the breach monitor.
type SLAOptions struct {
	Window        time.Duration `env:"SLA_WINDOW" envDefault:"48h"`
	CheckInterval time.Duration `env:"SLA_CHECK_INTERVAL" envDefault:"5m"`
	Enabled       bool          `env:"SLA_ENABLED" envDefault:"true"`
}

// AuditOptions selects where lifecycle events go.
type AuditOptions struct {
	Sink     string `env:"AUDIT_SINK" envDefault:"log"` // log, redis or none
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Stream   string `env:"AUDIT_STREAM" envDefault:"relief:audit"`
}

type Config struct {
	Database DatabaseOptions
	SLA      SLAOptions
	Audit    AuditOptions

	Port            int      `env:"PORT" envDefault:"8080"`
	CategoryMapPath string   `env:"CATEGORY_MAP_PATH"`
	LogLevel        string   `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPath     string   `env:"METRICS_PATH" envDefault:"/metrics"`
	CORSOrigins     []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`
}

// LoadEnvFiles loads whichever of the files exist. Missing files are skipped.
func LoadEnvFiles(files ...string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads .env.local and .env (if present) and parses the environment.
func Load() (*Config, error) {
	if _, err := LoadEnvFiles(".env.local", ".env"); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when DB_DRIVER is 'postgres'"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be 'sqlite', 'postgres' or 'memory', got '%s'", c.Database.Driver))
	}

	switch c.Audit.Sink {
	case "log", "none":
	case "redis":
		if c.Audit.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when AUDIT_SINK is 'redis'"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUDIT_SINK must be 'log', 'redis' or 'none', got '%s'", c.Audit.Sink))
	}

	if c.SLA.Window <= 0 {
		errs = append(errs, fmt.Errorf("SLA_WINDOW must be positive, got %s", c.SLA.Window))
	}
	if c.SLA.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("SLA_CHECK_INTERVAL must be positive, got %s", c.SLA.CheckInterval))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	return errors.Join(errs...)
}

func (c *Config) LogrusLogLevel() logrus.Level {
	switch strings.ToLower(c.LogLevel) {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger builds a JSON logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(c.LogrusLogLevel())
	return l
}
