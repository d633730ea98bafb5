package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Config is the server configuration. Values come from the environment
// (optionally seeded from a .env file) and may be overridden by flags.
type Config struct {
	BindAddress    string        `env:"PLANC_BIND_ADDRESS" envDefault:"127.0.0.1"`
	BindPort       int           `env:"PLANC_BIND_PORT" envDefault:"8080"`
	MaxSessions    int           `env:"PLANC_MAX_SESSIONS" envDefault:"8"`
	MaxUsers       int           `env:"PLANC_MAX_USERS" envDefault:"16"`
	KeepAlive      time.Duration `env:"PLANC_KEEPALIVE_INTERVAL" envDefault:"5s"`
	LogLevel       string        `env:"PLANC_LOG_LEVEL" envDefault:"info"`
	Dev            bool          `env:"PLANC_DEV"`
	AllowedOrigins []string      `env:"PLANC_ALLOWED_ORIGINS" envSeparator:","`
}

// Load reads .env files (missing ones are ignored) and then parses the
// environment. Variables already set win over .env entries.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	if c.BindAddress == "" {
		err = multierr.Append(err, errors.New("bind address must not be empty"))
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("bind port %d out of range", c.BindPort))
	}
	if c.MaxSessions < 1 {
		err = multierr.Append(err, fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions))
	}
	if c.MaxUsers < 1 {
		err = multierr.Append(err, fmt.Errorf("max users must be positive, got %d", c.MaxUsers))
	}
	if c.KeepAlive <= 0 {
		err = multierr.Append(err, fmt.Errorf("keep-alive interval must be positive, got %s", c.KeepAlive))
	}
	return err
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.BindPort))
}
