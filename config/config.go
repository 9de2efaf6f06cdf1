// Package config loads the relay's settings from the environment, after an
// optional .env file.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	BackendURL        string        `env:"BACKEND_URL"`
	Port              string        `env:"PORT"               envDefault:"8080"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"3s"`
	BackendCookie     string        `env:"BACKEND_COOKIE"     envDefault:"session"`
	BackendTimeout    time.Duration `env:"BACKEND_TIMEOUT"    envDefault:"30s"`

	CredentialStore string        `env:"CREDENTIAL_STORE" envDefault:"memory"`
	RedisEndpoint   string        `env:"REDIS_ENDPOINT"   envDefault:"localhost:6379"`
	CredentialTTL   time.Duration `env:"CREDENTIAL_TTL"   envDefault:"6h"`

	TicketSecret string        `env:"TICKET_SECRET"`
	TicketTTL    time.Duration `env:"TICKET_TTL"    envDefault:"2h"`

	UseMocks       bool     `env:"USE_MOCKS"`
	LogLevel       string   `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT"      envDefault:"console"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// LoadDotEnv loads the first .env file found among paths. A missing file is
// not an error; the returned path is empty when none was loaded.
func LoadDotEnv(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.CredentialStore = strings.ToLower(cfg.CredentialStore)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BackendURL == "" && !c.UseMocks {
		return errors.New("BACKEND_URL is required unless USE_MOCKS is set")
	}
	if c.BackendURL != "" {
		u, err := url.Parse(c.BackendURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Errorf("BACKEND_URL %q must be an absolute http(s) URL", c.BackendURL)
		}
	}
	if c.ReconcileInterval <= 0 {
		return errors.Errorf("RECONCILE_INTERVAL must be positive, got %s", c.ReconcileInterval)
	}
	if c.BackendTimeout < 0 {
		return errors.Errorf("BACKEND_TIMEOUT must not be negative, got %s", c.BackendTimeout)
	}
	switch c.CredentialStore {
	case StoreMemory, StoreRedis:
	default:
		return errors.Errorf("CREDENTIAL_STORE must be %q or %q, got %q", StoreMemory, StoreRedis, c.CredentialStore)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return errors.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}
