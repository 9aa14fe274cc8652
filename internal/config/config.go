// Package config loads and validates process configuration once at startup.
// The session-signing secret is validated here and injected into the session
// manager; nothing else reads it from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	envSecret = "STRIKEBOARD_SESSION_SECRET"
	envDSN    = "STRIKEBOARD_PG_DSN"
	envAddr   = "STRIKEBOARD_ADDR"
	envEnv    = "STRIKEBOARD_ENV"

	minSecretLength = 32
	defaultAddr     = ":8080"

	// placeholderSecret ships in example configs; running production with it
	// would let anyone forge sessions.
	placeholderSecret = "change-me-to-a-long-random-secret-value"
)

// Config is the validated process configuration.
type Config struct {
	SessionSecret string
	PostgresDSN   string
	Addr          string
	Environment   string
}

// Production reports whether the process runs in the production environment.
func (c Config) Production() bool {
	return c.Environment == "production"
}

// Load reads configuration from the environment and validates it. A missing
// or weak session secret is fatal: the caller must abort startup.
func Load() (Config, error) {
	cfg := Config{
		SessionSecret: strings.TrimSpace(os.Getenv(envSecret)),
		PostgresDSN:   strings.TrimSpace(os.Getenv(envDSN)),
		Addr:          strings.TrimSpace(os.Getenv(envAddr)),
		Environment:   strings.TrimSpace(strings.ToLower(os.Getenv(envEnv))),
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("%s is required", envSecret)
	}
	if len(c.SessionSecret) < minSecretLength {
		return fmt.Errorf("%s must be at least %d characters", envSecret, minSecretLength)
	}
	if c.Production() && c.SessionSecret == placeholderSecret {
		return errors.New("refusing to start production with the placeholder session secret")
	}
	return nil
}
