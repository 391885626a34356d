// Package config loads runtime settings from COHORT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Identity provider kinds
const (
	IdPGoTrue = "gotrue"
	IdPKratos = "kratos"
)

// Config holds the settings shared by every command
type Config struct {
	IdPURL       string `env:"COHORT_IDP_URL"`
	IdPPublicKey string `env:"COHORT_IDP_PUBLIC_KEY"`
	IdPKind      string `env:"COHORT_IDP_KIND" envDefault:"gotrue"`

	APIURL      string        `env:"COHORT_API_URL"`
	HTTPTimeout time.Duration `env:"COHORT_HTTP_TIMEOUT" envDefault:"10s"`

	Store      string `env:"COHORT_STORE" envDefault:"file"`
	StorePath  string `env:"COHORT_STORE_PATH" envDefault:"~/.cohort/auth_store"`
	StorageKey string `env:"COHORT_STORAGE_KEY"`

	LoginPath        string `env:"COHORT_LOGIN_PATH" envDefault:"/login"`
	ResetRedirectURL string `env:"COHORT_RESET_REDIRECT_URL"`

	AutoRefresh  bool          `env:"COHORT_AUTO_REFRESH" envDefault:"true"`
	RefreshAhead time.Duration `env:"COHORT_REFRESH_AHEAD" envDefault:"60s"`

	LogLevel string `env:"COHORT_LOG_LEVEL" envDefault:"warn"`
	Debug    bool   `env:"COHORT_DEBUG"`
}

// Load parses the process environment
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses the given environment; nil means the process environment
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports settings the program cannot start without. A missing
// identity-provider URL/key pair is fatal.
func (c *Config) Validate() error {
	v := NewConfigValidator()
	var errs []error

	switch c.IdPKind {
	case IdPGoTrue:
		if err := v.ValidateEndpoint("COHORT_IDP_URL", c.IdPURL); err != nil {
			errs = append(errs, err)
		}
		if c.IdPPublicKey == "" {
			errs = append(errs, errors.New("COHORT_IDP_PUBLIC_KEY cannot be empty"))
		}
	case IdPKratos:
		if err := v.ValidateEndpoint("COHORT_IDP_URL", c.IdPURL); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity provider %q (must be %s or %s)", c.IdPKind, IdPGoTrue, IdPKratos))
	}

	if err := v.ValidateEndpoint("COHORT_API_URL", c.APIURL); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateStore(c.Store, c.StorePath); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateTimeout(c.HTTPTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.RefreshAhead < 0 {
		errs = append(errs, errors.New("COHORT_REFRESH_AHEAD cannot be negative"))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to print
func (c Config) Redacted() Config {
	if c.IdPPublicKey != "" {
		c.IdPPublicKey = mask(c.IdPPublicKey)
	}
	if c.StorageKey != "" {
		c.StorageKey = "****"
	}
	return c
}

func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
