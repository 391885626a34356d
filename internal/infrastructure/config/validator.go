package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ConfigValidator validates configuration values
type ConfigValidator struct{}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{}
}

// ValidateEndpoint validates a service URL named by its variable
func (v *ConfigValidator) ValidateEndpoint(name, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%s: invalid URL format: %w", name, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		if u.Scheme == "" {
			return fmt.Errorf("%s: invalid URL format: missing scheme", name)
		}
		return fmt.Errorf("%s: unsupported URL scheme: %s (must be http or https)", name, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%s: URL must include host", name)
	}

	return nil
}

// InsecureEndpoint reports a plain-http URL that is not a loopback address
func (v *ConfigValidator) InsecureEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	return host != "localhost" && host != "127.0.0.1" && host != "::1"
}

// ValidateStore validates the credential backend selection
func (v *ConfigValidator) ValidateStore(kind, path string) error {
	switch kind {
	case "memory":
		return nil
	case "file", "sqlite":
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("COHORT_STORE_PATH is required for the %s store", kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown store %q (must be memory, file or sqlite)", kind)
	}
}

// ValidateTimeout validates the request timeout
func (v *ConfigValidator) ValidateTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if timeout > 5*time.Minute {
		return fmt.Errorf("timeout too long (maximum 5 minutes)")
	}

	return nil
}

// ValidateLogLevel validates a zerolog level name
func (v *ConfigValidator) ValidateLogLevel(level string) error {
	if level == "" {
		return nil
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	return nil
}
