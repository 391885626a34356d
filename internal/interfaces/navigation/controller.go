// Package navigation consumes redirect signals raised below the UI layer.
package navigation

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

// Controller queues redirects for the top-level program. Signals beyond the
// buffer are dropped; the first pending one already carries the user to the
// login page.
type Controller struct {
	redirects chan domain.Redirect
	logger    zerolog.Logger

	mu   sync.Mutex
	last *domain.Redirect
}

// NewController creates a controller with the given buffer size
func NewController(buffer int, logger zerolog.Logger) *Controller {
	if buffer <= 0 {
		buffer = 1
	}
	return &Controller{
		redirects: make(chan domain.Redirect, buffer),
		logger:    logger.With().Str("component", "navigation").Logger(),
	}
}

// Redirect implements ports.Redirector without blocking
func (c *Controller) Redirect(_ context.Context, r domain.Redirect) {
	c.mu.Lock()
	c.last = &r
	c.mu.Unlock()

	select {
	case c.redirects <- r:
		c.logger.Debug().Str("to", r.To).Str("from", r.From).Msg("redirect queued")
	default:
		c.logger.Debug().Str("to", r.To).Msg("redirect dropped, one is already pending")
	}
}

// Redirects delivers queued redirects
func (c *Controller) Redirects() <-chan domain.Redirect {
	return c.redirects
}

// Last returns the most recent redirect signal
func (c *Controller) Last() (domain.Redirect, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return domain.Redirect{}, false
	}
	return *c.last, true
}

// ReturnTo resolves the post-login destination from a login URL's from
// parameter. Only same-site relative paths are honored.
func ReturnTo(loginURL, fallback string) string {
	u, err := url.Parse(loginURL)
	if err != nil {
		return fallback
	}
	from := u.Query().Get("from")
	if !isLocalPath(from) {
		return fallback
	}
	return from
}

func isLocalPath(p string) bool {
	if p == "" || !strings.HasPrefix(p, "/") {
		return false
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Scheme == "" && u.Host == ""
}

var _ ports.Redirector = (*Controller)(nil)
