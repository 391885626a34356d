package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"cohort.app/auth/internal/application/credentials"
	"cohort.app/auth/internal/application/gateway"
	"cohort.app/auth/internal/application/session"
	"cohort.app/auth/internal/core/ports"
	"cohort.app/auth/internal/infrastructure/config"
	httpclient "cohort.app/auth/internal/infrastructure/http"
	"cohort.app/auth/internal/infrastructure/identity/gotrue"
	"cohort.app/auth/internal/infrastructure/identity/kratos"
	"cohort.app/auth/internal/infrastructure/kvstore"
	"cohort.app/auth/internal/interfaces/navigation"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	Logger zerolog.Logger

	// Storage
	KV          ports.KeyValueStore
	Credentials *credentials.Store

	// Identity
	Provider ports.IdentityProvider
	Gateway  *gateway.Gateway
	Session  *session.Context

	// Backend clients. API recovers from a 401 through the session; Services
	// only reads stored credentials and clears them on a 401.
	API      *httpclient.Client
	Services *httpclient.Client
	Profiles *httpclient.Profiles

	Navigation *navigation.Controller

	userAgent  string
	httpClient *http.Client

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option customizes container construction
type Option func(*Container)

// WithKeyValueStore replaces the configured storage backend
func WithKeyValueStore(kv ports.KeyValueStore) Option {
	return func(c *Container) { c.KV = kv }
}

// WithIdentityProvider replaces the configured identity provider
func WithIdentityProvider(p ports.IdentityProvider) Option {
	return func(c *Container) { c.Provider = p }
}

// WithUserAgent sets the User-Agent sent to every backend
func WithUserAgent(ua string) Option {
	return func(c *Container) { c.userAgent = ua }
}

// NewContainer creates and configures the dependency injection container
func NewContainer(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	c := &Container{
		Config:    cfg,
		Logger:    logger,
		userAgent: "cohort-cli",
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.initializeComponents(); err != nil {
		if c.KV != nil {
			_ = c.KV.Close()
		}
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return c, nil
}

// initializeComponents wires storage, identity, session and clients in order
func (c *Container) initializeComponents() error {
	cfg := c.Config
	c.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}

	// 1. Storage
	if c.KV == nil {
		kv, err := kvstore.Open(cfg.Store, cfg.StorePath, kvstore.WithSecret(cfg.StorageKey))
		if err != nil {
			return fmt.Errorf("open %s store: %w", cfg.Store, err)
		}
		c.KV = kv
	}
	c.Credentials = credentials.NewStore(c.KV, credentials.DefaultKeys(), c.Logger)

	// 2. Identity provider
	if c.Provider == nil {
		provider, err := c.newProvider()
		if err != nil {
			return err
		}
		c.Provider = provider
	}

	// 3. Gateway and session context
	gwConfig := gateway.DefaultConfig()
	if cfg.RefreshAhead > 0 {
		gwConfig.RefreshAhead = cfg.RefreshAhead
	}
	gwConfig.ResetRedirectURL = cfg.ResetRedirectURL
	c.Gateway = gateway.New(c.Provider, c.Credentials, gwConfig, c.Logger)
	c.Session = session.New(c.Gateway, c.Logger)

	// 4. Navigation and backend clients
	c.Navigation = navigation.NewController(4, c.Logger)

	api, err := httpclient.New(cfg.APIURL,
		httpclient.WithTimeout(cfg.HTTPTimeout),
		httpclient.WithTokenSource(c.Credentials.TokenSource(context.Background())),
		httpclient.WithRecoverer(c.Session),
		httpclient.WithInvalidator(c.Session),
		httpclient.WithRedirector(c.Navigation, cfg.LoginPath),
		httpclient.WithUserAgent(c.userAgent),
		httpclient.WithLogger(c.Logger),
	)
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}
	c.API = api

	services, err := httpclient.New(cfg.APIURL,
		httpclient.WithTimeout(cfg.HTTPTimeout),
		httpclient.WithTokenSource(c.Credentials.TokenSource(context.Background())),
		httpclient.WithInvalidator(c.Gateway),
		httpclient.WithRedirector(c.Navigation, cfg.LoginPath),
		httpclient.WithUserAgent(c.userAgent),
		httpclient.WithLogger(c.Logger),
	)
	if err != nil {
		return fmt.Errorf("services client: %w", err)
	}
	c.Services = services
	c.Profiles = httpclient.NewProfiles(services)

	c.Logger.Debug().
		Str("provider", c.Provider.Name()).
		Str("store", cfg.Store).
		Str("api", cfg.APIURL).
		Msg("container initialized")
	return nil
}

func (c *Container) newProvider() (ports.IdentityProvider, error) {
	cfg := c.Config
	switch cfg.IdPKind {
	case config.IdPKratos:
		p, err := kratos.New(cfg.IdPURL, kratos.WithHTTPClient(c.httpClient))
		if err != nil {
			return nil, fmt.Errorf("kratos provider: %w", err)
		}
		return p, nil
	case config.IdPGoTrue, "":
		p, err := gotrue.New(cfg.IdPURL, cfg.IdPPublicKey, gotrue.WithHTTPClient(c.httpClient))
		if err != nil {
			return nil, fmt.Errorf("gotrue provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.IdPKind)
	}
}

// Start resolves the initial session and, when configured, begins refreshing
// ahead of expiry. The session context stays in its loading state until the
// initial resolution finishes.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if c.Config.AutoRefresh {
		c.Gateway.Start(ctx)
	}
	if err := c.Session.Start(ctx); err != nil {
		c.Logger.Warn().Err(err).Msg("initial session resolution failed")
		return err
	}
	return nil
}

// HealthCheck reports components that were not initialized
func (c *Container) HealthCheck() error {
	switch {
	case c.KV == nil || c.Credentials == nil:
		return errors.New("credential store not initialized")
	case c.Provider == nil || c.Gateway == nil:
		return errors.New("identity gateway not initialized")
	case c.Session == nil:
		return errors.New("session context not initialized")
	case c.API == nil || c.Services == nil:
		return errors.New("api clients not initialized")
	}
	return nil
}

// Close gracefully shuts down all components
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Session.Close()
	c.Gateway.Close()
	if err := c.KV.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	c.Logger.Debug().Msg("container closed")
	return nil
}
