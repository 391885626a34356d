// Package gateway wraps an identity provider with session bookkeeping: it
// owns the current session, mirrors it into the credential store and
// notifies subscribers of every state transition.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"cohort.app/auth/internal/application/credentials"
	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

const refreshKey = "session"

// Config tunes refresh and throttling behavior
type Config struct {
	RefreshAhead  time.Duration // refresh when the token expires within this window
	CheckInterval time.Duration // auto-refresh tick
	RetryInterval time.Duration // wait between auto-refresh attempts
	MaxRetries    int

	// RefreshTimeout bounds a shared refresh, which outlives the caller that
	// started it
	RefreshTimeout time.Duration

	ResetRedirectURL string        // where reset emails send the user
	ResetInterval    time.Duration // minimum spacing of reset requests once the burst is spent
	ResetBurst       int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RefreshAhead:   60 * time.Second,
		CheckInterval:  30 * time.Second,
		RetryInterval:  5 * time.Second,
		MaxRetries:     3,
		RefreshTimeout: 30 * time.Second,
		ResetInterval:  time.Minute,
		ResetBurst:     3,
	}
}

// Gateway is the single writer of session state. Safe for concurrent use.
type Gateway struct {
	provider ports.IdentityProvider
	store    *credentials.Store
	config   Config
	logger   zerolog.Logger

	events       *broadcaster
	refreshGroup singleflight.Group
	resetLimiter *rate.Limiter

	mu       sync.RWMutex
	session  *domain.Session
	restored bool

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a gateway over provider, mirroring into store
func New(provider ports.IdentityProvider, store *credentials.Store, config Config, logger zerolog.Logger) *Gateway {
	defaults := DefaultConfig()
	if config.RefreshAhead <= 0 {
		config.RefreshAhead = defaults.RefreshAhead
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaults.RefreshTimeout
	}
	if config.ResetInterval <= 0 {
		config.ResetInterval = defaults.ResetInterval
	}
	if config.ResetBurst <= 0 {
		config.ResetBurst = defaults.ResetBurst
	}

	return &Gateway{
		provider:     provider,
		store:        store,
		config:       config,
		logger:       logger.With().Str("component", "identity_gateway").Str("provider", provider.Name()).Logger(),
		events:       newBroadcaster(),
		resetLimiter: rate.NewLimiter(rate.Every(config.ResetInterval), config.ResetBurst),
	}
}

// SignIn authenticates with the provider and makes the result the current
// session
func (g *Gateway) SignIn(ctx context.Context, identifier, secret string) (*domain.Session, error) {
	if err := validate(signInInput{Identifier: identifier, Secret: secret}); err != nil {
		return nil, err
	}

	session, err := g.provider.SignInWithPassword(ctx, identifier, secret)
	if err != nil {
		g.logger.Debug().Err(err).Msg("sign-in rejected")
		return nil, err
	}

	g.replace(ctx, session, domain.EventSignedIn)
	g.logger.Info().Str("user_id", userID(session)).Msg("signed in")
	return session, nil
}

// SignOut ends the session. Local state is cleared even when the remote
// revocation fails; that failure is still returned.
func (g *Gateway) SignOut(ctx context.Context) error {
	g.mu.RLock()
	cred := credentialOf(g.session)
	g.mu.RUnlock()

	if cred.IsZero() {
		if token, err := g.store.AccessToken(ctx); err == nil {
			cred.AccessToken = token
		}
	}

	var remoteErr error
	if !cred.IsZero() {
		if err := g.provider.SignOut(ctx, cred); err != nil {
			g.logger.Warn().Err(err).Msg("remote sign-out failed, clearing local session anyway")
			remoteErr = err
		}
	}

	if err := g.clear(ctx, !cred.IsZero()); err != nil {
		return errors.Join(remoteErr, err)
	}
	return remoteErr
}

// Invalidate drops the local session without contacting the provider
func (g *Gateway) Invalidate(ctx context.Context) error {
	g.mu.RLock()
	had := g.session != nil
	g.mu.RUnlock()
	return g.clear(ctx, had || g.store.IsAuthenticated(ctx))
}

// FetchSession returns the current session, restoring it from the credential
// store on first use and refreshing it when it is about to expire. A nil
// session with a nil error means nobody is signed in.
func (g *Gateway) FetchSession(ctx context.Context) (*domain.Session, error) {
	session, err := g.current(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if !session.Credential.ShouldRefresh(g.config.RefreshAhead) {
		return session, nil
	}

	refreshed, err := g.RefreshSession(ctx)
	if err != nil {
		if !session.Credential.IsExpired() {
			g.logger.Warn().Err(err).Msg("refresh failed, keeping unexpired session")
			return session, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// RefreshSession forces a refresh. Concurrent callers share a single
// in-flight provider call. A rejected refresh signs the user out locally and
// yields a nil session. Cancelling ctx stops this caller waiting; the shared
// call keeps running for the others, bounded by Config.RefreshTimeout.
func (g *Gateway) RefreshSession(ctx context.Context) (*domain.Session, error) {
	ch := g.refreshGroup.DoChan(refreshKey, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.RefreshTimeout)
		defer cancel()
		return g.refresh(shared)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			g.logger.Debug().Msg("joined in-flight refresh")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		session, _ := res.Val.(*domain.Session)
		return session, nil
	}
}

func (g *Gateway) refresh(ctx context.Context) (*domain.Session, error) {
	previous, err := g.current(ctx)
	if err != nil {
		return nil, err
	}

	cred := credentialOf(previous)
	if cred.RefreshToken == "" {
		if token, err := g.store.RefreshToken(ctx); err == nil && token != "" {
			cred.RefreshToken = token
		}
	}
	if cred.IsZero() && cred.RefreshToken == "" {
		return nil, nil
	}

	session, err := g.provider.Refresh(ctx, cred)
	if errors.Is(err, domain.ErrSessionNotFound) {
		g.logger.Info().Msg("session rejected by provider, signing out locally")
		if clearErr := g.clear(ctx, true); clearErr != nil {
			return nil, clearErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if session.User == nil && previous != nil {
		session.User = previous.User
	}
	if session.Credential.RefreshToken == "" {
		session.Credential.RefreshToken = cred.RefreshToken
	}

	g.replace(ctx, session, domain.EventTokenRefreshed)
	g.logger.Debug().Time("expires_at", session.Credential.ExpiresAt).Msg("session refreshed")
	return session, nil
}

// FetchAccessToken returns the current access token, or "" without error
// when nobody is signed in
func (g *Gateway) FetchAccessToken(ctx context.Context) (string, error) {
	session, err := g.FetchSession(ctx)
	if err != nil {
		return "", err
	}
	return session.AccessToken(), nil
}

// RequestPasswordReset starts the reset email flow. Well-formed addresses
// succeed whether or not an account exists.
func (g *Gateway) RequestPasswordReset(ctx context.Context, email string) error {
	if err := validate(resetInput{Email: email}); err != nil {
		return err
	}
	if !g.resetLimiter.Allow() {
		return fmt.Errorf("%w: %w", domain.ErrProviderError, domain.ErrRateLimited)
	}

	if err := g.provider.RecoverPassword(ctx, email, g.config.ResetRedirectURL); err != nil {
		if errors.Is(err, domain.ErrProviderError) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrProviderError, err)
	}
	g.logger.Info().Msg("password reset requested")
	return nil
}

// UpdatePassword changes the signed-in user's secret. The caller is expected
// to hold a recovery session.
func (g *Gateway) UpdatePassword(ctx context.Context, secret string) (*domain.User, error) {
	if err := validate(passwordInput{Secret: secret}); err != nil {
		return nil, err
	}

	session, err := g.current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, domain.ErrSessionNotFound)
	}

	user, err := g.provider.UpdatePassword(ctx, session.Credential, secret)
	if err != nil {
		if errors.Is(err, domain.ErrProviderError) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, err)
	}

	updated := *session
	updated.User = user
	g.replace(ctx, &updated, domain.EventUserUpdated)
	g.logger.Info().Str("user_id", user.ID).Msg("password updated")
	return user, nil
}

// BeginRecovery establishes the session carried by a password recovery link
// so UpdatePassword can run
func (g *Gateway) BeginRecovery(ctx context.Context, cred domain.Credential) (*domain.Session, error) {
	if cred.IsZero() && cred.RefreshToken == "" {
		return nil, fmt.Errorf("%w: recovery link carries no credential", domain.ErrValidation)
	}

	session, err := g.provider.Refresh(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, err)
	}
	if session.Credential.RefreshToken == "" {
		session.Credential.RefreshToken = cred.RefreshToken
	}

	g.replace(ctx, session, domain.EventPasswordRecovery)
	return session, nil
}

// Subscribe registers fn for change events. Delivery is asynchronous and in
// emission order; release the handle to stop it.
func (g *Gateway) Subscribe(fn func(domain.ChangeEvent)) ports.Subscription {
	return g.events.subscribe(fn)
}

// Current returns the in-memory session without touching storage or network
func (g *Gateway) Current() *domain.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.session
}

// Close stops auto refresh and releases every subscription
func (g *Gateway) Close() {
	g.Stop()
	g.events.closeAll()
}

// current returns the in-memory session, restoring it from the store once
func (g *Gateway) current(ctx context.Context) (*domain.Session, error) {
	g.mu.RLock()
	session, restored := g.session, g.restored
	g.mu.RUnlock()
	if session != nil || restored {
		return session, nil
	}

	loaded, err := g.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored session: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil || g.restored {
		return g.session, nil
	}
	g.restored = true
	if loaded == nil {
		return nil, nil
	}
	g.session = loaded
	g.events.publish(domain.NewChangeEvent(domain.EventInitialSession, loaded))
	g.logger.Debug().Str("user_id", userID(loaded)).Msg("session restored from storage")
	return loaded, nil
}

// load reads the packed session, falling back to the individual keys
// written by other call-sites
func (g *Gateway) load(ctx context.Context) (*domain.Session, error) {
	packed, err := g.store.PackedSession(ctx)
	if err != nil {
		return nil, err
	}

	access, err := g.store.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, nil
	}
	refresh, err := g.store.RefreshToken(ctx)
	if err != nil {
		return nil, err
	}

	if packed != nil && packed.Credential.AccessToken == access {
		if packed.Credential.RefreshToken == "" {
			packed.Credential.RefreshToken = refresh
		}
		return packed, nil
	}

	user, err := g.store.User(ctx)
	if err != nil {
		g.logger.Debug().Err(err).Msg("ignoring unreadable stored user")
	}
	return &domain.Session{
		User: user,
		Credential: domain.Credential{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    domain.ExpiryFromToken(access),
		},
	}, nil
}

// replace installs session, mirrors it and emits kind. Holding the lock
// across the mirror and the publish keeps storage and event order aligned.
func (g *Gateway) replace(ctx context.Context, session *domain.Session, kind domain.EventKind) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.session = session
	g.restored = true
	if err := g.store.SaveSession(ctx, session); err != nil {
		g.logger.Warn().Err(err).Msg("failed to mirror session into credential store")
	}
	g.events.publish(domain.NewChangeEvent(kind, session))
}

func (g *Gateway) clear(ctx context.Context, emit bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	had := g.session != nil
	g.session = nil
	g.restored = true
	if err := g.store.Clear(ctx); err != nil {
		return err
	}
	if had || emit {
		g.events.publish(domain.NewChangeEvent(domain.EventSignedOut, nil))
	}
	return nil
}

func credentialOf(session *domain.Session) domain.Credential {
	if session == nil {
		return domain.Credential{}
	}
	return session.Credential
}

func userID(session *domain.Session) string {
	if session == nil || session.User == nil {
		return ""
	}
	return session.User.ID
}

var _ ports.SessionInvalidator = (*Gateway)(nil)
