// Package session holds the process-wide authentication state consumed by
// the UI layer. It is constructed once and injected; there is no global.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

// Gateway is the subset of the identity gateway the context drives
type Gateway interface {
	SignIn(ctx context.Context, identifier, secret string) (*domain.Session, error)
	SignOut(ctx context.Context) error
	FetchSession(ctx context.Context) (*domain.Session, error)
	RefreshSession(ctx context.Context) (*domain.Session, error)
	FetchAccessToken(ctx context.Context) (string, error)
	RequestPasswordReset(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, secret string) (*domain.User, error)
	Invalidate(ctx context.Context) error
	Subscribe(fn func(domain.ChangeEvent)) ports.Subscription
}

// Context is the reactive holder of AuthState. Every gateway event replaces
// the state wholesale; watchers are notified after each change.
type Context struct {
	gateway Gateway
	logger  zerolog.Logger

	// base scopes calls made without a caller context; Close cancels it
	base       context.Context
	cancelBase context.CancelFunc

	mu         sync.RWMutex
	state      domain.AuthState
	generation uint64
	sub        ports.Subscription
	started    bool
	closed     bool

	ready     chan struct{}
	readyOnce sync.Once

	watchMu   sync.Mutex
	watchers  map[int]func(domain.AuthState)
	nextWatch int
}

// New creates a context in the loading state. Call Start to resolve it.
func New(gateway Gateway, logger zerolog.Logger) *Context {
	base, cancel := context.WithCancel(context.Background())
	return &Context{
		gateway:    gateway,
		logger:     logger.With().Str("component", "session_context").Logger(),
		base:       base,
		cancelBase: cancel,
		state:      domain.AuthState{Loading: true},
		ready:      make(chan struct{}),
		watchers:   make(map[int]func(domain.AuthState)),
	}
}

// Start subscribes to gateway events and resolves the initial session.
// Loading ends once the fetch returns, whatever its outcome. A fetch result
// never overwrites state already replaced by an event.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.sub = c.gateway.Subscribe(c.onEvent)
	generation := c.generation
	c.mu.Unlock()

	session, err := c.gateway.FetchSession(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("initial session fetch failed")
	}

	c.update(func(s *domain.AuthState) bool {
		if c.generation == generation && err == nil {
			applySession(s, session)
		}
		s.Loading = false
		return true
	})
	c.markReady()
	return err
}

func (c *Context) onEvent(event domain.ChangeEvent) {
	c.logger.Debug().Str("event", string(event.Kind)).Msg("auth state change")
	c.update(func(s *domain.AuthState) bool {
		c.generation++
		applySession(s, event.Session)
		s.Loading = false
		return true
	})
	c.markReady()
}

// SignIn authenticates through the gateway. The gateway mirrors the
// credential into the store; the context only updates its own state.
func (c *Context) SignIn(ctx context.Context, identifier, secret string) (*domain.Session, error) {
	c.setLoading(true)

	session, err := c.gateway.SignIn(ctx, identifier, secret)
	c.update(func(s *domain.AuthState) bool {
		if err == nil {
			c.generation++
			applySession(s, session)
		}
		s.Loading = false
		return true
	})
	return session, err
}

// SignOut clears local state regardless of the remote outcome, which is
// still returned
func (c *Context) SignOut(ctx context.Context) error {
	c.setLoading(true)

	err := c.gateway.SignOut(ctx)
	c.update(func(s *domain.AuthState) bool {
		c.generation++
		applySession(s, nil)
		s.Loading = false
		return true
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("sign-out completed locally, remote call failed")
	}
	return err
}

// RequestPasswordReset starts the reset email flow
func (c *Context) RequestPasswordReset(ctx context.Context, email string) error {
	return c.gateway.RequestPasswordReset(ctx, email)
}

// UpdatePassword changes the secret and refreshes the cached user
func (c *Context) UpdatePassword(ctx context.Context, secret string) (*domain.User, error) {
	user, err := c.gateway.UpdatePassword(ctx, secret)
	if err != nil {
		return nil, err
	}
	c.update(func(s *domain.AuthState) bool {
		s.User = user
		if s.Session != nil {
			updated := *s.Session
			updated.User = user
			s.Session = &updated
		}
		return true
	})
	return user, nil
}

// GetToken returns the in-memory token, falling through to the gateway
func (c *Context) GetToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.state.AccessToken
	c.mu.RUnlock()
	if token != "" {
		return token, nil
	}
	return c.gateway.FetchAccessToken(ctx)
}

// Token implements oauth2.TokenSource. No session yields a nil token.
// oauth2.TokenSource carries no context, so a gateway fallback runs under the
// context's own lifetime and is cancelled by Close. Callers with a deadline
// use GetToken.
func (c *Context) Token() (*oauth2.Token, error) {
	token, err := c.GetToken(c.base)
	if err != nil || token == "" {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

// Recover forces one refresh on behalf of a request interceptor and returns
// the resulting token, or "" when the session is gone
func (c *Context) Recover(ctx context.Context) (string, error) {
	session, err := c.gateway.RefreshSession(ctx)
	if err != nil {
		return "", err
	}
	return session.AccessToken(), nil
}

// Invalidate drops the session after an irrecoverable 401
func (c *Context) Invalidate(ctx context.Context) error {
	err := c.gateway.Invalidate(ctx)
	c.update(func(s *domain.AuthState) bool {
		c.generation++
		applySession(s, nil)
		s.Loading = false
		return true
	})
	return err
}

// State returns a snapshot of the current state
func (c *Context) State() domain.AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Watch registers fn for state changes and returns a cancel function
func (c *Context) Watch(fn func(domain.AuthState)) func() {
	c.watchMu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = fn
	c.watchMu.Unlock()

	return func() {
		c.watchMu.Lock()
		delete(c.watchers, id)
		c.watchMu.Unlock()
	}
}

// Ready is closed once the initial session resolution has finished
func (c *Context) Ready() <-chan struct{} {
	return c.ready
}

// WaitReady blocks until the initial resolution finishes or ctx ends
func (c *Context) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the gateway subscription. No state updates happen after.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	c.cancelBase()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.watchMu.Lock()
	c.watchers = make(map[int]func(domain.AuthState))
	c.watchMu.Unlock()
}

func (c *Context) setLoading(loading bool) {
	c.update(func(s *domain.AuthState) bool {
		if s.Loading == loading {
			return false
		}
		s.Loading = loading
		return true
	})
}

// update mutates state under the lock and notifies watchers outside it
func (c *Context) update(fn func(*domain.AuthState) bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := fn(&c.state)
	snapshot := c.state
	c.mu.Unlock()

	if changed {
		c.notify(snapshot)
	}
}

func (c *Context) notify(state domain.AuthState) {
	c.watchMu.Lock()
	fns := make([]func(domain.AuthState), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (c *Context) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func applySession(s *domain.AuthState, session *domain.Session) {
	s.Session = session
	if session == nil {
		s.User = nil
		s.AccessToken = ""
		return
	}
	s.User = session.User
	s.AccessToken = session.Credential.AccessToken
}

var (
	_ ports.SessionRecoverer   = (*Context)(nil)
	_ ports.SessionInvalidator = (*Context)(nil)
	_ oauth2.TokenSource       = (*Context)(nil)
)
