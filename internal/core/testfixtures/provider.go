// Package testfixtures provides in-memory collaborators for package tests.
package testfixtures

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

// Known test credentials
const (
	UserEmail    = "user@example.com"
	UserPassword = "correctpw"
	UserID       = "user-1"
)

// FakeProvider is an in-memory identity provider. Tokens are numbered so
// tests can tell successive credentials apart.
type FakeProvider struct {
	mu        sync.Mutex
	passwords map[string]string
	sessions  map[string]string // refresh token -> email
	access    map[string]string // access token -> email
	seq       int

	TokenTTL time.Duration

	// Failure switches
	Unavailable   bool
	RejectRefresh bool
	FailSignOut   bool
	FailRecover   bool

	// RefreshDelay slows Refresh down so tests can pile concurrent callers
	// onto one in-flight call
	RefreshDelay time.Duration

	SignInCalls  atomic.Int32
	RefreshCalls atomic.Int32
	SignOutCalls atomic.Int32
	RecoverCalls atomic.Int32
}

// NewFakeProvider returns a provider knowing UserEmail/UserPassword
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		passwords: map[string]string{UserEmail: UserPassword},
		sessions:  make(map[string]string),
		access:    make(map[string]string),
		TokenTTL:  time.Hour,
	}
}

// Name identifies the provider
func (p *FakeProvider) Name() string { return "fake" }

// SignInWithPassword issues a fresh credential pair for known users
func (p *FakeProvider) SignInWithPassword(_ context.Context, identifier, secret string) (*domain.Session, error) {
	p.SignInCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Unavailable {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrProviderUnavailable)
	}
	if want, ok := p.passwords[identifier]; !ok || want != secret {
		return nil, domain.ErrInvalidCredentials
	}
	return p.issue(identifier), nil
}

// SignOut revokes the access token and its refresh token
func (p *FakeProvider) SignOut(_ context.Context, cred domain.Credential) error {
	p.SignOutCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailSignOut || p.Unavailable {
		return fmt.Errorf("%w: logout failed", domain.ErrProviderUnavailable)
	}
	delete(p.access, cred.AccessToken)
	delete(p.sessions, cred.RefreshToken)
	return nil
}

// Refresh rotates the credential pair
func (p *FakeProvider) Refresh(ctx context.Context, cred domain.Credential) (*domain.Session, error) {
	p.RefreshCalls.Add(1)
	if p.RefreshDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.RefreshDelay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Unavailable {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrProviderUnavailable)
	}
	email, ok := p.sessions[cred.RefreshToken]
	if p.RejectRefresh || !ok {
		return nil, domain.ErrSessionNotFound
	}
	delete(p.sessions, cred.RefreshToken)
	return p.issue(email), nil
}

// RecoverPassword accepts any address
func (p *FakeProvider) RecoverPassword(_ context.Context, _, _ string) error {
	p.RecoverCalls.Add(1)
	if p.FailRecover {
		return fmt.Errorf("%w: smtp unavailable", domain.ErrProviderError)
	}
	return nil
}

// UpdatePassword changes the password of the user owning cred
func (p *FakeProvider) UpdatePassword(_ context.Context, cred domain.Credential, secret string) (*domain.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	email, ok := p.access[cred.AccessToken]
	if !ok {
		return nil, fmt.Errorf("%w: session expired", domain.ErrProviderError)
	}
	p.passwords[email] = secret
	return &domain.User{ID: UserID, Email: email}, nil
}

// ValidAccessToken reports whether token was issued and not revoked
func (p *FakeProvider) ValidAccessToken(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.access[token]
	return ok
}

// Expire revokes every access token while keeping refresh tokens valid
func (p *FakeProvider) Expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.access = make(map[string]string)
}

// Issue mints a credential for email outside the sign-in flow
func (p *FakeProvider) Issue(email string) *domain.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issue(email)
}

func (p *FakeProvider) issue(email string) *domain.Session {
	p.seq++
	access := fmt.Sprintf("access-%d", p.seq)
	refresh := fmt.Sprintf("refresh-%d", p.seq)
	p.access[access] = email
	p.sessions[refresh] = email

	return &domain.Session{
		User: &domain.User{ID: UserID, Email: email},
		Credential: domain.Credential{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    domain.DefaultTokenType,
			ExpiresAt:    time.Now().Add(p.TokenTTL),
		},
	}
}

var _ ports.IdentityProvider = (*FakeProvider)(nil)
