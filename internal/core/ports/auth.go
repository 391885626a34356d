package ports

import (
	"context"

	"cohort.app/auth/internal/core/domain"
)

// KeyValueStore is the durable string store behind the credential store.
// Single Get/Set/Delete calls are atomic; there is no transaction support
// and the last write wins.
type KeyValueStore interface {
	// Get returns the value for key and whether it was present
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys; missing keys are not an error
	Delete(ctx context.Context, keys ...string) error

	// Close releases the underlying resources
	Close() error
}

// IdentityProvider is the opaque capability exposed by the third-party
// identity service.
type IdentityProvider interface {
	// Name identifies the provider in logs
	Name() string

	// SignInWithPassword exchanges an identifier/secret pair for a session
	SignInWithPassword(ctx context.Context, identifier, secret string) (*domain.Session, error)

	// SignOut revokes the credential remotely
	SignOut(ctx context.Context, cred domain.Credential) error

	// Refresh obtains a fresh session for the credential. A rejected
	// credential yields domain.ErrSessionNotFound.
	Refresh(ctx context.Context, cred domain.Credential) (*domain.Session, error)

	// RecoverPassword starts the out-of-band reset email flow
	RecoverPassword(ctx context.Context, email, redirectTo string) error

	// UpdatePassword changes the secret of the signed-in user
	UpdatePassword(ctx context.Context, cred domain.Credential, secret string) (*domain.User, error)
}

// Subscription is the handle returned by a change subscription
type Subscription interface {
	ID() string
	Unsubscribe()
}

// Redirector receives navigation signals raised outside the UI layer
type Redirector interface {
	Redirect(ctx context.Context, r domain.Redirect)
}

// RedirectFunc adapts a function to Redirector
type RedirectFunc func(ctx context.Context, r domain.Redirect)

// Redirect calls f(ctx, r)
func (f RedirectFunc) Redirect(ctx context.Context, r domain.Redirect) { f(ctx, r) }

// SessionRecoverer performs the single recovery attempt after a 401. It
// returns "" when no valid session could be obtained.
type SessionRecoverer interface {
	Recover(ctx context.Context) (string, error)
}

// SessionInvalidator clears all locally mirrored credentials
type SessionInvalidator interface {
	Invalidate(ctx context.Context) error
}
