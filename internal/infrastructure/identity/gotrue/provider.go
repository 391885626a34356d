// Package gotrue talks to a Supabase/GoTrue authentication server through the
// supabase-community client.
package gotrue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	supabase "github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

const userAgent = "cohort-auth/1.0"

// Provider implements ports.IdentityProvider against GoTrue
type Provider struct {
	api        supabase.Client
	httpClient *http.Client
}

// Option configures a Provider
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client (tests, custom transports)
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// New creates a GoTrue provider. baseURL is the project URL; the auth API is
// served under /auth/v1. apiKey is the project's public (anon) key.
func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("identity provider URL cannot be empty")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("identity provider public key cannot be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid identity provider URL: %w", err)
	}

	p := &Provider{
		api: supabase.New("", apiKey).
			WithCustomGoTrueURL(strings.TrimRight(baseURL, "/") + "/auth/v1"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name identifies the provider
func (p *Provider) Name() string { return "gotrue" }

// SignInWithPassword uses the password grant
func (p *Provider) SignInWithPassword(ctx context.Context, identifier, secret string) (*domain.Session, error) {
	api, ex := p.client(ctx, "", nil)
	defer ex.release()
	resp, err := api.SignInWithEmailPassword(identifier, secret)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrInvalidTokenRequest):
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidCredentials, err)
		case ex.status == 0:
			return nil, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
		case ex.status == http.StatusBadRequest,
			ex.status == http.StatusUnauthorized,
			ex.status == http.StatusUnprocessableEntity:
			return nil, fmt.Errorf("%w: %s", domain.ErrInvalidCredentials, ex.message())
		case ex.status == http.StatusOK:
			return nil, fmt.Errorf("%w: failed to decode response: %w", domain.ErrProviderUnavailable, err)
		default:
			return nil, fmt.Errorf("%w: sign-in failed with status %d: %s", domain.ErrProviderUnavailable, ex.status, ex.message())
		}
	}
	return toSession(&resp.Session)
}

// Refresh exchanges the refresh token for a new session. Only a definite
// rejection of the token maps to ErrSessionNotFound; throttling and timeouts
// leave the session to the caller.
func (p *Provider) Refresh(ctx context.Context, cred domain.Credential) (*domain.Session, error) {
	if cred.RefreshToken == "" {
		return nil, domain.ErrSessionNotFound
	}

	api, ex := p.client(ctx, "", nil)
	defer ex.release()
	resp, err := api.RefreshToken(cred.RefreshToken)
	if err != nil {
		switch ex.status {
		case 0:
			return nil, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return nil, fmt.Errorf("%w: refresh rejected: %s", domain.ErrSessionNotFound, ex.message())
		default:
			return nil, fmt.Errorf("%w: refresh failed with status %d: %s", domain.ErrProviderUnavailable, ex.status, ex.message())
		}
	}
	return toSession(&resp.Session)
}

// SignOut revokes the session on the server. A token the server no longer
// knows is treated as already signed out.
func (p *Provider) SignOut(ctx context.Context, cred domain.Credential) error {
	if cred.AccessToken == "" {
		return nil
	}

	api, ex := p.client(ctx, cred.AccessToken, nil)
	defer ex.release()
	if err := api.Logout(); err != nil {
		switch ex.status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return nil
		case 0:
			return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
		default:
			return fmt.Errorf("%w: sign-out failed with status %d", domain.ErrProviderUnavailable, ex.status)
		}
	}
	return nil
}

// RecoverPassword sends the reset email. GoTrue answers 200 for unknown
// addresses too.
func (p *Provider) RecoverPassword(ctx context.Context, email, redirectTo string) error {
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}

	api, ex := p.client(ctx, "", query)
	defer ex.release()
	if err := api.Recover(types.RecoverRequest{Email: email}); err != nil {
		if ex.status == 0 {
			return fmt.Errorf("%w: %w", domain.ErrProviderError, err)
		}
		return fmt.Errorf("%w: password reset failed with status %d: %s", domain.ErrProviderError, ex.status, ex.message())
	}
	return nil
}

// UpdatePassword changes the password of the user owning cred
func (p *Provider) UpdatePassword(ctx context.Context, cred domain.Credential, secret string) (*domain.User, error) {
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, domain.ErrSessionNotFound)
	}

	api, ex := p.client(ctx, cred.AccessToken, nil)
	defer ex.release()
	resp, err := api.UpdateUser(types.UpdateUserRequest{Password: &secret})
	if err != nil {
		switch ex.status {
		case 0:
			return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, err)
		case http.StatusOK:
			return nil, fmt.Errorf("%w: failed to decode user: %w", domain.ErrProviderError, err)
		default:
			return nil, fmt.Errorf("%w: password update failed with status %d: %s", domain.ErrProviderError, ex.status, ex.message())
		}
	}
	return toUser(resp.User), nil
}

// client returns an API handle bound to ctx whose exchange records the
// response status and error body of the call. Callers release the exchange
// once the call returns.
func (p *Provider) client(ctx context.Context, token string, query url.Values) (supabase.Client, *exchange) {
	base := p.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	// the exchange swaps the request context, so the client timeout is
	// applied to ctx instead of http.Client.Timeout
	cancel := context.CancelFunc(func() {})
	if p.httpClient.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.httpClient.Timeout)
	}
	ex := &exchange{ctx: ctx, cancel: cancel, base: base, query: query}

	api := p.api.WithClient(http.Client{
		Transport: ex,
		Jar:       p.httpClient.Jar,
	})
	if token != "" {
		api = api.WithToken(token)
	}
	return api, ex
}

func toSession(s *types.Session) (*domain.Session, error) {
	if s.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no access token", domain.ErrProviderUnavailable)
	}

	cred := domain.Credential{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
	}
	switch {
	case s.ExpiresAt > 0:
		cred.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	case s.ExpiresIn > 0:
		cred.ExpiresAt = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
	default:
		cred.ExpiresAt = domain.ExpiryFromToken(s.AccessToken)
	}

	session := &domain.Session{Credential: cred}
	switch {
	case s.User.ID != uuid.Nil:
		session.User = toUser(s.User)
		if raw, err := json.Marshal(s.User); err == nil {
			session.Raw = raw
		}
	case domain.SubjectFromToken(cred.AccessToken) != "":
		session.User = &domain.User{ID: domain.SubjectFromToken(cred.AccessToken)}
	}
	return session, nil
}

func toUser(u types.User) *domain.User {
	return &domain.User{ID: u.ID.String(), Email: u.Email, Attributes: u.UserMetadata}
}

// errorResponse covers both the legacy and the current GoTrue error shapes
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e errorResponse) String() string {
	for _, s := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error, e.ErrorCode} {
		if s != "" {
			return s
		}
	}
	return "unknown error"
}

func readError(data []byte) string {
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return payload.String()
}

var (
	_ ports.IdentityProvider = (*Provider)(nil)
	_ http.RoundTripper      = (*exchange)(nil)
)
