// Package kratos implements the identity provider port against Ory Kratos
// native (API) self-service flows.
package kratos

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	kratosclient "github.com/ory/kratos-client-go"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

// Kratos session tokens are opaque and cannot be refreshed; the credential
// carries the session token as its access token and no refresh token.
const tokenType = "session_token"

// Provider implements ports.IdentityProvider against Kratos
type Provider struct {
	api *kratosclient.APIClient
}

// Option configures a Provider
type Option func(*kratosclient.Configuration)

// WithHTTPClient overrides the HTTP client used for Kratos calls
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *kratosclient.Configuration) { cfg.HTTPClient = client }
}

// New creates a provider for the Kratos public API at publicURL
func New(publicURL string, opts ...Option) (*Provider, error) {
	if !isValidURL(publicURL) {
		return nil, fmt.Errorf("invalid Kratos public URL: %q", publicURL)
	}

	cfg := kratosclient.NewConfiguration()
	cfg.Servers = []kratosclient.ServerConfiguration{{URL: publicURL}}
	cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	cfg.UserAgent = "cohort-auth/1.0"
	if cfg.DefaultHeader == nil {
		cfg.DefaultHeader = make(map[string]string)
	}
	cfg.DefaultHeader["Accept"] = "application/json"
	for _, opt := range opts {
		opt(cfg)
	}

	return &Provider{api: kratosclient.NewAPIClient(cfg)}, nil
}

// Name identifies the provider
func (p *Provider) Name() string { return "kratos" }

// SignInWithPassword runs a native login flow with the password method
func (p *Provider) SignInWithPassword(ctx context.Context, identifier, secret string) (*domain.Session, error) {
	flow, httpResp, err := p.api.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	if err != nil {
		return nil, fmt.Errorf("%w: create login flow: %w", domain.ErrProviderUnavailable, transportError(err, httpResp))
	}

	body := kratosclient.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(&kratosclient.UpdateLoginFlowWithPasswordMethod{
		Method:     "password",
		Identifier: identifier,
		Password:   secret,
	})
	login, httpResp, err := p.api.FrontendAPI.
		UpdateLoginFlow(ctx).
		Flow(flow.GetId()).
		UpdateLoginFlowBody(body).
		Execute()
	if err != nil {
		switch status(httpResp) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity:
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidCredentials, err)
		default:
			return nil, fmt.Errorf("%w: login: %w", domain.ErrProviderUnavailable, transportError(err, httpResp))
		}
	}

	token := login.GetSessionToken()
	if token == "" {
		return nil, fmt.Errorf("%w: login response carried no session token", domain.ErrProviderUnavailable)
	}
	session := login.GetSession()
	return toDomainSession(&session, token), nil
}

// SignOut revokes the session token. Unknown tokens count as signed out.
func (p *Provider) SignOut(ctx context.Context, cred domain.Credential) error {
	if cred.AccessToken == "" {
		return nil
	}

	httpResp, err := p.api.FrontendAPI.
		PerformNativeLogout(ctx).
		PerformNativeLogoutBody(kratosclient.PerformNativeLogoutBody{SessionToken: cred.AccessToken}).
		Execute()
	if err != nil {
		switch status(httpResp) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return nil
		default:
			return fmt.Errorf("%w: logout: %w", domain.ErrProviderUnavailable, transportError(err, httpResp))
		}
	}
	return nil
}

// Refresh re-validates the session token and picks up its current expiry
func (p *Provider) Refresh(ctx context.Context, cred domain.Credential) (*domain.Session, error) {
	if cred.AccessToken == "" {
		return nil, domain.ErrSessionNotFound
	}

	session, _, err := p.whoami(ctx, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	return toDomainSession(session, cred.AccessToken), nil
}

// RecoverPassword starts a recovery flow with the code method. Kratos reports
// success for unknown addresses as well.
func (p *Provider) RecoverPassword(ctx context.Context, email, _ string) error {
	flow, httpResp, err := p.api.FrontendAPI.CreateNativeRecoveryFlow(ctx).Execute()
	if err != nil {
		return fmt.Errorf("%w: create recovery flow: %w", domain.ErrProviderError, transportError(err, httpResp))
	}

	method := kratosclient.UpdateRecoveryFlowWithCodeMethod{Method: "code"}
	method.SetEmail(email)
	_, httpResp, err = p.api.FrontendAPI.
		UpdateRecoveryFlow(ctx).
		Flow(flow.GetId()).
		UpdateRecoveryFlowBody(kratosclient.UpdateRecoveryFlowWithCodeMethodAsUpdateRecoveryFlowBody(&method)).
		Execute()
	if err != nil {
		return fmt.Errorf("%w: recovery: %w", domain.ErrProviderError, transportError(err, httpResp))
	}
	return nil
}

// UpdatePassword runs a settings flow with the password method and returns
// the refreshed identity
func (p *Provider) UpdatePassword(ctx context.Context, cred domain.Credential, secret string) (*domain.User, error) {
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, domain.ErrSessionNotFound)
	}

	flow, httpResp, err := p.api.FrontendAPI.
		CreateNativeSettingsFlow(ctx).
		XSessionToken(cred.AccessToken).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("%w: create settings flow: %w", domain.ErrProviderError, transportError(err, httpResp))
	}

	body := kratosclient.UpdateSettingsFlowWithPasswordMethodAsUpdateSettingsFlowBody(&kratosclient.UpdateSettingsFlowWithPasswordMethod{
		Method:   "password",
		Password: secret,
	})
	_, httpResp, err = p.api.FrontendAPI.
		UpdateSettingsFlow(ctx).
		Flow(flow.GetId()).
		XSessionToken(cred.AccessToken).
		UpdateSettingsFlowBody(body).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("%w: update password: %w", domain.ErrProviderError, transportError(err, httpResp))
	}

	session, _, err := p.whoami(ctx, cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, err)
	}
	return toDomainUser(session), nil
}

func (p *Provider) whoami(ctx context.Context, token string) (*kratosclient.Session, *http.Response, error) {
	session, httpResp, err := p.api.FrontendAPI.ToSession(ctx).XSessionToken(token).Execute()
	if err != nil {
		switch status(httpResp) {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, httpResp, fmt.Errorf("%w: session rejected", domain.ErrSessionNotFound)
		default:
			return nil, httpResp, fmt.Errorf("%w: whoami: %w", domain.ErrProviderUnavailable, transportError(err, httpResp))
		}
	}
	return session, httpResp, nil
}

func toDomainSession(s *kratosclient.Session, token string) *domain.Session {
	cred := domain.Credential{
		AccessToken: token,
		TokenType:   tokenType,
	}
	if expiresAt := s.GetExpiresAt(); !expiresAt.IsZero() {
		cred.ExpiresAt = expiresAt
	}
	return &domain.Session{User: toDomainUser(s), Credential: cred}
}

func toDomainUser(s *kratosclient.Session) *domain.User {
	identity := s.GetIdentity()
	user := &domain.User{ID: identity.GetId()}
	if traits, ok := identity.GetTraits().(map[string]interface{}); ok {
		if email, ok := traits["email"].(string); ok {
			user.Email = email
		}
		user.Attributes = traits
	}
	return user
}

func status(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func transportError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("status %d: %w", resp.StatusCode, err)
}

func isValidURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

var _ ports.IdentityProvider = (*Provider)(nil)
