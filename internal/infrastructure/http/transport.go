package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

type retriedKey struct{}

// Retried reports whether ctx belongs to a request already redispatched
// after a 401
func Retried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// AuthTransport attaches the current bearer token to each request and turns
// a 401 into at most one recovery attempt.
//
// The token is read from Source at dispatch time, never cached. On a 401 the
// transport asks Recoverer for a new token and redispatches once; when no
// token comes back it clears credentials through Invalidator and emits a
// login redirect through Redirector. The caller then sees the original 401.
type AuthTransport struct {
	Base        http.RoundTripper
	Source      oauth2.TokenSource
	Recoverer   ports.SessionRecoverer
	Invalidator ports.SessionInvalidator
	Redirector  ports.Redirector
	LoginPath   string
	Logger      zerolog.Logger
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	out := req.Clone(ctx)
	setDefaultHeaders(out)
	if err := bufferBody(out); err != nil {
		return nil, err
	}
	if err := t.authorize(out); err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || Retried(ctx) {
		return resp, nil
	}

	token := t.recover(ctx)
	if token == "" {
		t.expire(ctx, req)
		return resp, nil
	}

	retry := out.Clone(context.WithValue(ctx, retriedKey{}, true))
	if out.GetBody != nil {
		body, err := out.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(retry)

	drain(resp)
	t.Logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("redispatching after session recovery")
	return t.base().RoundTrip(retry)
}

func (t *AuthTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// authorize sets the Authorization header when a token is available. A
// missing token is not an error; the request goes out unauthenticated.
func (t *AuthTransport) authorize(req *http.Request) error {
	if t.Source == nil {
		return nil
	}
	tok, err := t.Source.Token()
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil
	}
	tok.SetAuthHeader(req)
	return nil
}

func (t *AuthTransport) recover(ctx context.Context) string {
	if t.Recoverer == nil {
		return ""
	}
	token, err := t.Recoverer.Recover(ctx)
	if err != nil {
		t.Logger.Warn().Err(err).Msg("session recovery failed")
		return ""
	}
	return token
}

func (t *AuthTransport) expire(ctx context.Context, req *http.Request) {
	if t.Invalidator != nil {
		if err := t.Invalidator.Invalidate(ctx); err != nil {
			t.Logger.Error().Err(err).Msg("failed to clear credentials")
		}
	}
	if t.Redirector != nil {
		t.Redirector.Redirect(ctx, domain.Redirect{
			To:     t.loginPath(),
			From:   req.URL.RequestURI(),
			Reason: "session expired",
		})
	}
	t.Logger.Info().Str("path", req.URL.Path).Msg("session expired, redirecting to login")
}

func (t *AuthTransport) loginPath() string {
	if t.LoginPath == "" {
		return "/login"
	}
	return t.LoginPath
}

func setDefaultHeaders(req *http.Request) {
	if req.Body != nil && req.Body != http.NoBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

// bufferBody makes the body replayable for the single redispatch
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
