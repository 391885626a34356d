// Package httpclient provides authenticated REST clients for backend APIs.
// One Client is created per base URL; all of them read the current token
// from a shared source at call time.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

const defaultTimeout = 10 * time.Second

// Client handles JSON communication with one backend
type Client struct {
	baseURL   *url.URL
	client    *http.Client
	userAgent string
}

type options struct {
	timeout     time.Duration
	base        http.RoundTripper
	source      oauth2.TokenSource
	recoverer   ports.SessionRecoverer
	invalidator ports.SessionInvalidator
	redirector  ports.Redirector
	loginPath   string
	userAgent   string
	logger      zerolog.Logger
}

// Option configures a Client
type Option func(*options)

// WithTimeout sets the per-request timeout (default 10s)
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithBaseTransport sets the transport requests are finally sent on
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithTokenSource sets where bearer tokens are read from
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(o *options) { o.source = ts }
}

// WithRecoverer enables the single recovery attempt on 401. Without one a
// 401 goes straight to clearing credentials and redirecting.
func WithRecoverer(r ports.SessionRecoverer) Option {
	return func(o *options) { o.recoverer = r }
}

// WithInvalidator sets what clears credentials after an irrecoverable 401
func WithInvalidator(i ports.SessionInvalidator) Option {
	return func(o *options) { o.invalidator = i }
}

// WithRedirector sets the receiver of login redirects
func WithRedirector(r ports.Redirector, loginPath string) Option {
	return func(o *options) {
		o.redirector = r
		o.loginPath = loginPath
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a client for baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", baseURL)
	}

	o := options{
		timeout:   defaultTimeout,
		userAgent: "cohort-auth/1.0",
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	transport := &AuthTransport{
		Base:        o.base,
		Source:      o.source,
		Recoverer:   o.recoverer,
		Invalidator: o.invalidator,
		Redirector:  o.redirector,
		LoginPath:   o.loginPath,
		Logger:      o.logger.With().Str("component", "api_client").Str("base_url", u.Host).Logger(),
	}

	return &Client{
		baseURL:   u,
		client:    &http.Client{Transport: transport, Timeout: o.timeout},
		userAgent: o.userAgent,
	}, nil
}

// HTTPClient exposes the underlying client for callers building their own
// requests
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// NewRequest builds a request for path relative to the base URL. A non-nil
// body is JSON encoded.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// Do sends req through the authenticated transport
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// Get issues a GET
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.send(ctx, http.MethodGet, path, nil)
}

// Post issues a POST with a JSON body
func (c *Client) Post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, path, body)
}

// Put issues a PUT with a JSON body
func (c *Client) Put(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPut, path, body)
}

// Patch issues a PATCH with a JSON body
func (c *Client) Patch(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPatch, path, body)
}

// Delete issues a DELETE
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.send(ctx, http.MethodDelete, path, nil)
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// APIError is a non-2xx response. 401s match domain.ErrUnauthorized.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is(err, domain.ErrUnauthorized) match 401 responses
func (e *APIError) Is(target error) bool {
	return target == domain.ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// DoJSON sends a request and decodes a 2xx JSON response into out (which may
// be nil)
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetJSON issues a GET and decodes the JSON response into out
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, out)
}

// CurrentUser returns the backend's view of the signed-in user
func (c *Client) CurrentUser(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.GetJSON(ctx, "/me", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateProfile patches the signed-in user's profile
func (c *Client) UpdateProfile(ctx context.Context, changes any) (map[string]any, error) {
	var out map[string]any
	if err := c.DoJSON(ctx, http.MethodPatch, "/me", changes, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Protected fetches the protected example resource
func (c *Client) Protected(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.GetJSON(ctx, "/protected", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dashboard fetches the dashboard data
func (c *Client) Dashboard(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.GetJSON(ctx, "/dashboard", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return joinPath(c.baseURL.String(), path)
	}
	if ref.IsAbs() {
		return path
	}
	u := *c.baseURL
	u.Path = joinPath(u.Path, ref.Path)
	u.RawQuery = ref.RawQuery
	return u.String()
}

func joinPath(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return strings.TrimRight(a, "/") + "/" + strings.TrimLeft(b, "/")
}
