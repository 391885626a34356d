package testfixtures

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockAPIServer is a backend that guards its resources with bearer tokens
type MockAPIServer struct {
	*httptest.Server
	Config     MockAPIConfig
	RequestLog []RequestInfo
	mu         sync.Mutex
}

// MockAPIConfig contains the configuration options for the mock server
type MockAPIConfig struct {
	// ValidToken decides whether a bearer token is accepted
	ValidToken func(token string) bool

	// AlwaysUnauthorized answers 401 to every guarded request
	AlwaysUnauthorized bool

	ResponseDelay  time.Duration
	CustomHandlers map[string]http.HandlerFunc
}

// RequestInfo captures information about each request for test assertions
type RequestInfo struct {
	Method    string
	Path      string
	Headers   http.Header
	Body      []byte
	Timestamp time.Time
}

// MockAPIServerBuilder provides a fluent interface for configuring the mock server
type MockAPIServerBuilder struct {
	t      *testing.T
	config MockAPIConfig
}

// NewMockAPIServer creates a new mock API server builder. By default any
// non-empty token is accepted.
func NewMockAPIServer(t *testing.T) *MockAPIServerBuilder {
	return &MockAPIServerBuilder{
		t: t,
		config: MockAPIConfig{
			ValidToken:     func(token string) bool { return token != "" },
			CustomHandlers: make(map[string]http.HandlerFunc),
		},
	}
}

// WithTokenValidator sets the bearer token check
func (b *MockAPIServerBuilder) WithTokenValidator(fn func(string) bool) *MockAPIServerBuilder {
	b.config.ValidToken = fn
	return b
}

// WithProvider accepts exactly the tokens provider considers valid
func (b *MockAPIServerBuilder) WithProvider(p *FakeProvider) *MockAPIServerBuilder {
	b.config.ValidToken = p.ValidAccessToken
	return b
}

// WithAlwaysUnauthorized makes every guarded request fail with 401
func (b *MockAPIServerBuilder) WithAlwaysUnauthorized() *MockAPIServerBuilder {
	b.config.AlwaysUnauthorized = true
	return b
}

// WithResponseDelay adds artificial delay to responses
func (b *MockAPIServerBuilder) WithResponseDelay(delay time.Duration) *MockAPIServerBuilder {
	b.config.ResponseDelay = delay
	return b
}

// WithCustomHandler adds a custom handler for a specific path
func (b *MockAPIServerBuilder) WithCustomHandler(path string, handler http.HandlerFunc) *MockAPIServerBuilder {
	b.config.CustomHandlers[path] = handler
	return b
}

// Build starts the server; it is closed when the test ends
func (b *MockAPIServerBuilder) Build() *MockAPIServer {
	mock := &MockAPIServer{Config: b.config}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.logRequest(r)

		if b.config.ResponseDelay > 0 {
			time.Sleep(b.config.ResponseDelay)
		}
		if handler, exists := b.config.CustomHandlers[r.URL.Path]; exists {
			handler(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if b.config.AlwaysUnauthorized || !b.config.ValidToken(token) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Invalid or expired token"})
			return
		}

		switch r.URL.Path {
		case "/me":
			mock.handleMe(w, r)
		case "/protected":
			writeJSON(w, http.StatusOK, map[string]any{"message": "protected data", "user_id": UserID})
		case "/dashboard":
			writeJSON(w, http.StatusOK, map[string]any{"widgets": []string{"progress", "streak"}})
		case "/profiles/me/":
			mock.handleMe(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	if b.t != nil {
		b.t.Cleanup(mock.Close)
	}
	return mock
}

func (m *MockAPIServer) handleMe(w http.ResponseWriter, r *http.Request) {
	user := map[string]any{"id": UserID, "email": UserEmail}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var changes map[string]any
		if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Invalid request body"})
			return
		}
		for k, v := range changes {
			user[k] = v
		}
		writeJSON(w, http.StatusOK, user)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *MockAPIServer) logRequest(r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(body))
	}

	m.RequestLog = append(m.RequestLog, RequestInfo{
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   r.Header.Clone(),
		Body:      body,
		Timestamp: time.Now(),
	})
}

// GetRequestCount returns the number of requests made to a specific path
func (m *MockAPIServer) GetRequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, req := range m.RequestLog {
		if req.Path == path {
			count++
		}
	}
	return count
}

// AuthorizationHeaders returns the Authorization header of every request to
// path, in arrival order
func (m *MockAPIServer) AuthorizationHeaders(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var headers []string
	for _, req := range m.RequestLog {
		if req.Path == path {
			headers = append(headers, req.Headers.Get("Authorization"))
		}
	}
	return headers
}

// LastRequest returns the most recent request, if any
func (m *MockAPIServer) LastRequest() (RequestInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.RequestLog) == 0 {
		return RequestInfo{}, false
	}
	return m.RequestLog[len(m.RequestLog)-1], true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
