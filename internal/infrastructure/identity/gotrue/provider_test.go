package gotrue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohort.app/auth/internal/core/domain"
)

const (
	testAnonKey = "anon-key"
	testUserID  = "9f0c2a4e-5b1d-4c3e-8f7a-2d6b1e0c9a31"
)

// newFakeGoTrue serves the subset of the GoTrue API used by the provider
func newFakeGoTrue(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testAnonKey, r.Header.Get("apikey"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Query().Get("grant_type") {
		case "password":
			if body["email"] != "user@example.com" || body["password"] != "correctpw" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
				return
			}
			writeSession(w, "access-1", "refresh-1")
		case "refresh_token":
			switch body["refresh_token"] {
			case "refresh-1":
				writeSession(w, "access-2", "refresh-2")
			case "throttled":
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"code":429,"error_code":"over_request_rate_limit","msg":"Request rate limit reached"}`))
			case "slow":
				w.WriteHeader(http.StatusRequestTimeout)
			case "broken":
				w.WriteHeader(http.StatusBadGateway)
			default:
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":400,"error_code":"refresh_token_not_found","msg":"Invalid Refresh Token"}`))
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer broken":
			w.WriteHeader(http.StatusInternalServerError)
		case "Bearer revoked":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/auth/v1/recover", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nobody@example.com", body["email"])
		assert.Equal(t, "https://app.example.com/reset-password", r.URL.Query().Get("redirect_to"))
		_, _ = w.Write([]byte(`{}`))
	})

	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "n3w-secret", body["password"])
		_, _ = w.Write([]byte(`{"id":"` + testUserID + `","email":"user@example.com"}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeSession(w http.ResponseWriter, access, refresh string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    3600,
		"expires_at":    time.Now().Add(time.Hour).Unix(),
		"refresh_token": refresh,
		"user": map[string]any{
			"id":            testUserID,
			"email":         "user@example.com",
			"user_metadata": map[string]any{"full_name": "Test User"},
		},
	})
}

func newTestProvider(t *testing.T) *Provider {
	server := newFakeGoTrue(t)
	provider, err := New(server.URL, testAnonKey, WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return provider
}

func TestNew_RequiresURLAndKey(t *testing.T) {
	_, err := New("", testAnonKey)
	assert.Error(t, err)

	_, err = New("https://project.supabase.co", "")
	assert.Error(t, err)

	_, err = New("not a url", testAnonKey)
	assert.Error(t, err)
}

func TestProvider_SignInWithPassword(t *testing.T) {
	provider := newTestProvider(t)
	ctx := context.Background()

	session, err := provider.SignInWithPassword(ctx, "user@example.com", "correctpw")
	require.NoError(t, err)
	require.NotNil(t, session.User)
	assert.Equal(t, testUserID, session.User.ID)
	assert.Equal(t, "Test User", session.User.Attributes["full_name"])
	assert.Equal(t, "access-1", session.Credential.AccessToken)
	assert.Equal(t, "refresh-1", session.Credential.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.Credential.ExpiresAt, 5*time.Second)
	assert.NotEmpty(t, session.Raw)

	_, err = provider.SignInWithPassword(ctx, "user@example.com", "wrongpw")
	assert.True(t, errors.Is(err, domain.ErrInvalidCredentials), "got %v", err)
	assert.Contains(t, err.Error(), "Invalid login credentials")

	_, err = provider.SignInWithPassword(ctx, "user@example.com", "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestProvider_Refresh(t *testing.T) {
	provider := newTestProvider(t)
	ctx := context.Background()

	session, err := provider.Refresh(ctx, domain.Credential{RefreshToken: "refresh-1"})
	require.NoError(t, err)
	assert.Equal(t, "access-2", session.Credential.AccessToken)

	_, err = provider.Refresh(ctx, domain.Credential{})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestProvider_RefreshFailureClassification(t *testing.T) {
	provider := newTestProvider(t)

	tests := []struct {
		name         string
		refreshToken string
		want         error
		notWant      error
	}{
		{name: "unknown token", refreshToken: "stale", want: domain.ErrSessionNotFound, notWant: domain.ErrProviderUnavailable},
		{name: "throttled", refreshToken: "throttled", want: domain.ErrProviderUnavailable, notWant: domain.ErrSessionNotFound},
		{name: "request timeout", refreshToken: "slow", want: domain.ErrProviderUnavailable, notWant: domain.ErrSessionNotFound},
		{name: "server error", refreshToken: "broken", want: domain.ErrProviderUnavailable, notWant: domain.ErrSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := provider.Refresh(context.Background(), domain.Credential{RefreshToken: tt.refreshToken})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, tt.notWant)
		})
	}
}

func TestProvider_RefreshThrottledKeepsProviderMessage(t *testing.T) {
	provider := newTestProvider(t)

	_, err := provider.Refresh(context.Background(), domain.Credential{RefreshToken: "throttled"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "Request rate limit reached")
}

func TestProvider_HonoursContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	provider, err := New(server.URL, testAnonKey, WithHTTPClient(server.Client()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = provider.Refresh(ctx, domain.Credential{RefreshToken: "refresh-1"})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProvider_SignOut(t *testing.T) {
	provider := newTestProvider(t)
	ctx := context.Background()

	assert.NoError(t, provider.SignOut(ctx, domain.Credential{AccessToken: "access-1"}))
	assert.NoError(t, provider.SignOut(ctx, domain.Credential{}))
	assert.NoError(t, provider.SignOut(ctx, domain.Credential{AccessToken: "revoked"}))
	assert.ErrorIs(t, provider.SignOut(ctx, domain.Credential{AccessToken: "broken"}), domain.ErrProviderUnavailable)
}

func TestProvider_RecoverAndUpdatePassword(t *testing.T) {
	provider := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, provider.RecoverPassword(ctx, "nobody@example.com", "https://app.example.com/reset-password"))

	user, err := provider.UpdatePassword(ctx, domain.Credential{AccessToken: "access-1"}, "n3w-secret")
	require.NoError(t, err)
	assert.Equal(t, testUserID, user.ID)

	_, err = provider.UpdatePassword(ctx, domain.Credential{AccessToken: "expired"}, "n3w-secret")
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Contains(t, err.Error(), "invalid JWT")

	_, err = provider.UpdatePassword(ctx, domain.Credential{}, "n3w-secret")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestProvider_UnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	provider, err := New(url, testAnonKey)
	require.NoError(t, err)

	_, err = provider.SignInWithPassword(context.Background(), "user@example.com", "correctpw")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}
