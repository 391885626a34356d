package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cohort.app/auth/internal/application/credentials"
	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/testfixtures"
	"cohort.app/auth/internal/infrastructure/identity/gotrue"
	"cohort.app/auth/internal/infrastructure/kvstore"
)

// MockProvider is a testify mock of the identity provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) SignInWithPassword(ctx context.Context, identifier, secret string) (*domain.Session, error) {
	args := m.Called(ctx, identifier, secret)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockProvider) SignOut(ctx context.Context, cred domain.Credential) error {
	return m.Called(ctx, cred).Error(0)
}

func (m *MockProvider) Refresh(ctx context.Context, cred domain.Credential) (*domain.Session, error) {
	args := m.Called(ctx, cred)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockProvider) RecoverPassword(ctx context.Context, email, redirectTo string) error {
	return m.Called(ctx, email, redirectTo).Error(0)
}

func (m *MockProvider) UpdatePassword(ctx context.Context, cred domain.Credential, secret string) (*domain.User, error) {
	args := m.Called(ctx, cred, secret)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

type fixture struct {
	gateway  *Gateway
	provider *testfixtures.FakeProvider
	store    *credentials.Store
	kv       *kvstore.Memory
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	kv := kvstore.NewMemory()
	store := credentials.NewStore(kv, credentials.DefaultKeys(), zerolog.Nop())
	provider := testfixtures.NewFakeProvider()
	gw := New(provider, store, cfg, zerolog.Nop())
	t.Cleanup(gw.Close)
	return &fixture{gateway: gw, provider: provider, store: store, kv: kv}
}

// recorder collects delivered events
type recorder struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (r *recorder) record(e domain.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]domain.EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (r *recorder) waitFor(t *testing.T, n int) []domain.EventKind {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.kinds()) >= n }, time.Second, 5*time.Millisecond)
	return r.kinds()
}

func TestGateway_SignInMirrorsCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	session, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)
	require.NotNil(t, session.User)
	assert.NotEmpty(t, session.AccessToken())

	stored, ok, err := f.kv.Get(ctx, "supabase_access_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, session.AccessToken(), stored)

	token, err := f.gateway.FetchAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.AccessToken(), token)
}

func TestGateway_SignInWrongPasswordLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	session, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, "wrongpw")
	assert.Nil(t, session)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.Equal(t, 0, f.kv.Len())
}

func TestGateway_SignInValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	tests := []struct {
		name       string
		identifier string
		secret     string
	}{
		{name: "empty identifier", identifier: "", secret: "pw"},
		{name: "empty secret", identifier: testfixtures.UserEmail, secret: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gateway.SignIn(ctx, tt.identifier, tt.secret)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Equal(t, int32(0), f.provider.SignInCalls.Load(), "validation must precede network calls")
}

func TestGateway_SignInProviderUnavailable(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.provider.Unavailable = true

	_, err := f.gateway.SignIn(context.Background(), testfixtures.UserEmail, testfixtures.UserPassword)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestGateway_SignOutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)

	require.NoError(t, f.gateway.SignOut(ctx))
	assert.Equal(t, 0, f.kv.Len())
	require.NoError(t, f.gateway.SignOut(ctx))
	assert.Equal(t, 0, f.kv.Len())

	session, err := f.gateway.FetchSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestGateway_SignOutClearsLocallyWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)
	f.provider.FailSignOut = true

	err = f.gateway.SignOut(ctx)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, 0, f.kv.Len())
	assert.Nil(t, f.gateway.Current())
}

func TestGateway_EventsDeliveredInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	rec := &recorder{}
	sub := f.gateway.Subscribe(rec.record)
	assert.NotEmpty(t, sub.ID())

	_, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)
	_, err = f.gateway.RefreshSession(ctx)
	require.NoError(t, err)
	require.NoError(t, f.gateway.SignOut(ctx))

	assert.Equal(t, []domain.EventKind{
		domain.EventSignedIn,
		domain.EventTokenRefreshed,
		domain.EventSignedOut,
	}, rec.waitFor(t, 3))

	sub.Unsubscribe()
	sub.Unsubscribe()
	_, err = f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.kinds(), 3, "no delivery after unsubscribe")
}

func TestGateway_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []domain.EventKind
	f.gateway.Subscribe(func(e domain.ChangeEvent) {
		<-release
		mu.Lock()
		seen = append(seen, e.Kind)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, _ = f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, 5*time.Millisecond)
}

func TestGateway_FetchSessionRestoresFromStore(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	store := credentials.NewStore(kv, credentials.DefaultKeys(), zerolog.Nop())
	provider := testfixtures.NewFakeProvider()

	first := New(provider, store, DefaultConfig(), zerolog.Nop())
	signedIn, err := first.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)
	first.Close()

	second := New(provider, store, DefaultConfig(), zerolog.Nop())
	t.Cleanup(second.Close)
	rec := &recorder{}
	second.Subscribe(rec.record)

	restored, err := second.FetchSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, signedIn.AccessToken(), restored.AccessToken())
	require.NotNil(t, restored.User)
	assert.Equal(t, testfixtures.UserID, restored.User.ID)
	assert.Equal(t, []domain.EventKind{domain.EventInitialSession}, rec.waitFor(t, 1))
}

func TestGateway_FetchSessionRefreshesNearExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RefreshAhead: time.Minute})
	f.provider.TokenTTL = 10 * time.Second

	signedIn, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)

	session, err := f.gateway.FetchSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotEqual(t, signedIn.AccessToken(), session.AccessToken())
	assert.Equal(t, int32(1), f.provider.RefreshCalls.Load())

	stored, err := f.store.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.AccessToken(), stored)
}

func TestGateway_RejectedRefreshSignsOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)
	f.provider.RejectRefresh = true

	session, err := f.gateway.RefreshSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Equal(t, 0, f.kv.Len())
	assert.Nil(t, f.gateway.Current())
}

func TestGateway_ConcurrentRefreshSharesOneCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	f.provider.RefreshDelay = 50 * time.Millisecond

	_, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)

	const callers = 8
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := f.gateway.RefreshSession(ctx)
			assert.NoError(t, err)
			tokens[i] = session.AccessToken()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.provider.RefreshCalls.Load())
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestGateway_ThrottledRefreshKeepsUnexpiredSession(t *testing.T) {
	ctx := context.Background()
	var refreshCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1/token" && r.URL.Query().Get("grant_type") == "refresh_token" {
			refreshCalls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":429,"msg":"Request rate limit reached"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	provider, err := gotrue.New(server.URL, "anon-key", gotrue.WithHTTPClient(server.Client()))
	require.NoError(t, err)

	kv := kvstore.NewMemory()
	store := credentials.NewStore(kv, credentials.DefaultKeys(), zerolog.Nop())
	seeded := testfixtures.NewSessionBuilder().ExpiringIn(30 * time.Second).Build()
	require.NoError(t, store.SaveSession(ctx, seeded))

	gw := New(provider, store, Config{RefreshAhead: time.Minute}, zerolog.Nop())
	t.Cleanup(gw.Close)

	session, err := gw.FetchSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, seeded.AccessToken(), session.AccessToken())
	assert.Equal(t, int32(1), refreshCalls.Load())

	stored, err := store.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, seeded.AccessToken(), stored)
	assert.NotNil(t, gw.Current())

	_, err = gw.RefreshSession(ctx)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.True(t, store.IsAuthenticated(ctx))
}

func TestGateway_CancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	f.provider.RefreshDelay = 100 * time.Millisecond

	signedIn, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)

	impatient, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.gateway.RefreshSession(impatient)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.provider.RefreshCalls.Load() == 1 }, time.Second, time.Millisecond)

	secondDone := make(chan *domain.Session, 1)
	go func() {
		session, err := f.gateway.RefreshSession(ctx)
		assert.NoError(t, err)
		secondDone <- session
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	session := <-secondDone
	require.NotNil(t, session)
	assert.NotEqual(t, signedIn.AccessToken(), session.AccessToken())
	assert.Equal(t, int32(1), f.provider.RefreshCalls.Load())

	stored, err := f.store.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.AccessToken(), stored)
}

func TestGateway_FetchAccessTokenWithoutSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	token, err := f.gateway.FetchAccessToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestGateway_RequestPasswordReset(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown but well-formed email succeeds", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		require.NoError(t, f.gateway.RequestPasswordReset(ctx, "nobody@example.com"))
		assert.Equal(t, 0, f.kv.Len(), "no local state change")
	})

	t.Run("malformed email is a validation error", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		err := f.gateway.RequestPasswordReset(ctx, "not-an-email")
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Equal(t, int32(0), f.provider.RecoverCalls.Load())
	})

	t.Run("provider failure", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.provider.FailRecover = true
		assert.ErrorIs(t, f.gateway.RequestPasswordReset(ctx, testfixtures.UserEmail), domain.ErrProviderError)
	})

	t.Run("throttled", func(t *testing.T) {
		f := newFixture(t, Config{ResetBurst: 1, ResetInterval: time.Hour})
		require.NoError(t, f.gateway.RequestPasswordReset(ctx, testfixtures.UserEmail))
		err := f.gateway.RequestPasswordReset(ctx, testfixtures.UserEmail)
		assert.ErrorIs(t, err, domain.ErrProviderError)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
	})
}

func TestGateway_RequestPasswordResetPassesRedirect(t *testing.T) {
	ctx := context.Background()
	provider := &MockProvider{}
	provider.On("RecoverPassword", mock.Anything, "user@example.com", "https://app.example.com/reset-password").Return(nil)

	store := credentials.NewStore(kvstore.NewMemory(), credentials.DefaultKeys(), zerolog.Nop())
	gw := New(provider, store, Config{ResetRedirectURL: "https://app.example.com/reset-password"}, zerolog.Nop())
	defer gw.Close()

	require.NoError(t, gw.RequestPasswordReset(ctx, "user@example.com"))
	provider.AssertExpectations(t)
}

func TestGateway_UpdatePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, err := f.gateway.UpdatePassword(ctx, "n3w-secret")
	assert.ErrorIs(t, err, domain.ErrProviderError, "no session")

	_, err = f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)

	rec := &recorder{}
	f.gateway.Subscribe(rec.record)

	user, err := f.gateway.UpdatePassword(ctx, "n3w-secret")
	require.NoError(t, err)
	assert.Equal(t, testfixtures.UserID, user.ID)
	assert.Equal(t, []domain.EventKind{domain.EventUserUpdated}, rec.waitFor(t, 1))

	_, err = f.gateway.SignIn(ctx, testfixtures.UserEmail, "n3w-secret")
	assert.NoError(t, err)
}

func TestGateway_UpdatePasswordWrapsProviderErrors(t *testing.T) {
	ctx := context.Background()
	provider := &MockProvider{}
	session := &domain.Session{
		User:       &domain.User{ID: "u1"},
		Credential: domain.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)},
	}
	provider.On("SignInWithPassword", mock.Anything, "user@example.com", "correctpw").Return(session, nil)
	provider.On("UpdatePassword", mock.Anything, session.Credential, "n3w-secret").Return(nil, errors.New("boom"))

	store := credentials.NewStore(kvstore.NewMemory(), credentials.DefaultKeys(), zerolog.Nop())
	gw := New(provider, store, DefaultConfig(), zerolog.Nop())
	defer gw.Close()

	_, err := gw.SignIn(ctx, "user@example.com", "correctpw")
	require.NoError(t, err)
	_, err = gw.UpdatePassword(ctx, "n3w-secret")
	assert.ErrorIs(t, err, domain.ErrProviderError)
	provider.AssertExpectations(t)
}

func TestGateway_BeginRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	issued := f.provider.Issue(testfixtures.UserEmail)

	rec := &recorder{}
	f.gateway.Subscribe(rec.record)

	cred, err := RecoveryCredentialFromURL("https://app.example.com/reset-password#access_token=" +
		issued.Credential.AccessToken + "&refresh_token=" + issued.Credential.RefreshToken + "&type=recovery")
	require.NoError(t, err)

	session, err := f.gateway.BeginRecovery(ctx, cred)
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken())
	assert.Equal(t, []domain.EventKind{domain.EventPasswordRecovery}, rec.waitFor(t, 1))

	_, err = f.gateway.UpdatePassword(ctx, "n3w-secret")
	assert.NoError(t, err)
}

func TestRecoveryCredentialFromURL(t *testing.T) {
	tests := []struct {
		name    string
		link    string
		want    string
		wantErr error
	}{
		{
			name: "fragment",
			link: "https://app/reset#access_token=a1&refresh_token=r1&type=recovery&expires_at=4102444800",
			want: "a1",
		},
		{
			name: "query",
			link: "https://app/reset?access_token=a2&refresh_token=r2",
			want: "a2",
		},
		{
			name:    "wrong type",
			link:    "https://app/reset#access_token=a1&type=signup",
			wantErr: domain.ErrValidation,
		},
		{
			name:    "provider error",
			link:    "https://app/reset#error=access_denied&error_description=Email+link+is+invalid+or+has+expired",
			wantErr: domain.ErrProviderError,
		},
		{
			name:    "provider error code only",
			link:    "https://app/reset#error=access_denied&error_code=otp_expired",
			wantErr: domain.ErrProviderError,
		},
		{
			name:    "fragment error wins over query credential",
			link:    "https://app/reset?access_token=stale#error=access_denied&error_description=Email+link+is+invalid+or+has+expired",
			wantErr: domain.ErrProviderError,
		},
		{
			name:    "provider error in query",
			link:    "https://app/reset?error=access_denied&error_description=Email+link+is+invalid+or+has+expired",
			wantErr: domain.ErrProviderError,
		},
		{
			name: "unrelated fragment falls back to query",
			link: "https://app/reset?access_token=a3#section",
			want: "a3",
		},
		{
			name:    "empty",
			link:    "https://app/reset",
			wantErr: domain.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := RecoveryCredentialFromURL(tt.link)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				if errors.Is(tt.wantErr, domain.ErrProviderError) {
					assert.NotErrorIs(t, err, domain.ErrValidation)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cred.AccessToken)
		})
	}
}

func TestGateway_AutoRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RefreshAhead: time.Hour, CheckInterval: 10 * time.Millisecond})

	signedIn, err := f.gateway.SignIn(ctx, testfixtures.UserEmail, testfixtures.UserPassword)
	require.NoError(t, err)

	f.gateway.Start(ctx)
	f.gateway.Start(ctx)
	require.Eventually(t, func() bool {
		current := f.gateway.Current()
		return current != nil && current.AccessToken() != signedIn.AccessToken()
	}, time.Second, 5*time.Millisecond)

	f.gateway.Stop()
	f.gateway.Stop()
	calls := f.provider.RefreshCalls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, f.provider.RefreshCalls.Load(), "no refresh after Stop")
}
