package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/infrastructure/kvstore"
)

func newTestStore() (*Store, *kvstore.Memory) {
	kv := kvstore.NewMemory()
	return NewStore(kv, DefaultKeys(), zerolog.Nop()), kv
}

func TestStore_SaveSessionWritesAllKeys(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore()

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	err := store.SaveSession(ctx, &domain.Session{
		User: &domain.User{ID: "u1", Email: "user@example.com"},
		Credential: domain.Credential{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			TokenType:    "bearer",
			ExpiresAt:    expires,
		},
	})
	require.NoError(t, err)

	for key, want := range map[string]string{
		"supabase_access_token":  "access-1",
		"accessToken":            "access-1",
		"supabase_refresh_token": "refresh-1",
		"refreshToken":           "refresh-1",
	} {
		got, ok, err := kv.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "key %s should be set", key)
		assert.Equal(t, want, got, "key %s", key)
	}

	user, err := store.User(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "user@example.com", user.Email)

	packed, err := store.PackedSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, packed)
	assert.Equal(t, "access-1", packed.Credential.AccessToken)
	assert.Equal(t, "refresh-1", packed.Credential.RefreshToken)
	assert.True(t, expires.Equal(packed.Credential.ExpiresAt))
	require.NotNil(t, packed.User)
	assert.Equal(t, "u1", packed.User.ID)
}

func TestStore_AccessTokenResolutionOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		values map[string]string
		want   string
	}{
		{
			name: "primary key wins",
			values: map[string]string{
				"supabase_access_token": "primary",
				"cohort-supabase-auth":  `{"access_token":"packed"}`,
			},
			want: "primary",
		},
		{
			name:   "packed snake case",
			values: map[string]string{"cohort-supabase-auth": `{"access_token":"packed"}`},
			want:   "packed",
		},
		{
			name:   "packed camel case",
			values: map[string]string{"cohort-supabase-auth": `{"accessToken":"camel"}`},
			want:   "camel",
		},
		{
			name:   "legacy alias alone is not consulted",
			values: map[string]string{"accessToken": "legacy"},
			want:   "",
		},
		{
			name:   "unparseable packed session is ignored",
			values: map[string]string{"cohort-supabase-auth": `{not json`},
			want:   "",
		},
		{
			name: "empty store",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, kv := newTestStore()
			for k, v := range tt.values {
				require.NoError(t, kv.Set(ctx, k, v))
			}
			got, err := store.AccessToken(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_RefreshTokenFallsBackToLegacy(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore()
	require.NoError(t, kv.Set(ctx, "refreshToken", "legacy-refresh"))

	got, err := store.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "legacy-refresh", got)
}

func TestStore_SetCredentialKeepsRefreshWhenNotRotated(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	require.NoError(t, store.SetCredential(ctx, domain.Credential{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, store.SetCredential(ctx, domain.Credential{AccessToken: "a2"}))

	access, err := store.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", access)

	refresh, err := store.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", refresh)
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore()

	require.NoError(t, store.SaveSession(ctx, &domain.Session{
		User:       &domain.User{ID: "u1"},
		Credential: domain.Credential{AccessToken: "a", RefreshToken: "r"},
	}))
	assert.True(t, store.IsAuthenticated(ctx))

	require.NoError(t, store.Clear(ctx))
	assert.Equal(t, 0, kv.Len())
	require.NoError(t, store.Invalidate(ctx))
	assert.Equal(t, 0, kv.Len())
	assert.False(t, store.IsAuthenticated(ctx))
}

func TestStore_PackedSessionDerivesExpiryFromJWT(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore()

	// {"alg":"none"}.{"sub":"u1","exp":4102444800}.
	jwt := "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ1MSIsImV4cCI6NDEwMjQ0NDgwMH0."
	require.NoError(t, kv.Set(ctx, "cohort-supabase-auth", `{"access_token":"`+jwt+`"}`))

	packed, err := store.PackedSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, packed)
	assert.Equal(t, int64(4102444800), packed.Credential.ExpiresAt.Unix())
}

func TestStore_TokenSourceRereadsStore(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	ts := store.TokenSource(ctx)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Nil(t, tok, "empty store yields no token")

	require.NoError(t, store.SetCredential(ctx, domain.Credential{AccessToken: "first"}))
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "first", tok.AccessToken)

	require.NoError(t, store.SetCredential(ctx, domain.Credential{AccessToken: "second"}))
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "second", tok.AccessToken)
}

// Tokens written under the primary key are readable by an independent reader
// of the same backend.
func TestStore_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		kv := kvstore.NewMemory()
		writer := NewStore(kv, DefaultKeys(), zerolog.Nop())
		reader := NewStore(kv, DefaultKeys(), zerolog.Nop())

		tokens := rapid.SliceOfN(rapid.StringMatching(`[A-Za-z0-9._-]{1,64}`), 1, 10).Draw(t, "tokens")
		for _, tok := range tokens {
			if err := writer.SetCredential(ctx, domain.Credential{AccessToken: tok}); err != nil {
				t.Fatalf("set: %v", err)
			}
		}

		got, err := reader.AccessToken(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if want := tokens[len(tokens)-1]; got != want {
			t.Fatalf("expected last written token %q, got %q", want, got)
		}
	})
}
