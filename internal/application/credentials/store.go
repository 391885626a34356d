// Package credentials owns the durable mirror of the current credential pair
// and user record. Every call-site that needs a token outside the session
// context reads it through Store instead of touching raw keys.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"cohort.app/auth/internal/core/domain"
	"cohort.app/auth/internal/core/ports"
)

// Keys names the durable storage keys
type Keys struct {
	AccessToken        string
	LegacyAccessToken  string
	RefreshToken       string
	LegacyRefreshToken string
	User               string
	PackedSession      string
}

// DefaultKeys returns the key names used by the web front-end, so both can
// share one storage profile.
func DefaultKeys() Keys {
	return Keys{
		AccessToken:        "supabase_access_token",
		LegacyAccessToken:  "accessToken",
		RefreshToken:       "supabase_refresh_token",
		LegacyRefreshToken: "refreshToken",
		User:               "user",
		PackedSession:      "cohort-supabase-auth",
	}
}

// All returns every key the store writes
func (k Keys) All() []string {
	return []string{k.AccessToken, k.LegacyAccessToken, k.RefreshToken, k.LegacyRefreshToken, k.User, k.PackedSession}
}

// Store is the credential store. It is shared, unsynchronized and
// last-write-wins; atomicity comes from the individual kv operations.
type Store struct {
	kv     ports.KeyValueStore
	keys   Keys
	logger zerolog.Logger
}

// NewStore wraps kv with the given key layout
func NewStore(kv ports.KeyValueStore, keys Keys, logger zerolog.Logger) *Store {
	return &Store{
		kv:     kv,
		keys:   keys,
		logger: logger.With().Str("component", "credential_store").Logger(),
	}
}

// Keys returns the key layout
func (s *Store) Keys() Keys {
	return s.keys
}

// SetCredential writes the access and refresh tokens under their primary and
// legacy keys. Empty values are skipped, so a refresh that does not rotate
// the refresh token keeps the old one.
func (s *Store) SetCredential(ctx context.Context, cred domain.Credential) error {
	if cred.AccessToken != "" {
		if err := s.setBoth(ctx, s.keys.AccessToken, s.keys.LegacyAccessToken, cred.AccessToken); err != nil {
			return err
		}
	}
	if cred.RefreshToken != "" {
		if err := s.setBoth(ctx, s.keys.RefreshToken, s.keys.LegacyRefreshToken, cred.RefreshToken); err != nil {
			return err
		}
	}
	s.logger.Debug().Bool("access", cred.AccessToken != "").Bool("refresh", cred.RefreshToken != "").Msg("credential stored")
	return nil
}

func (s *Store) setBoth(ctx context.Context, primary, legacy, value string) error {
	if err := s.kv.Set(ctx, primary, value); err != nil {
		return fmt.Errorf("failed to store %s: %w", primary, err)
	}
	if legacy == "" {
		return nil
	}
	if err := s.kv.Set(ctx, legacy, value); err != nil {
		return fmt.Errorf("failed to store %s: %w", legacy, err)
	}
	return nil
}

// SetUser stores the serialized user record
func (s *Store) SetUser(ctx context.Context, user *domain.User) error {
	if user == nil {
		return s.kv.Delete(ctx, s.keys.User)
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.kv.Set(ctx, s.keys.User, string(data)); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// User returns the stored user record, or nil
func (s *Store) User(ctx context.Context) (*domain.User, error) {
	raw, ok, err := s.kv.Get(ctx, s.keys.User)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var user domain.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("failed to decode stored user: %w", err)
	}
	return &user, nil
}

// SaveSession mirrors a full session: credential, user and packed session.
func (s *Store) SaveSession(ctx context.Context, session *domain.Session) error {
	if session == nil {
		return nil
	}
	if err := s.SetCredential(ctx, session.Credential); err != nil {
		return err
	}
	if session.User != nil {
		if err := s.SetUser(ctx, session.User); err != nil {
			return err
		}
	}
	return s.SetPackedSession(ctx, session)
}

// packedSession is the provider-managed JSON object kept under the packed
// session key
type packedSession struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	TokenType    string       `json:"token_type,omitempty"`
	ExpiresAt    int64        `json:"expires_at,omitempty"`
	User         *domain.User `json:"user,omitempty"`
}

// SetPackedSession stores the session as a single JSON object
func (s *Store) SetPackedSession(ctx context.Context, session *domain.Session) error {
	packed := packedSession{
		AccessToken:  session.Credential.AccessToken,
		RefreshToken: session.Credential.RefreshToken,
		TokenType:    session.Credential.TokenType,
		User:         session.User,
	}
	if !session.Credential.ExpiresAt.IsZero() {
		packed.ExpiresAt = session.Credential.ExpiresAt.Unix()
	}
	data, err := json.Marshal(packed)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, s.keys.PackedSession, string(data)); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// PackedSession decodes the packed session key. Missing or unparseable
// values yield nil without error. Both access_token and accessToken spellings
// are accepted.
func (s *Store) PackedSession(ctx context.Context) (*domain.Session, error) {
	raw, ok, err := s.kv.Get(ctx, s.keys.PackedSession)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring unparseable packed session")
		return nil, nil
	}

	cred := domain.Credential{
		AccessToken:  firstString(fields, "access_token", "accessToken"),
		RefreshToken: firstString(fields, "refresh_token", "refreshToken"),
		TokenType:    firstString(fields, "token_type", "tokenType"),
	}
	if cred.AccessToken == "" {
		return nil, nil
	}
	if exp := firstInt(fields, "expires_at", "expiresAt"); exp > 0 {
		cred.ExpiresAt = time.Unix(exp, 0)
	} else {
		cred.ExpiresAt = domain.ExpiryFromToken(cred.AccessToken)
	}

	session := &domain.Session{Credential: cred, Raw: json.RawMessage(raw)}
	if userRaw, ok := fields["user"]; ok {
		var user domain.User
		if err := json.Unmarshal(userRaw, &user); err == nil && user.ID != "" {
			session.User = &user
		}
	}
	return session, nil
}

// AccessToken resolves the current access token: primary key first, then the
// packed session. "" means no token.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	token, ok, err := s.kv.Get(ctx, s.keys.AccessToken)
	if err != nil {
		return "", err
	}
	if ok && token != "" {
		return token, nil
	}

	packed, err := s.PackedSession(ctx)
	if err != nil || packed == nil {
		return "", err
	}
	return packed.Credential.AccessToken, nil
}

// RefreshToken returns the stored refresh token, falling back to the legacy
// alias
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	for _, key := range []string{s.keys.RefreshToken, s.keys.LegacyRefreshToken} {
		token, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if ok && token != "" {
			return token, nil
		}
	}
	return "", nil
}

// IsAuthenticated reports whether any access token key is populated
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	for _, key := range []string{s.keys.AccessToken, s.keys.LegacyAccessToken} {
		if token, ok, err := s.kv.Get(ctx, key); err == nil && ok && token != "" {
			return true
		}
	}
	return false
}

// Clear removes every mirrored key. Clearing an empty store is a no-op.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.keys.All()...); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	s.logger.Debug().Msg("credentials cleared")
	return nil
}

// Invalidate clears the store. It lets request clients without a session
// context drop credentials after an irrecoverable 401.
func (s *Store) Invalidate(ctx context.Context) error {
	return s.Clear(ctx)
}

// TokenSource returns an oauth2.TokenSource that re-reads the store on every
// call. An empty store yields a nil token and no error.
func (s *Store) TokenSource(ctx context.Context) oauth2.TokenSource {
	return storeTokenSource{ctx: ctx, store: s}
}

type storeTokenSource struct {
	ctx   context.Context
	store *Store
}

func (ts storeTokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.store.AccessToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

func firstString(fields map[string]json.RawMessage, names ...string) string {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err == nil && value != "" {
			return value
		}
	}
	return ""
}

func firstInt(fields map[string]json.RawMessage, names ...string) int64 {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var value json.Number
		if err := json.Unmarshal(raw, &value); err == nil {
			if n, err := strconv.ParseInt(value.String(), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

var _ ports.SessionInvalidator = (*Store)(nil)
