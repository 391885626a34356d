package testfixtures

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cohort.app/auth/internal/core/domain"
)

// SessionBuilder provides a builder pattern for creating test sessions
type SessionBuilder struct {
	userID       string
	email        string
	attributes   map[string]any
	accessToken  string
	refreshToken string
	tokenType    string
	expiresAt    time.Time
}

// NewSessionBuilder creates a new SessionBuilder with sensible defaults
func NewSessionBuilder() *SessionBuilder {
	return &SessionBuilder{
		userID:       UserID,
		email:        UserEmail,
		accessToken:  "access-token",
		refreshToken: "refresh-token",
		tokenType:    domain.DefaultTokenType,
		expiresAt:    time.Now().Add(time.Hour),
	}
}

// WithUser sets the session owner
func (b *SessionBuilder) WithUser(id, email string) *SessionBuilder {
	b.userID = id
	b.email = email
	return b
}

// WithAttribute adds a user metadata entry
func (b *SessionBuilder) WithAttribute(key string, value any) *SessionBuilder {
	if b.attributes == nil {
		b.attributes = make(map[string]any)
	}
	b.attributes[key] = value
	return b
}

// WithTokens sets the credential pair
func (b *SessionBuilder) WithTokens(access, refresh string) *SessionBuilder {
	b.accessToken = access
	b.refreshToken = refresh
	return b
}

// WithoutRefreshToken models providers that issue opaque session tokens
func (b *SessionBuilder) WithoutRefreshToken() *SessionBuilder {
	b.refreshToken = ""
	return b
}

// ExpiringIn sets the expiry relative to now; negative values build an
// already expired session
func (b *SessionBuilder) ExpiringIn(d time.Duration) *SessionBuilder {
	b.expiresAt = time.Now().Add(d)
	return b
}

// WithoutExpiry leaves the expiry unknown
func (b *SessionBuilder) WithoutExpiry() *SessionBuilder {
	b.expiresAt = time.Time{}
	return b
}

// WithJWTAccessToken replaces the access token with an unsigned JWT whose
// exp and sub claims match the builder
func (b *SessionBuilder) WithJWTAccessToken() *SessionBuilder {
	b.accessToken = UnsignedJWT(b.userID, b.expiresAt)
	return b
}

// Build creates the session
func (b *SessionBuilder) Build() *domain.Session {
	return &domain.Session{
		User: &domain.User{
			ID:         b.userID,
			Email:      b.email,
			Attributes: b.attributes,
		},
		Credential: b.Credential(),
	}
}

// Credential creates only the credential
func (b *SessionBuilder) Credential() domain.Credential {
	return domain.Credential{
		AccessToken:  b.accessToken,
		RefreshToken: b.refreshToken,
		TokenType:    b.tokenType,
		ExpiresAt:    b.expiresAt,
	}
}

// BuildMany creates count sessions with distinct users and tokens
func (b *SessionBuilder) BuildMany(count int) []*domain.Session {
	sessions := make([]*domain.Session, count)
	for i := 0; i < count; i++ {
		clone := *b
		clone.userID = fmt.Sprintf("%s-%d", b.userID, i)
		clone.accessToken = fmt.Sprintf("%s-%d", b.accessToken, i)
		if b.refreshToken != "" {
			clone.refreshToken = fmt.Sprintf("%s-%d", b.refreshToken, i)
		}
		sessions[i] = clone.Build()
	}
	return sessions
}

// UnsignedJWT returns a token with the given claims and no usable signature.
// Only unverified claim reads accept it.
func UnsignedJWT(subject string, expiresAt time.Time) string {
	claims := jwt.MapClaims{"sub": subject}
	if !expiresAt.IsZero() {
		claims["exp"] = expiresAt.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-only"))
	if err != nil {
		panic(err)
	}
	return token
}
