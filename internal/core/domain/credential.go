package domain

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// DefaultTokenType is used when a provider omits token_type.
const DefaultTokenType = "bearer"

// Credential is the access/refresh pair issued by the identity provider
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// IsZero reports whether the credential carries no access token
func (c Credential) IsZero() bool {
	return c.AccessToken == ""
}

// IsExpired checks if the access token has expired. A credential without a
// known expiry never expires locally; the server decides.
func (c Credential) IsExpired() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.ExpiresAt)
}

// ShouldRefresh returns true if the token will expire within refreshAhead
func (c Credential) ShouldRefresh(refreshAhead time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	if c.IsExpired() {
		return true
	}
	return time.Now().After(c.ExpiresAt.Add(-refreshAhead))
}

// TimeUntilExpiry returns the duration until the token expires
func (c Credential) TimeUntilExpiry() time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	return time.Until(c.ExpiresAt)
}

// OAuth2Token converts the credential for use with golang.org/x/oauth2 helpers.
func (c Credential) OAuth2Token() *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = DefaultTokenType
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    tokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt,
	}
}

// CredentialFromOAuth2 is the inverse of OAuth2Token.
func CredentialFromOAuth2(tok *oauth2.Token) Credential {
	if tok == nil {
		return Credential{}
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
}

// ExpiryFromToken reads the exp claim of a JWT access token without verifying
// its signature. Opaque tokens yield the zero time.
func ExpiryFromToken(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// SubjectFromToken reads the sub claim of a JWT access token without
// verifying it.
func SubjectFromToken(token string) string {
	if strings.Count(token, ".") != 2 {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
