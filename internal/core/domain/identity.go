package domain

import (
	"encoding/json"
	"time"
)

// User is the identity record returned by the provider. It is cached for
// display only and never used for authorization decisions.
type User struct {
	ID         string         `json:"id"`
	Email      string         `json:"email,omitempty"`
	Attributes map[string]any `json:"user_metadata,omitempty"`
}

// Session binds a user to the current credential pair
type Session struct {
	User       *User           `json:"user,omitempty"`
	Credential Credential      `json:"credential"`
	Raw        json.RawMessage `json:"-"`
}

// AccessToken returns the session's access token, or "" for a nil session.
func (s *Session) AccessToken() string {
	if s == nil {
		return ""
	}
	return s.Credential.AccessToken
}

// AuthState is the UI-facing snapshot held by the session context
type AuthState struct {
	User        *User
	Session     *Session
	AccessToken string
	Loading     bool
}

// IsAuthenticated is derived from the presence of a user
func (s AuthState) IsAuthenticated() bool {
	return s.User != nil
}

// EventKind names a provider-initiated state transition
type EventKind string

const (
	EventInitialSession   EventKind = "INITIAL_SESSION"
	EventSignedIn         EventKind = "SIGNED_IN"
	EventSignedOut        EventKind = "SIGNED_OUT"
	EventTokenRefreshed   EventKind = "TOKEN_REFRESHED"
	EventUserUpdated      EventKind = "USER_UPDATED"
	EventPasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// ChangeEvent is delivered to gateway subscribers in emission order.
// Session is nil for EventSignedOut.
type ChangeEvent struct {
	Kind       EventKind
	Session    *Session
	OccurredAt time.Time
}

// NewChangeEvent stamps an event with the current time
func NewChangeEvent(kind EventKind, session *Session) ChangeEvent {
	return ChangeEvent{Kind: kind, Session: session, OccurredAt: time.Now()}
}

// Redirect asks the top-level navigation controller to leave the current
// location. From is the originally requested location, kept for post-login
// return.
type Redirect struct {
	To     string
	From   string
	Reason string
}
