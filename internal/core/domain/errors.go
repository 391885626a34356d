package domain

import "errors"

// Input errors, raised before any network call.
var (
	ErrValidation = errors.New("validation failed")
)

// Identity provider errors.
var (
	ErrInvalidCredentials  = errors.New("invalid login credentials")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	ErrProviderError       = errors.New("identity provider error")
	ErrSessionNotFound     = errors.New("no active session")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// Backend API errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
)
