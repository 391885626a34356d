// Package guard gates protected views on the session's authentication state.
package guard

import (
	"net/http"
	"net/url"
	"strconv"

	"cohort.app/auth/internal/core/domain"
)

// Decision is the outcome of a guard check
type Decision int

const (
	// Wait means the initial session resolution has not finished
	Wait Decision = iota
	// Allow means the protected content may be rendered
	Allow
	// Redirect means the user must sign in first
	Redirect
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Result carries the decision and, for Redirect, where to go
type Result struct {
	Decision Decision
	Location string
}

// Decide is a pure function of the auth state: wait while loading, allow
// when authenticated, otherwise send the user to loginPath remembering the
// requested location.
func Decide(state domain.AuthState, requested, loginPath string) Result {
	switch {
	case state.Loading:
		return Result{Decision: Wait}
	case state.IsAuthenticated():
		return Result{Decision: Allow}
	default:
		return Result{Decision: Redirect, Location: LoginLocation(loginPath, requested)}
	}
}

// LoginLocation appends the originally requested location as ?from=
func LoginLocation(loginPath, from string) string {
	if loginPath == "" {
		loginPath = "/login"
	}
	if from == "" || from == loginPath {
		return loginPath
	}
	u, err := url.Parse(loginPath)
	if err != nil {
		return loginPath
	}
	q := u.Query()
	q.Set("from", from)
	u.RawQuery = q.Encode()
	return u.String()
}

// StateSource exposes the current auth state
type StateSource interface {
	State() domain.AuthState
}

// Options tunes the middleware
type Options struct {
	LoginPath string
	// RetryAfter is the delay in seconds advertised while waiting
	RetryAfter int
	// Waiting replaces the default waiting response
	Waiting http.Handler
}

// Middleware protects next with Decide
func Middleware(source StateSource, opts Options) func(http.Handler) http.Handler {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 1
	}
	waiting := opts.Waiting
	if waiting == nil {
		waiting = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(opts.RetryAfter))
			w.Header().Set("Cache-Control", "no-store")
			http.Error(w, "Loading session...", http.StatusServiceUnavailable)
		})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := Decide(source.State(), r.URL.RequestURI(), opts.LoginPath)
			switch result.Decision {
			case Wait:
				waiting.ServeHTTP(w, r)
			case Allow:
				next.ServeHTTP(w, r)
			default:
				http.Redirect(w, r, result.Location, http.StatusSeeOther)
			}
		})
	}
}
