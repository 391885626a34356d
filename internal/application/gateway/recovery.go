package gateway

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"cohort.app/auth/internal/core/domain"
)

// RecoveryCredentialFromURL extracts the credential a provider appends to a
// password recovery redirect, e.g.
// https://app/reset-password#access_token=...&refresh_token=...&type=recovery
// Parameters are read from the fragment when it carries a credential or an
// error, otherwise from the query.
func RecoveryCredentialFromURL(raw string) (domain.Credential, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: invalid recovery link: %w", domain.ErrValidation, err)
	}

	params, err := url.ParseQuery(u.Fragment)
	if err != nil || !carriesOutcome(params) {
		params = u.Query()
	}
	if desc := params.Get("error_description"); desc != "" {
		return domain.Credential{}, fmt.Errorf("%w: %s", domain.ErrProviderError, desc)
	}
	if code := params.Get("error"); code != "" {
		return domain.Credential{}, fmt.Errorf("%w: %s", domain.ErrProviderError, code)
	}
	if kind := params.Get("type"); kind != "" && kind != "recovery" {
		return domain.Credential{}, fmt.Errorf("%w: link type %q is not a recovery link", domain.ErrValidation, kind)
	}

	cred := domain.Credential{
		AccessToken:  params.Get("access_token"),
		RefreshToken: params.Get("refresh_token"),
		TokenType:    params.Get("token_type"),
	}
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return domain.Credential{}, fmt.Errorf("%w: recovery link carries no credential", domain.ErrValidation)
	}
	if exp, err := strconv.ParseInt(params.Get("expires_at"), 10, 64); err == nil && exp > 0 {
		cred.ExpiresAt = time.Unix(exp, 0)
	} else {
		cred.ExpiresAt = domain.ExpiryFromToken(cred.AccessToken)
	}
	return cred, nil
}

func carriesOutcome(params url.Values) bool {
	for _, key := range []string{"access_token", "refresh_token", "error", "error_description"} {
		if params.Get(key) != "" {
			return true
		}
	}
	return false
}
