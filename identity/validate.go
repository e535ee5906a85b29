package identity

import (
	"errors"
	"fmt"
	"time"
)

const minAccessTokenLength = 10

// validateTokenResponse checks a token-bearing response before anything is
// persisted. A zero expiresAt means the expiry is unknown and is accepted.
func validateTokenResponse(accessToken, tokenType string, expiresAt, now time.Time) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < minAccessTokenLength {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return fmt.Errorf("access token already expired at %s", expiresAt.Format(time.RFC3339))
	}

	// token_type is optional, but if present, should be "Bearer"
	if tokenType != "" && tokenType != "Bearer" {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}
