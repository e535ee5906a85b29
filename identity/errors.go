package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrRefreshRejected means the backend refused the refresh token itself
	// (expired, revoked or unknown). Retrying with the same token is pointless.
	ErrRefreshRejected = errors.New("refresh token rejected")

	// ErrNoRefreshToken is returned by Refresh when called without a token.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRateLimited is returned by RequestCode when the phone number asked
	// for codes too often; no request is sent.
	ErrRateLimited = errors.New("too many code requests")

	// ErrDeclined means the backend answered but reported success=false.
	ErrDeclined = errors.New("request declined by identity backend")
)

// ErrorResponse is the error body of the identity backend.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

// IsRejected reports whether err means the refresh token is no longer usable.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRefreshRejected)
}

// retrieveError turns a non-2xx response into *oauth2.RetrieveError,
// filling the OAuth error fields when the body carries them.
func retrieveError(resp *http.Response, body []byte) *oauth2.RetrieveError {
	rerr := &oauth2.RetrieveError{Response: resp, Body: body}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		rerr.ErrorCode = errResp.Error
		rerr.ErrorDescription = errResp.ErrorDescription
		if rerr.ErrorDescription == "" {
			rerr.ErrorDescription = errResp.Message
		}
	}
	return rerr
}

// classifyRefreshError decides whether a failed refresh response is a
// rejection of the token or a transient backend failure.
func classifyRefreshError(resp *http.Response, body []byte) error {
	rerr := retrieveError(resp, body)
	switch {
	case rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "invalid_token":
		return fmt.Errorf("%w: %w", ErrRefreshRejected, rerr)
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrRefreshRejected, rerr)
	default:
		return fmt.Errorf("refresh failed with status %d: %w", resp.StatusCode, rerr)
	}
}
