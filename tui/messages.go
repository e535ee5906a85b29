package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that stored tokens were found.
type MsgSessionFound struct{ Store string }

// MsgSessionNotFound signals that no tokens are stored.
type MsgSessionNotFound struct{}

// MsgMigrated signals that tokens from the legacy file were imported.
type MsgMigrated struct{ Path string }

// MsgRequestingCode signals that an OTP code is being requested.
type MsgRequestingCode struct{ Phone string }

// MsgCodeSent signals that the backend sent the code.
type MsgCodeSent struct{ Message string }

// MsgAwaitingCode signals that the CLI waits for the user to type the code.
type MsgAwaitingCode struct{ Phone string }

// MsgLoggedIn signals that the code was accepted and tokens were stored.
type MsgLoggedIn struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgCalling signals that an authenticated API call started.
type MsgCalling struct{ Method, Path string }

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct {
	Status int
	Body   string
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgWatching signals that background refresh started.
type MsgWatching struct{ Interval time.Duration }

// MsgForcedLogout signals that the backend rejected the refresh token.
type MsgForcedLogout struct{}

// MsgLoggedOut signals that the user logged out.
type MsgLoggedOut struct{}

// MsgDone signals that the command finished with session details to show.
type MsgDone struct{ Info SessionInfo }

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
