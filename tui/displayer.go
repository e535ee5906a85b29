package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// SessionInfo summarizes the stored session for display.
type SessionInfo struct {
	Status           string
	Preview          string
	TokenType        string
	ExpiresIn        time.Duration
	RefreshExpiresIn time.Duration
	HasRefresh       bool
}

// Displayer abstracts all user-facing output of the CLI.
type Displayer interface {
	Banner()
	SessionFound(store string)
	SessionNotFound()
	Migrated(path string)
	RequestingCode(phone string)
	CodeSent(message string)
	AwaitingCode(phone string)
	LoggedIn()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	Calling(method, path string)
	APICallOK(status int, body string)
	APICallFailed(err error)
	Watching(interval time.Duration)
	ForcedLogout()
	LoggedOut()
	Done(info SessionInfo)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== AuthSession CLI (OTP login with refresh coordination) ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound(store string) {
	fmt.Fprintf(p.w, "Found existing session in %s store\n", store)
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "No session found, please log in")
}

func (p *PlainDisplayer) Migrated(path string) {
	fmt.Fprintf(p.w, "Imported tokens from %s\n", path)
}

func (p *PlainDisplayer) RequestingCode(phone string) {
	fmt.Fprintf(p.w, "Requesting login code for %s...\n", phone)
}

func (p *PlainDisplayer) CodeSent(message string) {
	if message == "" {
		message = "code sent"
	}
	fmt.Fprintf(p.w, "Server: %s\n", message)
}

func (p *PlainDisplayer) AwaitingCode(phone string) {
	fmt.Fprintf(p.w, "Enter the code sent to %s: ", phone)
}

func (p *PlainDisplayer) LoggedIn() {
	fmt.Fprintln(p.w, "\nLogin successful!")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) Calling(method, path string) {
	fmt.Fprintf(p.w, "\n%s %s\n", method, path)
}

func (p *PlainDisplayer) APICallOK(status int, body string) {
	fmt.Fprintf(p.w, "API call successful (%d)\n", status)
	if body != "" {
		fmt.Fprintf(p.w, "Response: %s\n", body)
	}
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) Watching(interval time.Duration) {
	fmt.Fprintf(p.w, "Refreshing in the background every %s, press Ctrl+C to stop\n", interval)
}

func (p *PlainDisplayer) ForcedLogout() {
	fmt.Fprintln(p.w, "Session expired: the server rejected the refresh token. Please log in again.")
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out, tokens removed")
}

func (p *PlainDisplayer) Done(info SessionInfo) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	fmt.Fprintf(p.w, "Status: %s\n", info.Status)
	if info.Preview != "" {
		fmt.Fprintf(p.w, "Access Token: %s...\n", info.Preview)
		fmt.Fprintf(p.w, "Token Type: %s\n", info.TokenType)
		fmt.Fprintf(p.w, "Expires In: %s\n", formatExpiry(info.ExpiresIn))
	}
	if info.HasRefresh {
		fmt.Fprintf(p.w, "Refresh Token Expires In: %s\n", formatExpiry(info.RefreshExpiresIn))
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                   {}
func (NoopDisplayer) SessionFound(_ string)     {}
func (NoopDisplayer) SessionNotFound()          {}
func (NoopDisplayer) Migrated(_ string)         {}
func (NoopDisplayer) RequestingCode(_ string)   {}
func (NoopDisplayer) CodeSent(_ string)         {}
func (NoopDisplayer) AwaitingCode(_ string)     {}
func (NoopDisplayer) LoggedIn()                 {}
func (NoopDisplayer) Refreshing()               {}
func (NoopDisplayer) RefreshOK()                {}
func (NoopDisplayer) RefreshFailed(_ error)     {}
func (NoopDisplayer) Calling(_, _ string)       {}
func (NoopDisplayer) APICallOK(_ int, _ string) {}
func (NoopDisplayer) APICallFailed(_ error)     {}
func (NoopDisplayer) Watching(_ time.Duration)  {}
func (NoopDisplayer) ForcedLogout()             {}
func (NoopDisplayer) LoggedOut()                {}
func (NoopDisplayer) Done(_ SessionInfo)        {}
func (NoopDisplayer) Fatal(_ error)             {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionFound(store string) {
	t.p.Send(MsgSessionFound{Store: store})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) Migrated(path string) {
	t.p.Send(MsgMigrated{Path: path})
}

func (t *ProgramDisplayer) RequestingCode(phone string) {
	t.p.Send(MsgRequestingCode{Phone: phone})
}

func (t *ProgramDisplayer) CodeSent(message string) {
	t.p.Send(MsgCodeSent{Message: message})
}

func (t *ProgramDisplayer) AwaitingCode(phone string) {
	t.p.Send(MsgAwaitingCode{Phone: phone})
}

func (t *ProgramDisplayer) LoggedIn() {
	t.p.Send(MsgLoggedIn{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Calling(method, path string) {
	t.p.Send(MsgCalling{Method: method, Path: path})
}

func (t *ProgramDisplayer) APICallOK(status int, body string) {
	t.p.Send(MsgAPICallOK{Status: status, Body: body})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) Watching(interval time.Duration) {
	t.p.Send(MsgWatching{Interval: interval})
}

func (t *ProgramDisplayer) ForcedLogout() {
	t.p.Send(MsgForcedLogout{})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Done(info SessionInfo) {
	t.p.Send(MsgDone{Info: info})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

// formatExpiry prints a remaining lifetime, or "unknown" for tokens without expiry.
func formatExpiry(d time.Duration) string {
	if d == 0 {
		return "unknown"
	}
	if d < 0 {
		return "expired"
	}
	return formatDuration(d)
}
