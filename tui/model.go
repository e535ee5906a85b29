package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the next-refresh countdown.
type tickMsg time.Time

// state represents the current phase of the command.
type state int

const (
	stateInit         state = iota
	stateRequesting         // asking the backend for a code
	stateAwaitingCode       // waiting for the user to type the code
	stateRefreshing         // refreshing the access token
	stateCalling            // authenticated API call in flight
	stateWatching           // background refresh loop
	stateSuccess            // all done
	stateLoggedOut          // session ended
	stateError              // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// maxStatusLines bounds the log so a long watch session does not grow it forever.
const maxStatusLines = 12

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	phone string

	// watch mode
	interval    time.Duration
	nextRefresh time.Time
	remaining   time.Duration
	refreshes   int

	callLabel string
	info      SessionInfo
	errMsg    string
	logoutMsg string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	stylePhoneBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state != stateWatching && m.state != stateRefreshing {
			return m, nil
		}
		now := time.Time(msg)
		for m.interval > 0 && !now.Before(m.nextRefresh) {
			m.nextRefresh = m.nextRefresh.Add(m.interval)
		}
		m.remaining = max(m.nextRefresh.Sub(now), 0)
		return m, tickAfterSecond()

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionFound:
		m.addStatus(statusOK, fmt.Sprintf("Found existing session (%s store)", msg.Store))
		return m, nil

	case MsgSessionNotFound:
		m.addStatus(statusInfo, "No session found")
		return m, nil

	case MsgMigrated:
		m.addStatus(statusOK, "Imported tokens from "+msg.Path)
		return m, nil

	case MsgRequestingCode:
		m.phone = msg.Phone
		m.state = stateRequesting
		return m, nil

	case MsgCodeSent:
		text := msg.Message
		if text == "" {
			text = "code sent"
		}
		m.addStatus(statusOK, "Server: "+text)
		return m, nil

	case MsgAwaitingCode:
		m.phone = msg.Phone
		m.state = stateAwaitingCode
		return m, nil

	case MsgLoggedIn:
		m.addStatus(statusOK, "Login successful")
		return m, nil

	case MsgRefreshing:
		if m.state != stateWatching {
			m.state = stateRefreshing
		}
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.refreshes++
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgCalling:
		m.callLabel = msg.Method + " " + msg.Path
		m.state = stateCalling
		return m, nil

	case MsgAPICallOK:
		m.addStatus(statusOK, fmt.Sprintf("%s answered %d", m.callLabel, msg.Status))
		if msg.Body != "" {
			m.addStatus(statusInfo, truncate(msg.Body, 120))
		}
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgWatching:
		m.interval = msg.Interval
		m.nextRefresh = time.Now().Add(msg.Interval)
		m.remaining = msg.Interval
		m.state = stateWatching
		return m, tickAfterSecond()

	case MsgForcedLogout:
		m.logoutMsg = "The server rejected the refresh token. Please log in again."
		m.state = stateLoggedOut
		m.addStatus(statusWarn, "Session expired")
		return m, nil

	case MsgLoggedOut:
		m.logoutMsg = "Tokens removed from this device."
		m.state = stateLoggedOut
		return m, nil

	case MsgDone:
		m.info = msg.Info
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateLoggedOut:
		return tea.NewView(m.viewLoggedOut())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while a command is running.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  AuthSession  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateRequesting, stateAwaitingCode:
		b.WriteString(styleBold.Render("Signing in as:"))
		b.WriteString("\n\n")
		b.WriteString(stylePhoneBox.Render("  " + m.phone + "  "))
		b.WriteString("\n\n")
		if m.state == stateAwaitingCode {
			b.WriteString(styleDim.Render("Type the code you received and press Enter"))
		} else {
			b.WriteString(m.spinner.View())
			b.WriteString(" Requesting login code...")
		}
		b.WriteString("\n")

	case stateWatching:
		b.WriteString(m.spinner.View())
		b.WriteString(" Keeping the session fresh  ")
		b.WriteString(styleDim.Render(fmt.Sprintf(
			"next refresh in %s, %d so far", formatDuration(m.remaining), m.refreshes,
		)))
		b.WriteString("\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	case stateCalling:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.callLabel + "\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess shows the session summary.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Session " + m.info.Status))
	b.WriteString("\n\n")

	if m.info.Preview != "" {
		b.WriteString(styleBold.Render("Access Token:  "))
		b.WriteString(m.info.Preview + "...\n")

		b.WriteString(styleBold.Render("Token Type:    "))
		b.WriteString(m.info.TokenType + "\n")

		b.WriteString(styleBold.Render("Expires In:    "))
		b.WriteString(formatExpiry(m.info.ExpiresIn) + "\n")
	}
	if m.info.HasRefresh {
		b.WriteString(styleBold.Render("Refresh Token: "))
		b.WriteString("expires in " + formatExpiry(m.info.RefreshExpiresIn) + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewLoggedOut() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleWarn.Render("  ⚠ Logged out"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.logoutMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest past maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = append([]statusLine(nil), m.statusLines[n-maxStatusLines:]...)
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
