package term

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/b/revmux/pkg/session"
)

// MenuAction is what a keystroke in the menu resolved to.
type MenuAction int

const (
	MenuNone MenuAction = iota
	// MenuSelect attaches the highlighted session.
	MenuSelect
	// MenuKill terminates the highlighted session.
	MenuKill
	// MenuClose leaves the menu without changing the foreground.
	MenuClose
)

var (
	menuTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("25")).
			Padding(0, 1)
	menuHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	menuCursorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("238"))
	menuRowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	menuRootStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	menuUserStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))
	menuDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	menuHelpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// Menu is the session picker. It owns a cursor over a snapshot of the
// registry listing; the multiplexer refreshes the snapshot before showing
// it and after any mutation.
type Menu struct {
	sessions []*session.Session
	cursor   int
}

func NewMenu() *Menu {
	return &Menu{}
}

// SetSessions replaces the listing, clamping the cursor.
func (m *Menu) SetSessions(sessions []*session.Session) {
	m.sessions = sessions
	if m.cursor >= len(sessions) {
		m.cursor = len(sessions) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// Selected returns the session under the cursor.
func (m *Menu) Selected() (*session.Session, bool) {
	if len(m.sessions) == 0 {
		return nil, false
	}
	return m.sessions[m.cursor], true
}

// HandleKey maps one input chunk to a menu action. Arrow keys arrive as
// full escape sequences because the forwarder only dispatches whole chunks.
func (m *Menu) HandleKey(p []byte) MenuAction {
	switch {
	case len(p) == 0:
		return MenuNone
	case string(p) == "\x1b[A" || (len(p) == 1 && p[0] == 'k'):
		m.up()
		return MenuNone
	case string(p) == "\x1b[B" || (len(p) == 1 && p[0] == 'j'):
		m.down()
		return MenuNone
	case len(p) == 1 && (p[0] == '\r' || p[0] == '\n'):
		if _, ok := m.Selected(); ok {
			return MenuSelect
		}
		return MenuNone
	case len(p) == 1 && p[0] == 'K':
		if _, ok := m.Selected(); ok {
			return MenuKill
		}
		return MenuNone
	case len(p) == 1 && (p[0] == 'q' || p[0] == 0x1b):
		return MenuClose
	}
	return MenuNone
}

func (m *Menu) up() {
	if m.cursor > 0 {
		m.cursor--
	}
}

func (m *Menu) down() {
	if m.cursor < len(m.sessions)-1 {
		m.cursor++
	}
}

// Render draws the full menu frame for the given terminal width.
func (m *Menu) Render(cols int) string {
	if cols <= 0 {
		cols = 80
	}
	var b strings.Builder

	title := menuTitleStyle.Render(fmt.Sprintf(" revmux: %d session(s) ", len(m.sessions)))
	b.WriteString(title + "\r\n\r\n")

	if len(m.sessions) == 0 {
		b.WriteString(menuDimStyle.Render("  no sessions - waiting for connections") + "\r\n")
	} else {
		header := fmt.Sprintf("  %-10s %-21s %-24s %-9s %-11s %s",
			"ID", "REMOTE", "IDENTITY", "PRIV", "STATE", "AGE")
		b.WriteString(menuHeaderStyle.Render(header) + "\r\n")
		for i, s := range m.sessions {
			b.WriteString(m.renderRow(i, s, cols) + "\r\n")
		}
	}

	b.WriteString("\r\n")
	b.WriteString(menuHelpStyle.Render("  ↑/↓ move · enter attach · K kill · q close") + "\r\n")
	return b.String()
}

func (m *Menu) renderRow(i int, s *session.Session, cols int) string {
	meta := s.Metadata()

	identity := "-"
	if meta.Username != "" || meta.Hostname != "" {
		identity = meta.Username + "@" + meta.Hostname
	}
	identity = runewidth.Truncate(identity, 24, "…")

	priv := string(meta.Privilege)
	age := formatAge(time.Since(meta.ConnectedAt))

	line := fmt.Sprintf("  %-10s %-21s %-24s %-9s %-11s %s",
		shortID(s.ID),
		runewidth.Truncate(s.RemoteAddr, 21, "…"),
		identity,
		priv,
		s.State().String(),
		age)
	if meta.OperatorNotes != "" {
		line += "  " + runewidth.Truncate(meta.OperatorNotes, 20, "…")
	}
	// Truncate before styling so escape codes never count against width.
	line = runewidth.Truncate(line, cols, "")

	if i == m.cursor {
		return menuCursorStyle.Render(line)
	}
	switch meta.Privilege {
	case session.PrivilegeRoot:
		return menuRootStyle.Render(line)
	case session.PrivilegeUser:
		return menuUserStyle.Render(line)
	}
	return menuRowStyle.Render(line)
}

// formatAge renders a duration the way a human scans it: 42s, 3m12s, 2h05m.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
