// revmux-sessions is a read-only viewer for the session snapshot written by
// a running revmux handler. It runs in a separate terminal so the handler's
// raw passthrough screen stays untouched.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/b/revmux/pkg/audit"
	"github.com/b/revmux/pkg/config"
	"github.com/b/revmux/pkg/session"
)

var (
	flagConfig = flag.String("config", "", "config file path")
	flagOnce   = flag.Bool("once", false, "print the snapshot and exit")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("25")).Padding(0, 1)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))
	badStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

type tickMsg time.Time

type model struct {
	table        table.Model
	snapshotPath string
	auditPath    string
	updatedAt    time.Time
	auditStatus  string
	err          error
}

func newModel(snapshotPath, auditPath string) model {
	columns := []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Remote", Width: 21},
		{Title: "State", Width: 11},
		{Title: "Host", Width: 16},
		{Title: "User", Width: 12},
		{Title: "Priv", Width: 8},
		{Title: "Connected", Width: 19},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("15")).Background(lipgloss.Color("238"))
	t.SetStyles(styles)

	m := model{table: t, snapshotPath: snapshotPath, auditPath: auditPath}
	m.reload()
	return m
}

func (m *model) reload() {
	snap, err := session.ReadSnapshot(m.snapshotPath)
	if err != nil {
		m.err = err
		m.table.SetRows(nil)
		return
	}
	m.err = nil
	m.updatedAt = snap.UpdatedAt

	rows := make([]table.Row, 0, len(snap.Sessions))
	for _, e := range snap.Sessions {
		id := e.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id, e.RemoteAddress, e.State, e.Hostname, e.Username,
			e.Privilege, e.ConnectedAt.Format("2006-01-02 15:04:05"),
		})
	}
	m.table.SetRows(rows)
	m.verifyAudit()
}

func (m *model) verifyAudit() {
	if m.auditPath == "" {
		m.auditStatus = ""
		return
	}
	logger, err := audit.New(m.auditPath)
	if err != nil {
		m.auditStatus = dimStyle.Render("audit: unavailable")
		return
	}
	n, err := logger.Verify()
	if err != nil {
		m.auditStatus = badStyle.Render(fmt.Sprintf("audit: CHAIN BROKEN: %v", err))
		return
	}
	m.auditStatus = okStyle.Render(fmt.Sprintf("audit: %d entries, chain intact", n))
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.reload()
			return m, nil
		}
	case tickMsg:
		m.reload()
		return m, tick()
	case tea.WindowSizeMsg:
		m.table.SetHeight(msg.Height - 6)
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) View() string {
	header := titleStyle.Render(" revmux sessions ")
	if m.err != nil {
		return fmt.Sprintf("%s\n\n%s\n\n%s\n",
			header,
			badStyle.Render(fmt.Sprintf("snapshot unavailable: %v", m.err)),
			dimStyle.Render("r refresh · q quit"))
	}
	footer := dimStyle.Render(fmt.Sprintf("updated %s · r refresh · q quit",
		m.updatedAt.Format("15:04:05")))
	out := header + "\n\n" + m.table.View() + "\n\n"
	if m.auditStatus != "" {
		out += m.auditStatus + "\n"
	}
	return out + footer + "\n"
}

func printOnce(snapshotPath string) error {
	snap, err := session.ReadSnapshot(snapshotPath)
	if err != nil {
		return err
	}
	fmt.Printf("%-10s %-21s %-11s %-16s %-12s %-8s %s\n",
		"ID", "REMOTE", "STATE", "HOST", "USER", "PRIV", "CONNECTED")
	for _, e := range snap.Sessions {
		id := e.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Printf("%-10s %-21s %-11s %-16s %-12s %-8s %s\n",
			id, e.RemoteAddress, e.State, e.Hostname, e.Username,
			e.Privilege, e.ConnectedAt.Format(time.RFC3339))
	}
	return nil
}

func main() {
	flag.Parse()

	cfgPath := *flagConfig
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "revmux-sessions: %v\n", err)
		os.Exit(1)
	}

	if *flagOnce {
		if err := printOnce(cfg.Snapshot.Path); err != nil {
			fmt.Fprintf(os.Stderr, "revmux-sessions: %v\n", err)
			os.Exit(1)
		}
		return
	}

	auditPath := ""
	if cfg.Audit.Enabled {
		auditPath = cfg.Audit.LogPath
	}
	p := tea.NewProgram(newModel(cfg.Snapshot.Path, auditPath), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "revmux-sessions: %v\n", err)
		os.Exit(1)
	}
}
