package session

import (
	"fmt"
	"strings"
	"time"
)

// StabilizerConfig controls the probe sequence run against a fresh shell.
type StabilizerConfig struct {
	// StepDelay is how long to wait after each probe for output to settle.
	StepDelay time.Duration
	// TermType is exported into the remote environment on POSIX shells.
	TermType string
	// Interpreters are tried in order for a PTY upgrade.
	Interpreters []string
}

// DefaultStabilizerConfig matches the values applyDefaults writes into a
// fresh config file.
func DefaultStabilizerConfig() StabilizerConfig {
	return StabilizerConfig{
		StepDelay:    400 * time.Millisecond,
		TermType:     "xterm-256color",
		Interpreters: []string{"python3", "python"},
	}
}

// Stabilizer interrogates and upgrades a raw shell before an operator ever
// sees it. It runs exactly once per session, before the session becomes
// attachable.
type Stabilizer struct {
	cfg StabilizerConfig
}

func NewStabilizer(cfg StabilizerConfig) *Stabilizer {
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 400 * time.Millisecond
	}
	if cfg.TermType == "" {
		cfg.TermType = "xterm-256color"
	}
	if len(cfg.Interpreters) == 0 {
		cfg.Interpreters = []string{"python3", "python"}
	}
	return &Stabilizer{cfg: cfg}
}

// Run executes the probe sequence: OS detection, hostname, username, and on
// POSIX shells a best-effort PTY upgrade plus TERM and window size. Probe
// output is parsed for metadata and then drained so it never reaches the
// operator. Failed probes leave the affected field at its zero value; Run
// only errors if the session dies mid-sequence.
func (st *Stabilizer) Run(s *Session, rows, cols int) error {
	s.setStabilizing(true)
	defer s.setStabilizing(false)

	// Let any connect banner (motd, prompt) land first.
	st.settle(s)
	s.DrainOutput()

	osType := st.probeOS(s)
	hostname := st.probeHostname(s)
	username, privilege := st.probeUser(s, osType)

	s.UpdateMetadata(func(m *Metadata) {
		m.OSType = osType
		m.Hostname = hostname
		m.Username = username
		m.Privilege = privilege
	})

	if !isWindows(osType) {
		st.upgradePTY(s)
		st.sendLine(s, "export TERM="+st.cfg.TermType)
		if rows > 0 && cols > 0 {
			st.sendLine(s, fmt.Sprintf("stty rows %d cols %d", rows, cols))
		}
		st.settle(s)
		s.DrainOutput()
	}

	if s.State() == StateTerminated {
		return ErrTerminated
	}
	return nil
}

func (st *Stabilizer) probeOS(s *Session) string {
	out := st.exchange(s, "uname -a")
	if os := ParseOS(out); os != "" {
		return os
	}
	// uname missing usually means a Windows shell; `ver` is a cmd.exe
	// builtin and echoes on PowerShell too.
	out = st.exchange(s, "ver")
	if os := ParseOS(out); os != "" {
		return os
	}
	return ""
}

func (st *Stabilizer) probeHostname(s *Session) string {
	return ParseHostname(st.exchange(s, "hostname"))
}

func (st *Stabilizer) probeUser(s *Session, osType string) (string, Privilege) {
	out := st.exchange(s, "whoami")
	return ParseUser(out, osType)
}

// upgradePTY tries each configured interpreter until one spawns a real PTY.
// There is no reliable success signal over a raw socket, so the first
// interpreter that produces any output wins.
func (st *Stabilizer) upgradePTY(s *Session) {
	for _, interp := range st.cfg.Interpreters {
		cmd := fmt.Sprintf("%s -c 'import pty; pty.spawn(\"/bin/bash\")' 2>/dev/null || %s -c 'import pty; pty.spawn(\"/bin/sh\")' 2>/dev/null", interp, interp)
		out := st.exchange(s, cmd)
		if strings.TrimSpace(out) != "" {
			return
		}
	}
}

// exchange sends one command, waits StepDelay, and collects whatever output
// arrived.
func (st *Stabilizer) exchange(s *Session, cmd string) string {
	if err := st.sendLine(s, cmd); err != nil {
		return ""
	}
	st.settle(s)
	var b strings.Builder
	for {
		p, ok := s.TryReceive()
		if !ok {
			break
		}
		b.Write(p)
	}
	return b.String()
}

func (st *Stabilizer) sendLine(s *Session, cmd string) error {
	return s.Send([]byte(cmd + "\n"))
}

func (st *Stabilizer) settle(s *Session) {
	time.Sleep(st.cfg.StepDelay)
}

// ParseOS classifies probe output from uname/ver into an OS label. Empty
// string means undetermined.
func ParseOS(out string) string {
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "microsoft windows"), strings.Contains(lower, "windows"):
		return "Windows"
	case strings.Contains(lower, "darwin"):
		return "Darwin"
	case strings.Contains(lower, "linux"):
		return "Linux"
	case strings.Contains(lower, "bsd"):
		return "BSD"
	}
	return ""
}

// ParseHostname picks the hostname out of echoed probe output: the first
// line that looks like a bare hostname rather than a command echo or prompt.
func ParseHostname(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == "" || line == "hostname" {
			continue
		}
		if isHostnameLike(line) {
			return line
		}
	}
	return ""
}

func isHostnameLike(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_':
		default:
			return false
		}
	}
	return true
}

// ParseUser extracts the username and privilege level from whoami output.
// Windows shells report DOMAIN\user; "root", an administrator account, or a
// '#' prompt all imply elevated privilege.
func ParseUser(out, osType string) (string, Privilege) {
	username := ""
	winHint := osType == "Windows" || osType == ""
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == "" || line == "whoami" || looksLikePrompt(line) {
			continue
		}
		if i := strings.LastIndex(line, "\\"); winHint && i >= 0 && i < len(line)-1 {
			// DOMAIN\user, only plausible on Windows
			username = line[i+1:]
		} else if isHostnameLike(line) {
			username = line
		}
		if username != "" {
			break
		}
	}

	priv := PrivilegeUnknown
	lower := strings.ToLower(out)
	switch {
	case username == "root",
		strings.EqualFold(username, "administrator"),
		strings.EqualFold(username, "system"),
		strings.Contains(lower, "nt authority\\system"),
		strings.Contains(out, "root@"),
		promptSuggestsRoot(out):
		priv = PrivilegeRoot
	case username != "":
		priv = PrivilegeUser
	case strings.Contains(out, "/") || strings.Contains(out, "C:\\") || strings.Contains(out, "PS>"):
		priv = PrivilegeUser
	}
	if username == "" && priv == PrivilegeRoot {
		username = "root"
	}
	return username, priv
}

func looksLikePrompt(line string) bool {
	return strings.HasSuffix(line, "$") || strings.HasSuffix(line, "#") ||
		strings.HasSuffix(line, "$ ") || strings.HasSuffix(line, "# ") ||
		strings.HasSuffix(line, ">") || strings.Contains(line, "@")
}

func promptSuggestsRoot(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(strings.TrimSpace(line), " ")
		if strings.HasSuffix(line, "#") {
			return true
		}
	}
	return false
}

func isWindows(osType string) bool {
	return osType == "Windows"
}
