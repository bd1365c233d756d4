package session

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseOS(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{"Linux myhost 5.15.0-91-generic #101-Ubuntu SMP x86_64 GNU/Linux", "Linux"},
		{"Darwin mbp.local 23.1.0 Darwin Kernel Version 23.1.0", "Darwin"},
		{"Microsoft Windows [Version 10.0.19045.3693]", "Windows"},
		{"FreeBSD host 13.2-RELEASE", "BSD"},
		{"uname: command not found", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseOS(tt.out); got != tt.want {
			t.Errorf("ParseOS(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func TestParseHostname(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{"hostname\r\nmyhost\r\nuser@myhost:~$ ", "myhost"},
		{"myhost\n", "myhost"},
		{"web-prod-01.internal\n", "web-prod-01.internal"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseHostname(tt.out); got != tt.want {
			t.Errorf("ParseHostname(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func TestParseUser(t *testing.T) {
	tests := []struct {
		out      string
		osType   string
		wantUser string
		wantPriv Privilege
	}{
		{"whoami\r\nroot\r\nroot@myhost:~# ", "Linux", "root", PrivilegeRoot},
		{"alice\n", "Linux", "alice", PrivilegeUser},
		{"CORP\\bob\r\n", "Windows", "bob", PrivilegeUser},
		{"nt authority\\system\r\n", "Windows", "system", PrivilegeRoot},
		// A backslash in the output is not a domain separator on Linux.
		{"CORP\\bob\r\n", "Linux", "", PrivilegeUnknown},
		{"", "Linux", "", PrivilegeUnknown},
	}
	for _, tt := range tests {
		user, priv := ParseUser(tt.out, tt.osType)
		if user != tt.wantUser || priv != tt.wantPriv {
			t.Errorf("ParseUser(%q) = (%q, %v), want (%q, %v)",
				tt.out, user, priv, tt.wantUser, tt.wantPriv)
		}
	}
}

// scriptedShell answers probe commands the way a bare Linux reverse shell
// would, and swallows everything else.
func scriptedShell(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		var reply string
		switch {
		case line == "uname -a":
			reply = "Linux myhost 5.15.0-91-generic #101-Ubuntu SMP x86_64 GNU/Linux\n"
		case line == "hostname":
			reply = "myhost\n"
		case line == "whoami":
			reply = "root\n"
		}
		if reply != "" {
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}
}

func TestStabilizerDetectsLinuxRoot(t *testing.T) {
	local, remote := net.Pipe()
	go scriptedShell(remote)

	s := New("s1", local, 64, 3)
	defer s.Terminate()

	st := NewStabilizer(StabilizerConfig{
		StepDelay:    20 * time.Millisecond,
		TermType:     "xterm-256color",
		Interpreters: []string{"python3", "python"},
	})
	if err := st.Run(s, 40, 120); err != nil {
		t.Fatalf("Run: %v", err)
	}

	meta := s.Metadata()
	if meta.OSType != "Linux" {
		t.Errorf("OSType = %q, want Linux", meta.OSType)
	}
	if meta.Hostname != "myhost" {
		t.Errorf("Hostname = %q, want myhost", meta.Hostname)
	}
	if meta.Username != "root" {
		t.Errorf("Username = %q, want root", meta.Username)
	}
	if meta.Privilege != PrivilegeRoot {
		t.Errorf("Privilege = %v, want Root", meta.Privilege)
	}
	if s.Stabilizing() {
		t.Error("session still marked stabilizing after Run")
	}
	// Probe artifacts must never reach the operator.
	if p, ok := s.TryReceive(); ok {
		t.Errorf("probe output leaked to output queue: %q", p)
	}
}

func TestStabilizerSilentShell(t *testing.T) {
	local, remote := net.Pipe()
	go drainRemote(remote)

	s := New("s1", local, 64, 3)
	defer s.Terminate()

	st := NewStabilizer(StabilizerConfig{StepDelay: 5 * time.Millisecond})
	if err := st.Run(s, 0, 0); err != nil {
		t.Fatalf("Run on silent shell: %v", err)
	}
	meta := s.Metadata()
	if meta.OSType != "" || meta.Hostname != "" || meta.Username != "" {
		t.Errorf("silent shell produced metadata: %+v", meta)
	}
	if meta.Privilege != PrivilegeUnknown {
		t.Errorf("Privilege = %v, want Unknown", meta.Privilege)
	}
}
