package session

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testRegistry(opts ...RegistryOption) *Registry {
	stab := NewStabilizer(StabilizerConfig{StepDelay: time.Millisecond})
	return NewRegistry(stab, 64, 3, opts...)
}

// registerQuiet registers a connection backed by a silent remote shell.
func registerQuiet(t *testing.T, reg *Registry) *Session {
	t.Helper()
	local, remote := net.Pipe()
	go drainRemote(remote)
	t.Cleanup(func() { remote.Close() })

	s, err := reg.Register(local, 24, 80)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return s
}

func TestRegisterForegroundsFirstSession(t *testing.T) {
	reg := testRegistry()

	s1 := registerQuiet(t, reg)
	if s1.State() != StateActive {
		t.Errorf("first session state = %v, want Active", s1.State())
	}
	fg, ok := reg.Foreground()
	if !ok || fg.ID != s1.ID {
		t.Fatalf("Foreground() = %v, %v; want %s", fg, ok, s1.ID)
	}

	// A second arrival must not steal the terminal.
	s2 := registerQuiet(t, reg)
	if s2.State() != StateBackground {
		t.Errorf("second session state = %v, want Background", s2.State())
	}
	fg, _ = reg.Foreground()
	if fg.ID != s1.ID {
		t.Errorf("foreground moved to %s on new arrival", fg.ID)
	}
	if reg.Count() != 2 {
		t.Errorf("Count = %d, want 2", reg.Count())
	}
}

func TestSetForegroundSwapsSessions(t *testing.T) {
	reg := testRegistry()
	s1 := registerQuiet(t, reg)
	s2 := registerQuiet(t, reg)

	if err := reg.SetForeground(s2.ID); err != nil {
		t.Fatalf("SetForeground: %v", err)
	}
	if s1.State() != StateBackground {
		t.Errorf("previous foreground state = %v, want Background", s1.State())
	}
	if s2.State() != StateActive {
		t.Errorf("new foreground state = %v, want Active", s2.State())
	}
	fg, _ := reg.Foreground()
	if fg.ID != s2.ID {
		t.Errorf("foreground = %s, want %s", fg.ID, s2.ID)
	}
}

func TestBackgroundReleasesTerminal(t *testing.T) {
	reg := testRegistry()
	s1 := registerQuiet(t, reg)

	if err := reg.Background(s1.ID); err != nil {
		t.Fatalf("Background: %v", err)
	}
	if s1.State() != StateBackground {
		t.Errorf("state = %v, want Background", s1.State())
	}
	if _, ok := reg.Foreground(); ok {
		t.Error("terminal still owned after Background")
	}
	// Backgrounded sessions remain listed and re-attachable.
	if err := reg.SetForeground(s1.ID); err != nil {
		t.Fatalf("re-foreground: %v", err)
	}
}

func TestTerminateTwiceReportsNotFound(t *testing.T) {
	reg := testRegistry()
	s1 := registerQuiet(t, reg)

	if err := reg.Terminate(s1.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if s1.State() != StateTerminated {
		t.Errorf("state = %v, want Terminated", s1.State())
	}
	if err := reg.Terminate(s1.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Terminate = %v, want ErrNotFound", err)
	}
	if _, ok := reg.Foreground(); ok {
		t.Error("terminated session still foreground")
	}
}

func TestGetByPrefix(t *testing.T) {
	reg := testRegistry()
	s1 := registerQuiet(t, reg)

	got, err := reg.Get(s1.ID[:8])
	if err != nil {
		t.Fatalf("Get by prefix: %v", err)
	}
	if got.ID != s1.ID {
		t.Errorf("Get returned %s, want %s", got.ID, s1.ID)
	}
	if _, err := reg.Get("no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestDisconnectedSessionStaysListed(t *testing.T) {
	reg := testRegistry()

	local, remote := net.Pipe()
	go drainRemote(remote)
	s, err := reg.Register(local, 24, 80)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	remote.Close()
	waitFor(t, "background after disconnect", func() bool {
		return s.State() == StateBackground
	})

	found := false
	for _, listed := range reg.List() {
		if listed.ID == s.ID {
			found = true
		}
	}
	if !found {
		t.Error("disconnected session dropped from listing")
	}
}

func TestCleanupEvictsDeadSessions(t *testing.T) {
	reg := testRegistry()
	s1 := registerQuiet(t, reg)
	s2 := registerQuiet(t, reg)

	s2.Terminate()
	evicted := reg.Cleanup()
	if len(evicted) != 1 || evicted[0] != s2.ID {
		t.Fatalf("Cleanup evicted %v, want [%s]", evicted, s2.ID)
	}
	if reg.Count() != 1 {
		t.Errorf("Count after cleanup = %d, want 1", reg.Count())
	}
	if _, err := reg.Get(s1.ID); err != nil {
		t.Errorf("live session evicted: %v", err)
	}
}

func TestCleanupEvictsExhaustedBackgroundSession(t *testing.T) {
	stab := NewStabilizer(StabilizerConfig{StepDelay: time.Millisecond})
	reg := NewRegistry(stab, 64, 1)

	local, remote := net.Pipe()
	go drainRemote(remote)
	s, err := reg.Register(local, 24, 80)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	remote.Close()
	waitFor(t, "disconnect budget spent", func() bool {
		return s.State() == StateBackground && s.ReconnectsExhausted()
	})

	evicted := reg.Cleanup()
	if len(evicted) != 1 {
		t.Fatalf("Cleanup evicted %v, want the exhausted session", evicted)
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
}

type recordedEvent struct {
	sessionID string
	eventType string
}

type fakeRecorder struct {
	events []recordedEvent
}

func (r *fakeRecorder) Record(sessionID, eventType, _, _, _ string) error {
	r.events = append(r.events, recordedEvent{sessionID, eventType})
	return nil
}

func TestRegistryRecordsLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	reg := testRegistry(WithRecorder(rec))

	s1 := registerQuiet(t, reg)
	reg.Background(s1.ID)
	reg.SetForeground(s1.ID)
	reg.Terminate(s1.ID)

	want := []string{"connect", "background", "foreground", "terminate"}
	if len(rec.events) != len(want) {
		t.Fatalf("recorded %d events, want %d: %+v", len(rec.events), len(want), rec.events)
	}
	for i, ev := range rec.events {
		if ev.eventType != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.eventType, want[i])
		}
		if ev.sessionID != s1.ID {
			t.Errorf("event %d session = %s, want %s", i, ev.sessionID, s1.ID)
		}
	}
}

func TestRegistrySnapshotContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	reg := testRegistry(WithSnapshotWriter(NewSnapshotWriter(path)))

	s1 := registerQuiet(t, reg)
	s1.UpdateMetadata(func(m *Metadata) {
		m.Hostname = "web01"
		m.Username = "alice"
		m.Privilege = PrivilegeUser
	})
	if err := reg.Background(s1.ID); err != nil {
		t.Fatalf("Background: %v", err)
	}

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(snap.Sessions) != 1 {
		t.Fatalf("snapshot has %d sessions, want 1", len(snap.Sessions))
	}
	e := snap.Sessions[0]
	if e.ID != s1.ID {
		t.Errorf("id = %s, want %s", e.ID, s1.ID)
	}
	if e.State != "Background" {
		t.Errorf("state = %q, want Background", e.State)
	}
	if e.Hostname != "web01" || e.Username != "alice" || e.Privilege != "User" {
		t.Errorf("identity fields = %q/%q/%q", e.Hostname, e.Username, e.Privilege)
	}
	if e.ConnectedAt.IsZero() {
		t.Error("connected_at missing")
	}

	reg.Terminate(s1.ID)
	snap, err = ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot after terminate: %v", err)
	}
	if len(snap.Sessions) != 0 {
		t.Errorf("snapshot still lists %d sessions after terminate", len(snap.Sessions))
	}
	// Atomic replace leaves no temp file behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp snapshot file left on disk")
	}
}
