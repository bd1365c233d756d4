package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigPathEnvOverride(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	dir := t.TempDir()
	t.Setenv("REVMUX_CONFIG_DIR", dir)

	want := filepath.Join(dir, "config.yaml")
	if got := ConfigPath(); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestStatePathEnvOverride(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	dir := t.TempDir()
	t.Setenv("REVMUX_STATE_DIR", dir)

	want := filepath.Join(dir, "sessions.json")
	if got := StatePath("sessions.json"); got != want {
		t.Errorf("StatePath() = %q, want %q", got, want)
	}
}

func TestDefaultConfigPathUnderHome(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	t.Setenv("REVMUX_CONFIG_DIR", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir in test environment")
	}

	got := ConfigPath()
	if !strings.HasPrefix(got, home) {
		t.Errorf("ConfigPath() = %q, expected prefix %q", got, home)
	}
	want := filepath.Join(".config", "revmux", "config.yaml")
	if !strings.HasSuffix(got, want) {
		t.Errorf("ConfigPath() = %q, expected suffix %q", got, want)
	}
}

func TestEnsureStateDirCreates(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	dir := filepath.Join(t.TempDir(), "nested", "state")
	t.Setenv("REVMUX_STATE_DIR", dir)

	got, err := EnsureStateDir()
	if err != nil {
		t.Fatalf("EnsureStateDir() error: %v", err)
	}
	if got != dir {
		t.Errorf("EnsureStateDir() = %q, want %q", got, dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Errorf("expected %q to be a directory, stat err=%v", dir, err)
	}
}
