package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsFromGivenPath(t *testing.T) {
	// The path under watch is the one the process loaded from, not a
	// well-known default.
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("scope:\n  targets: [10.0.0.0/8]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan *Config, 1)
	stop, err := Watch(path, func(cfg *Config) {
		select {
		case reloads <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("scope:\n  targets: [192.0.2.0/24]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloads:
		if len(cfg.Scope.Targets) != 1 || cfg.Scope.Targets[0] != "192.0.2.0/24" {
			t.Errorf("reloaded scope targets = %v, want [192.0.2.0/24]", cfg.Scope.Targets)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rewrite never triggered a reload")
	}
}
