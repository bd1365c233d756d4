// Package paths resolves where revmux keeps its config file and runtime
// state. The layout follows XDG conventions, with env overrides for tests
// and unusual deployments:
//
//	config:  ~/.config/revmux/config.yaml   (REVMUX_CONFIG_DIR)
//	state:   ~/.local/state/revmux/         (REVMUX_STATE_DIR)
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	resolveOnce sync.Once
	configDir   string
	stateDir    string
)

func resolve() {
	resolveOnce.Do(func() {
		configDir = dirFor("REVMUX_CONFIG_DIR", filepath.Join(".config", "revmux"))
		stateDir = dirFor("REVMUX_STATE_DIR", filepath.Join(".local", "state", "revmux"))
	})
}

func dirFor(env, sub string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, sub)
}

// ConfigPath returns the full path of the config file.
func ConfigPath() string {
	resolve()
	return filepath.Join(configDir, "config.yaml")
}

// StatePath returns the full path of a state file such as "sessions.json".
func StatePath(filename string) string {
	resolve()
	return filepath.Join(stateDir, filename)
}

// EnsureStateDir creates the state directory if needed and returns it.
func EnsureStateDir() (string, error) {
	resolve()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	return stateDir, nil
}

// ResetForTest clears the cached resolution. Only use in tests.
func ResetForTest() {
	resolveOnce = sync.Once{}
	configDir = ""
	stateDir = ""
}
