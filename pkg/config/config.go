package config

import (
	"time"

	"github.com/b/revmux/pkg/paths"
)

type Config struct {
	Listen     Listen     `yaml:"listen"`
	Session    Session    `yaml:"session"`
	Stabilizer Stabilizer `yaml:"stabilizer"`
	Snapshot   Snapshot   `yaml:"snapshot"`
	Audit      Audit      `yaml:"audit"`
	Scope      Scope      `yaml:"scope"`
}

type Listen struct {
	Host            string `yaml:"host"`             // Bind address (default: 0.0.0.0)
	Port            int    `yaml:"port"`             // Bind port (0 = prompt interactively)
	CleanupInterval int    `yaml:"cleanup_interval"` // Terminated-session sweep interval, seconds (default: 30)
}

// CleanupIntervalDuration returns the sweep interval as a duration.
func (l Listen) CleanupIntervalDuration() time.Duration {
	return time.Duration(l.CleanupInterval) * time.Second
}

type Session struct {
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"` // Dropped connections tolerated before hard termination (default: 3)
	OutputQueueSize      int `yaml:"output_queue_size"`      // Buffered output chunks per session (default: 256)
}

type Stabilizer struct {
	StepDelayMillis int      `yaml:"step_delay_ms"` // Pause between probe commands (default: 400)
	TermType        string   `yaml:"term_type"`     // TERM exported on the remote shell (default: xterm-256color)
	Interpreters    []string `yaml:"interpreters"`  // PTY-upgrade interpreters, tried in order (default: python3, python)
}

// StepDelay returns the probe pause as a duration.
func (s Stabilizer) StepDelay() time.Duration {
	return time.Duration(s.StepDelayMillis) * time.Millisecond
}

type Snapshot struct {
	Path string `yaml:"path"` // Session snapshot file for out-of-process viewers
}

type Audit struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"` // Hash-chained JSONL audit trail
}

type Scope struct {
	Targets []string `yaml:"targets"` // Authorized targets: IPs, CIDR ranges, hostnames, *.wildcards
}

func DefaultConfigPath() string {
	return paths.ConfigPath()
}
