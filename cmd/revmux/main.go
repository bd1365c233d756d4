package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/b/revmux/pkg/audit"
	"github.com/b/revmux/pkg/config"
	"github.com/b/revmux/pkg/listener"
	"github.com/b/revmux/pkg/paths"
	"github.com/b/revmux/pkg/scope"
	"github.com/b/revmux/pkg/session"
	"github.com/b/revmux/pkg/term"
)

var eventLog *log.Logger

// initEventLog writes operational logs to a file: the process owns the raw
// terminal, so nothing may print to stderr while running.
func initEventLog() {
	if _, err := paths.EnsureStateDir(); err != nil {
		eventLog = log.New(discard{}, "", 0)
		return
	}
	f, err := os.OpenFile(paths.StatePath("revmux.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		eventLog = log.New(discard{}, "", 0)
		return
	}
	eventLog = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

var (
	flagHost   = flag.String("host", "", "bind address (overrides config)")
	flagPort   = flag.Int("port", 0, "listen port (overrides config)")
	flagConfig = flag.String("config", "", "config file path")
)

func main() {
	flag.Parse()
	initEventLog()

	cfgPath := *flagConfig
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "revmux: %v\n", err)
		os.Exit(1)
	}
	if *flagHost != "" {
		cfg.Listen.Host = *flagHost
	}
	if *flagPort != 0 {
		cfg.Listen.Port = *flagPort
	}
	if cfg.Listen.Port == 0 {
		port, err := promptPort()
		if err != nil {
			fmt.Fprintf(os.Stderr, "revmux: %v\n", err)
			os.Exit(1)
		}
		cfg.Listen.Port = port
	}

	if err := run(cfg, cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "revmux: %v\n", err)
		os.Exit(1)
	}
}

// promptPort asks for a port on the still-cooked terminal.
func promptPort() (int, error) {
	fmt.Print("listen port: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("failed to read port: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", strings.TrimSpace(line))
	}
	return port, nil
}

func run(cfg *config.Config, cfgPath string) error {
	var opts []session.RegistryOption
	opts = append(opts, session.WithLogger(eventLog))

	if cfg.Audit.Enabled {
		auditLog, err := audit.New(cfg.Audit.LogPath)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		opts = append(opts, session.WithRecorder(auditLog))
	}
	if cfg.Snapshot.Path != "" {
		opts = append(opts, session.WithSnapshotWriter(session.NewSnapshotWriter(cfg.Snapshot.Path)))
	}

	stab := session.NewStabilizer(session.StabilizerConfig{
		StepDelay:    cfg.Stabilizer.StepDelay(),
		TermType:     cfg.Stabilizer.TermType,
		Interpreters: cfg.Stabilizer.Interpreters,
	})
	registry := session.NewRegistry(stab, cfg.Session.OutputQueueSize, cfg.Session.MaxReconnectAttempts, opts...)

	// Always constructed, even with no targets, so a reload can introduce
	// a scope at runtime.
	checker := scope.NewChecker(cfg.Scope.Targets)

	dev := term.NewTTYDevice()
	renderer := term.NewRenderer(dev)
	rows, cols := renderer.Size()

	lst := listener.New(registry, checker, eventLog, rows, cols)
	if err := lst.StartWithCleanup(cfg.Listen.Host, cfg.Listen.Port, cfg.Listen.CleanupIntervalDuration()); err != nil {
		return err
	}
	defer lst.Stop()

	// Scope changes apply live; everything else needs a restart.
	stopWatch, err := config.Watch(cfgPath, func(next *config.Config) {
		checker.Replace(next.Scope.Targets)
		eventLog.Printf("scope reloaded: %v", next.Scope.Targets)
	})
	if err == nil {
		defer stopWatch()
	}

	input := term.StartInputReader(os.Stdin)
	mux := term.NewMultiplexer(registry, renderer, input, eventLog)
	lst.OnRegister = mux.Notify

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		eventLog.Printf("received %v, shutting down", sig)
		renderer.Stop()
		lst.Stop()
		os.Exit(0)
	}()

	fmt.Printf("revmux listening on %s\n", lst.Addr())
	err = mux.Run()

	for _, s := range registry.List() {
		registry.Terminate(s.ID)
	}
	return err
}
