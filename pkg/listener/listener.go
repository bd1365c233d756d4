// Package listener accepts reverse-shell connections and hands them to the
// session registry.
package listener

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/b/revmux/pkg/scope"
	"github.com/b/revmux/pkg/session"
)

// Listener binds a TCP port and registers every in-scope connection.
type Listener struct {
	registry *session.Registry
	checker  *scope.Checker
	logger   *log.Logger

	// rows/cols describe the operator terminal at start time; the
	// stabilizer uses them to size the remote PTY.
	rows, cols int

	mu          sync.Mutex
	ln          net.Listener
	done        chan struct{}
	stopCleanup func()
	wg          sync.WaitGroup

	// OnRegister is invoked after a session finishes stabilizing, off the
	// accept goroutine. The multiplexer uses it to repaint.
	OnRegister func(*session.Session)
}

// New creates a listener feeding the given registry. A nil checker admits
// every connection.
func New(reg *session.Registry, checker *scope.Checker, logger *log.Logger, rows, cols int) *Listener {
	if logger == nil {
		logger = log.New(discard{}, "", 0)
	}
	return &Listener{
		registry: reg,
		checker:  checker,
		logger:   logger,
		rows:     rows,
		cols:     cols,
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Start binds host:port and launches the accept loop. A bind failure is
// returned immediately so the caller can exit before touching the terminal.
func (l *Listener) Start(host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	l.mu.Lock()
	l.ln = ln
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.logger.Printf("listening on %s", ln.Addr())
	l.wg.Add(1)
	go l.acceptLoop(ln, l.done)
	return nil
}

// StartWithCleanup binds like Start and additionally runs the registry's
// eviction sweep on the given interval until Stop.
func (l *Listener) StartWithCleanup(host string, port int, interval time.Duration) error {
	if err := l.Start(host, port); err != nil {
		return err
	}
	stop := l.registry.StartCleanup(interval)
	l.mu.Lock()
	l.stopCleanup = stop
	l.mu.Unlock()
	return nil
}

// Addr returns the bound address, useful when binding port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) acceptLoop(ln net.Listener, done chan struct{}) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				l.logger.Printf("accept error: %v", err)
				continue
			}
		}
		l.wg.Add(1)
		go func(conn net.Conn) {
			defer l.wg.Done()
			l.handle(conn)
		}(conn)
	}
}

// handle registers the connection. Registration runs the stabilizer, so it
// happens off the accept goroutine. Reverse-shell connections are
// operator-initiated and are never refused on scope grounds; peers outside
// the configured target set are only annotated so the operator notices.
func (l *Listener) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	s, err := l.registry.Register(conn, l.rows, l.cols)
	if err != nil {
		l.logger.Printf("registration failed for %s: %v", remote, err)
		return
	}

	if l.checker != nil && !l.checker.Empty() {
		host, _, err := net.SplitHostPort(remote)
		if err != nil {
			host = remote
		}
		if !l.checker.IsInScope(host) {
			l.logger.Printf("session %s from %s is outside the configured scope", s.ID, remote)
			s.UpdateMetadata(func(m *session.Metadata) {
				m.OperatorNotes = "out of scope"
			})
		}
	}

	if l.OnRegister != nil {
		l.OnRegister(s)
	}
}

// Stop closes the socket and waits for in-flight registrations to finish.
func (l *Listener) Stop() {
	l.mu.Lock()
	ln, done, stopCleanup := l.ln, l.done, l.stopCleanup
	l.ln = nil
	l.stopCleanup = nil
	l.mu.Unlock()
	if stopCleanup != nil {
		stopCleanup()
	}
	if ln == nil {
		return
	}
	close(done)
	ln.Close()
	l.wg.Wait()
	l.logger.Printf("listener stopped")
}
