// Package session manages reverse-shell connections: the per-connection
// actor, the shell stabilizer, and the registry that tracks which session,
// if any, owns the operator's terminal.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrTerminated = errors.New("session terminated")
	ErrQueueFull  = errors.New("session input queue full")
)

// State is the session lifecycle state.
type State int32

const (
	// StateActive means the session drives the operator terminal or is
	// eligible to.
	StateActive State = iota
	// StateBackground means the connection is registered but detached,
	// either by operator choice or after a network fault.
	StateBackground
	// StateTerminated means the socket is closed and the session is
	// eligible for eviction.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateBackground:
		return "Background"
	case StateTerminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Privilege is the detected privilege level on the remote host.
type Privilege string

const (
	PrivilegeRoot    Privilege = "Root"
	PrivilegeUser    Privilege = "User"
	PrivilegeUnknown Privilege = "Unknown"
)

// Metadata describes what is known about the remote end. The stabilizer and
// operator commands mutate it; the menu and multiplexer read it.
type Metadata struct {
	Hostname      string
	Username      string
	OSType        string
	Privilege     Privilege
	ConnectedAt   time.Time
	LastSeen      time.Time
	OperatorNotes string
}

const (
	inputQueueSize = 64
	readBufSize    = 4096
)

// Session owns one TCP connection. Its I/O goroutines are the only reader
// and writer of the socket; everyone else talks to the session through the
// input and output queues.
type Session struct {
	ID         string
	RemoteAddr string

	conn net.Conn

	state       atomic.Int32
	stabilizing atomic.Bool

	metaMu sync.Mutex
	meta   Metadata

	in  chan []byte
	out chan []byte

	reconnects    atomic.Int32
	maxReconnects int32

	closeOnce  sync.Once
	noticeOnce sync.Once
	done       chan struct{}
}

// New wraps an accepted connection and starts its I/O goroutines. The
// session begins in Background state and stabilizing; the registry promotes
// it once stabilization completes.
func New(id string, conn net.Conn, outputQueueSize, maxReconnects int) *Session {
	if outputQueueSize <= 0 {
		outputQueueSize = 256
	}
	now := time.Now()
	s := &Session{
		ID:         id,
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		in:         make(chan []byte, inputQueueSize),
		out:        make(chan []byte, outputQueueSize),
		done:       make(chan struct{}),
		meta: Metadata{
			Privilege:   PrivilegeUnknown,
			ConnectedAt: now,
			LastSeen:    now,
		},
		maxReconnects: int32(maxReconnects),
	}
	s.state.Store(int32(StateBackground))
	s.stabilizing.Store(true)

	go s.readLoop()
	go s.writeLoop()
	return s
}

// Send enqueues bytes for transmission to the remote shell. It never blocks:
// a full queue is reported as an error rather than stalling the caller.
func (s *Session) Send(p []byte) error {
	if s.State() == StateTerminated {
		return ErrTerminated
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case s.in <- buf:
		return nil
	default:
		return ErrQueueFull
	}
}

// TryReceive polls the next chunk of remote output without blocking.
func (s *Session) TryReceive() ([]byte, bool) {
	select {
	case p := <-s.out:
		return p, true
	default:
		return nil, false
	}
}

// DrainOutput discards all currently queued output. The stabilizer uses it
// so probe artifacts never leak into the operator's first view of the shell.
func (s *Session) DrainOutput() {
	for {
		if _, ok := s.TryReceive(); !ok {
			return
		}
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) SetState(st State) {
	s.state.Store(int32(st))
}

// Stabilizing reports whether the shell-stabilization sequence is still
// running; the session must not be attached or shown as ready while true.
func (s *Session) Stabilizing() bool {
	return s.stabilizing.Load()
}

func (s *Session) setStabilizing(v bool) {
	s.stabilizing.Store(v)
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() Metadata {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.meta
}

// UpdateMetadata applies fn under exclusive access and refreshes LastSeen.
func (s *Session) UpdateMetadata(fn func(*Metadata)) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	fn(&s.meta)
	s.meta.LastSeen = time.Now()
}

// ReconnectAttempts returns how many involuntary disconnects this session
// has absorbed.
func (s *Session) ReconnectAttempts() int {
	return int(s.reconnects.Load())
}

// ReconnectsExhausted reports whether the disconnect budget is spent.
func (s *Session) ReconnectsExhausted() bool {
	return s.reconnects.Load() >= s.maxReconnects
}

// Terminate closes the socket and marks the session Terminated. Idempotent.
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		s.SetState(StateTerminated)
		close(s.done)
		s.conn.Close()
	})
}

// readLoop is the only reader of the socket. A read error or EOF does not
// terminate the session: the session goes Background, a synthetic notice is
// queued once, and the loop exits. Registry policy decides later whether the
// session is reclaimed.
func (s *Session) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.enqueueOutput(chunk)
		}
		if err != nil {
			s.handleDisconnect()
			return
		}
	}
}

// writeLoop is the only writer of the socket, draining the input queue in
// send order.
func (s *Session) writeLoop() {
	for {
		select {
		case p := <-s.in:
			if _, err := s.conn.Write(p); err != nil {
				s.handleDisconnect()
				return
			}
			s.touch()
		case <-s.done:
			return
		}
	}
}

// handleDisconnect implements the transient-failure policy: Background, not
// Terminated, with a one-shot operator notice. Both I/O loops funnel here,
// so the notice and the budget count are guarded against double-firing when
// the read and write sides observe the same dead socket.
func (s *Session) handleDisconnect() {
	if s.State() == StateTerminated {
		return
	}
	// Queue the notice before flipping state so anyone reacting to
	// Background finds it waiting.
	s.noticeOnce.Do(func() {
		s.reconnects.Add(1)
		notice := fmt.Sprintf("\r\n[revmux] connection to %s interrupted, session backgrounded. press Esc for the menu\r\n", s.RemoteAddr)
		s.enqueueOutput([]byte(notice))
	})
	s.SetState(StateBackground)
}

// enqueueOutput delivers a chunk to the output queue, evicting the oldest
// chunk when nobody is draining fast enough. Dropping old bytes keeps a
// silent operator from wedging the I/O goroutine.
func (s *Session) enqueueOutput(p []byte) {
	for {
		select {
		case s.out <- p:
			s.touch()
			return
		default:
			select {
			case <-s.out:
			default:
			}
		}
	}
}

func (s *Session) touch() {
	s.metaMu.Lock()
	s.meta.LastSeen = time.Now()
	s.metaMu.Unlock()
}
