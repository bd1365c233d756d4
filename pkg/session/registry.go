package session

import (
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder receives lifecycle events for the audit trail. The audit package
// satisfies it; a nil Recorder disables recording.
type Recorder interface {
	Record(sessionID, eventType, description, target, result string) error
}

// Registry tracks every live session and enforces the single-foreground
// invariant: at most one session is Active at a time.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	foregroundID string

	stabilizer   *Stabilizer
	queueSize    int
	maxReconnect int

	recorder Recorder
	snapshot *SnapshotWriter
	logger   *log.Logger
}

// RegistryOption configures optional registry collaborators.
type RegistryOption func(*Registry)

func WithRecorder(r Recorder) RegistryOption {
	return func(reg *Registry) { reg.recorder = r }
}

func WithSnapshotWriter(w *SnapshotWriter) RegistryOption {
	return func(reg *Registry) { reg.snapshot = w }
}

func WithLogger(l *log.Logger) RegistryOption {
	return func(reg *Registry) { reg.logger = l }
}

func NewRegistry(stab *Stabilizer, outputQueueSize, maxReconnects int, opts ...RegistryOption) *Registry {
	reg := &Registry{
		sessions:     make(map[string]*Session),
		stabilizer:   stab,
		queueSize:    outputQueueSize,
		maxReconnect: maxReconnects,
		logger:       log.New(logDiscard{}, "", 0),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

// Register wraps a fresh connection, runs the stabilizer to completion, and
// foregrounds the session if no other session holds the terminal. The
// session is not visible in List until stabilization finishes.
func (reg *Registry) Register(conn net.Conn, rows, cols int) (*Session, error) {
	s := New(uuid.NewString(), conn, reg.queueSize, reg.maxReconnect)
	reg.logger.Printf("session %s connecting from %s", shortID(s.ID), s.RemoteAddr)

	if err := reg.stabilizer.Run(s, rows, cols); err != nil {
		s.Terminate()
		reg.record(s.ID, "connect_failed", "stabilization failed", s.RemoteAddr, err.Error())
		return nil, fmt.Errorf("stabilize session from %s: %w", s.RemoteAddr, err)
	}

	reg.mu.Lock()
	reg.sessions[s.ID] = s
	promoted := false
	if reg.foregroundID == "" {
		reg.foregroundID = s.ID
		s.SetState(StateActive)
		promoted = true
	}
	reg.mu.Unlock()

	meta := s.Metadata()
	reg.logger.Printf("session %s registered: host=%q user=%q os=%q priv=%s foreground=%v",
		shortID(s.ID), meta.Hostname, meta.Username, meta.OSType, meta.Privilege, promoted)
	reg.record(s.ID, "connect", "session established", s.RemoteAddr,
		fmt.Sprintf("host=%s user=%s priv=%s", meta.Hostname, meta.Username, meta.Privilege))
	reg.writeSnapshot()
	return s, nil
}

// Get returns the session by ID, full or unambiguous prefix.
func (reg *Registry) Get(id string) (*Session, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if s, ok := reg.sessions[id]; ok {
		return s, nil
	}
	var match *Session
	for sid, s := range reg.sessions {
		if len(id) >= 4 && len(sid) > len(id) && sid[:len(id)] == id {
			if match != nil {
				return nil, fmt.Errorf("%w: ambiguous prefix %q", ErrNotFound, id)
			}
			match = s
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return match, nil
}

// Foreground returns the session currently owning the operator terminal.
func (reg *Registry) Foreground() (*Session, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if reg.foregroundID == "" {
		return nil, false
	}
	s, ok := reg.sessions[reg.foregroundID]
	return s, ok
}

// SetForeground attaches a session to the operator terminal, backgrounding
// whatever held it before. Terminated and still-stabilizing sessions are
// rejected.
func (reg *Registry) SetForeground(id string) error {
	reg.mu.Lock()
	s, ok := reg.sessions[id]
	if !ok {
		reg.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if s.State() == StateTerminated {
		reg.mu.Unlock()
		return fmt.Errorf("foreground %s: %w", shortID(id), ErrTerminated)
	}
	if s.Stabilizing() {
		reg.mu.Unlock()
		return fmt.Errorf("session %s is still stabilizing", shortID(id))
	}
	if reg.foregroundID != "" && reg.foregroundID != id {
		if prev, ok := reg.sessions[reg.foregroundID]; ok && prev.State() == StateActive {
			prev.SetState(StateBackground)
		}
	}
	reg.foregroundID = id
	s.SetState(StateActive)
	reg.mu.Unlock()

	reg.logger.Printf("session %s foregrounded", shortID(id))
	reg.record(id, "foreground", "session attached to terminal", s.RemoteAddr, "ok")
	reg.writeSnapshot()
	return nil
}

// Background detaches the named session without closing it.
func (reg *Registry) Background(id string) error {
	reg.mu.Lock()
	s, ok := reg.sessions[id]
	if !ok {
		reg.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if s.State() == StateActive {
		s.SetState(StateBackground)
	}
	if reg.foregroundID == id {
		reg.foregroundID = ""
	}
	reg.mu.Unlock()

	reg.logger.Printf("session %s backgrounded", shortID(id))
	reg.record(id, "background", "session detached from terminal", s.RemoteAddr, "ok")
	reg.writeSnapshot()
	return nil
}

// Terminate closes the session and removes it from the registry. Calling it
// again for the same ID reports ErrNotFound.
func (reg *Registry) Terminate(id string) error {
	reg.mu.Lock()
	s, ok := reg.sessions[id]
	if !ok {
		reg.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	delete(reg.sessions, id)
	if reg.foregroundID == id {
		reg.foregroundID = ""
	}
	reg.mu.Unlock()

	addr := s.RemoteAddr
	s.Terminate()
	reg.logger.Printf("session %s terminated", shortID(id))
	reg.record(id, "terminate", "session closed by operator", addr, "ok")
	reg.writeSnapshot()
	return nil
}

// List returns all registered sessions ordered by connect time.
func (reg *Registry) List() []*Session {
	reg.mu.RLock()
	out := make([]*Session, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		out = append(out, s)
	}
	reg.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata().ConnectedAt.Before(out[j].Metadata().ConnectedAt)
	})
	return out
}

// Count returns the number of registered sessions.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.sessions)
}

// Cleanup evicts sessions that are Terminated or backgrounded with an
// exhausted disconnect budget. Returns the IDs removed.
func (reg *Registry) Cleanup() []string {
	reg.mu.Lock()
	var evicted []string
	for id, s := range reg.sessions {
		st := s.State()
		dead := st == StateTerminated ||
			(st == StateBackground && s.ReconnectsExhausted())
		if !dead {
			continue
		}
		delete(reg.sessions, id)
		if reg.foregroundID == id {
			reg.foregroundID = ""
		}
		evicted = append(evicted, id)
		go func(s *Session) { s.Terminate() }(s)
	}
	reg.mu.Unlock()

	for _, id := range evicted {
		reg.logger.Printf("session %s evicted by cleanup", shortID(id))
		reg.record(id, "cleanup", "session evicted", "", "ok")
	}
	if len(evicted) > 0 {
		reg.writeSnapshot()
	}
	return evicted
}

// StartCleanup runs Cleanup on the given interval until stop is called.
func (reg *Registry) StartCleanup(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reg.Cleanup()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (reg *Registry) record(sessionID, event, desc, target, result string) {
	if reg.recorder == nil {
		return
	}
	if err := reg.recorder.Record(sessionID, event, desc, target, result); err != nil {
		reg.logger.Printf("audit record failed: %v", err)
	}
}

func (reg *Registry) writeSnapshot() {
	if reg.snapshot == nil {
		return
	}
	if err := reg.snapshot.Write(reg.List()); err != nil {
		reg.logger.Printf("snapshot write failed: %v", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
