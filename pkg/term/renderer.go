// Package term owns the operator-facing terminal: the mode-exclusive
// renderer, the session menu, and the multiplexer that routes keystrokes
// between them and the foreground shell.
package term

import (
	"fmt"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Mode names which surface owns the terminal. Exactly one mode is active at
// any time; output for the wrong mode is never painted.
type Mode int

const (
	// ModeListening shows the idle banner and connect notices.
	ModeListening Mode = iota
	// ModeSession is raw passthrough to the foreground shell.
	ModeSession
	// ModeMenu shows the session picker on the alternate screen.
	ModeMenu
)

func (m Mode) String() string {
	switch m {
	case ModeListening:
		return "Listening"
	case ModeSession:
		return "Session"
	case ModeMenu:
		return "Menu"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Device abstracts the physical terminal so the renderer can be exercised
// in tests without a TTY.
type Device interface {
	MakeRaw() error
	Restore() error
	EnterAltScreen()
	ExitAltScreen()
	Size() (rows, cols int)
	Write(p []byte) (int, error)
}

// ttyDevice drives the real controlling terminal via termenv and x/term.
type ttyDevice struct {
	out      *termenv.Output
	fd       int
	oldState *term.State
}

// NewTTYDevice wraps stdin/stdout.
func NewTTYDevice() Device {
	return &ttyDevice{
		out: termenv.NewOutput(os.Stdout),
		fd:  int(os.Stdin.Fd()),
	}
}

func (d *ttyDevice) MakeRaw() error {
	if d.oldState != nil {
		return nil
	}
	st, err := term.MakeRaw(d.fd)
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	d.oldState = st
	return nil
}

func (d *ttyDevice) Restore() error {
	if d.oldState == nil {
		return nil
	}
	err := term.Restore(d.fd, d.oldState)
	d.oldState = nil
	return err
}

func (d *ttyDevice) EnterAltScreen() { d.out.AltScreen() }
func (d *ttyDevice) ExitAltScreen()  { d.out.ExitAltScreen() }

func (d *ttyDevice) Size() (int, int) {
	cols, rows, err := term.GetSize(d.fd)
	if err != nil {
		return 24, 80
	}
	return rows, cols
}

func (d *ttyDevice) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

// Renderer serializes all terminal output and enforces mode exclusivity.
// Session bytes arriving while a mode switch is in flight are buffered and
// flushed once the switch lands in ModeSession, so no remote output is lost
// or painted over the menu.
type Renderer struct {
	mu      sync.Mutex
	dev     Device
	mode    Mode
	target  Mode
	pending [][]byte
	started bool
}

func NewRenderer(dev Device) *Renderer {
	return &Renderer{dev: dev, mode: ModeListening, target: ModeListening}
}

// Start puts the terminal into raw mode for the lifetime of the handler.
// All three modes read single keystrokes, so raw stays on until Stop.
func (r *Renderer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.dev.MakeRaw(); err != nil {
		return err
	}
	r.started = true
	return nil
}

// Stop restores the terminal. Safe to call on a renderer that never started.
func (r *Renderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == ModeMenu {
		r.dev.ExitAltScreen()
		r.mode = ModeListening
	}
	if r.started {
		r.dev.Restore()
		r.started = false
	}
}

func (r *Renderer) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetMode transitions between surfaces. Alt-screen churn happens outside
// the lock so writers block for channel-send time, not escape-sequence
// round trips; they buffer against the declared target instead.
func (r *Renderer) SetMode(target Mode) {
	r.mu.Lock()
	if r.mode == target && r.target == target {
		r.mu.Unlock()
		return
	}
	from := r.mode
	r.target = target
	r.mu.Unlock()

	if from == ModeMenu && target != ModeMenu {
		r.dev.ExitAltScreen()
	}
	if target == ModeMenu && from != ModeMenu {
		r.dev.EnterAltScreen()
	}

	r.mu.Lock()
	r.mode = target
	if target == ModeSession {
		for _, p := range r.pending {
			r.dev.Write(p)
		}
	}
	r.pending = nil
	r.mu.Unlock()
}

// WriteSession paints foreground shell output. Outside ModeSession the
// bytes are buffered when a switch into ModeSession is underway and dropped
// otherwise; menu and banner surfaces must never show shell output.
func (r *Renderer) WriteSession(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.mode == ModeSession && r.target == ModeSession:
		r.dev.Write(p)
	case r.target == ModeSession:
		buf := make([]byte, len(p))
		copy(buf, p)
		r.pending = append(r.pending, buf)
	}
}

// WriteStatus paints a banner line in ModeListening. Other modes ignore it.
func (r *Renderer) WriteStatus(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != ModeListening || r.target != ModeListening {
		return
	}
	// Raw mode means no ONLCR translation, so emit CRLF explicitly.
	fmt.Fprintf(writerFunc(r.dev.Write), "%s\r\n", line)
}

// WriteMenu repaints the menu surface from the top-left.
func (r *Renderer) WriteMenu(frame string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != ModeMenu || r.target != ModeMenu {
		return
	}
	r.dev.Write([]byte("\x1b[2J\x1b[H"))
	r.dev.Write([]byte(frame))
}

func (r *Renderer) Size() (rows, cols int) {
	return r.dev.Size()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
