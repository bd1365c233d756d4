package term

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/b/revmux/pkg/session"
)

// outputTick is how often attached-session output is drained to the screen.
const outputTick = 20 * time.Millisecond

// Multiplexer routes the operator terminal between the listening banner,
// an attached session, and the session menu. It runs on a single goroutine;
// everything it touches arrives over channels.
type Multiplexer struct {
	registry *session.Registry
	renderer *Renderer
	menu     *Menu
	input    <-chan []byte
	logger   *log.Logger

	escTimeout time.Duration
	refresh    chan struct{}
	winch      chan os.Signal
}

func NewMultiplexer(reg *session.Registry, r *Renderer, input <-chan []byte, logger *log.Logger) *Multiplexer {
	if logger == nil {
		logger = log.New(nullWriter{}, "", 0)
	}
	return &Multiplexer{
		registry:   reg,
		renderer:   r,
		menu:       NewMenu(),
		input:      input,
		logger:     logger,
		escTimeout: DefaultEscTimeout,
		refresh:    make(chan struct{}, 1),
		winch:      make(chan os.Signal, 1),
	}
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// Notify is safe to call from any goroutine; the listener uses it when a
// session finishes stabilizing.
func (m *Multiplexer) Notify(s *session.Session) {
	meta := s.Metadata()
	m.renderer.WriteStatus(fmt.Sprintf("[+] session %s from %s (%s@%s, %s)",
		shortID(s.ID), s.RemoteAddr, meta.Username, meta.Hostname, meta.Privilege))
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Run drives the terminal until the operator quits or stdin closes. It owns
// raw mode for its whole lifetime.
func (m *Multiplexer) Run() error {
	if err := m.renderer.Start(); err != nil {
		return err
	}
	defer m.renderer.Stop()

	signal.Notify(m.winch, syscall.SIGWINCH)
	defer signal.Stop(m.winch)

	m.renderer.WriteStatus("[revmux] waiting for connections - q to quit, any key for menu")

	mode := ModeListening
	for {
		var next Mode
		var quit bool
		switch mode {
		case ModeListening:
			next, quit = m.runListening()
		case ModeSession:
			next, quit = m.runSession()
		case ModeMenu:
			next, quit = m.runMenu()
		}
		if quit {
			m.logger.Printf("multiplexer exiting from %s mode", mode)
			return nil
		}
		mode = next
	}
}

// runListening idles until a session exists or the operator quits.
func (m *Multiplexer) runListening() (Mode, bool) {
	m.renderer.SetMode(ModeListening)
	for {
		select {
		case chunk, ok := <-m.input:
			if !ok {
				return ModeListening, true
			}
			if len(chunk) == 1 && (chunk[0] == 'q' || chunk[0] == 0x03) {
				return ModeListening, true
			}
			if m.registry.Count() > 0 {
				return ModeMenu, false
			}
		case <-m.refresh:
			// First arrival is auto-foregrounded by the registry;
			// attach to it straight away.
			if fg, ok := m.registry.Foreground(); ok && !fg.Stabilizing() {
				return ModeSession, false
			}
		case <-m.winch:
		}
	}
}

// runSession is raw passthrough between operator and foreground shell.
func (m *Multiplexer) runSession() (Mode, bool) {
	fg, ok := m.registry.Foreground()
	if !ok {
		return ModeListening, false
	}
	m.renderer.SetMode(ModeSession)
	m.logger.Printf("attached to session %s", shortID(fg.ID))

	detached := false
	esc := NewEscForwarder(m.escTimeout, func(p []byte) {
		if err := fg.Send(p); err != nil {
			m.logger.Printf("send to %s failed: %v", shortID(fg.ID), err)
		}
	}, func() {
		detached = true
	})

	m.resize(fg)

	ticker := time.NewTicker(outputTick)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-m.input:
			if !ok {
				return ModeSession, true
			}
			esc.Feed(chunk)
		case <-esc.C():
			esc.Expire()
			if detached {
				m.registry.Background(fg.ID)
				m.logger.Printf("detached from session %s", shortID(fg.ID))
				return ModeMenu, false
			}
		case <-ticker.C:
			m.drainOutput(fg)
			switch fg.State() {
			case session.StateBackground:
				// Connection dropped under us; the synthetic
				// notice is already on screen. Release the
				// terminal so the menu reflects reality.
				m.drainOutput(fg)
				m.registry.Background(fg.ID)
				return ModeMenu, false
			case session.StateTerminated:
				return ModeListening, false
			}
		case <-m.winch:
			m.resize(fg)
		case <-m.refresh:
			// New arrivals never steal an attached terminal.
		}
	}
}

func (m *Multiplexer) drainOutput(fg *session.Session) {
	for {
		p, ok := fg.TryReceive()
		if !ok {
			return
		}
		m.renderer.WriteSession(p)
	}
}

// resize pushes the local window size into the remote PTY. Windows shells
// have no stty, so they are left alone.
func (m *Multiplexer) resize(fg *session.Session) {
	if fg.Metadata().OSType == "Windows" {
		return
	}
	rows, cols := m.renderer.Size()
	if rows <= 0 || cols <= 0 {
		return
	}
	fg.Send([]byte(fmt.Sprintf("stty rows %d cols %d\n", rows, cols)))
}

// runMenu shows the picker until the operator attaches, closes, or quits.
// Input goes through the same Esc hold as session mode so a split arrow
// sequence is not mistaken for a bare Esc.
func (m *Multiplexer) runMenu() (Mode, bool) {
	m.renderer.SetMode(ModeMenu)
	m.paintMenu()

	var (
		done bool
		next Mode
	)
	settle := func(mode Mode) {
		done = true
		next = mode
	}
	esc := NewEscForwarder(m.escTimeout, func(p []byte) {
		switch m.menu.HandleKey(p) {
		case MenuSelect:
			s, _ := m.menu.Selected()
			if err := m.registry.SetForeground(s.ID); err != nil {
				m.logger.Printf("attach %s failed: %v", shortID(s.ID), err)
				m.paintMenu()
				return
			}
			settle(ModeSession)
		case MenuKill:
			s, _ := m.menu.Selected()
			if err := m.registry.Terminate(s.ID); err != nil {
				m.logger.Printf("kill %s failed: %v", shortID(s.ID), err)
			}
			m.paintMenu()
		case MenuClose:
			settle(m.menuExitMode())
		default:
			m.paintMenu()
		}
	}, func() {
		// A lone Esc held past the timeout closes the menu.
		settle(m.menuExitMode())
	})

	for {
		select {
		case chunk, ok := <-m.input:
			if !ok {
				return ModeMenu, true
			}
			esc.Feed(chunk)
		case <-esc.C():
			esc.Expire()
		case <-m.refresh:
			m.paintMenu()
		case <-m.winch:
			m.paintMenu()
		}
		if done {
			return next, false
		}
	}
}

// menuExitMode picks where a closed menu lands: back on the foreground
// session if one exists, otherwise the listening banner.
func (m *Multiplexer) menuExitMode() Mode {
	if _, ok := m.registry.Foreground(); ok {
		return ModeSession
	}
	return ModeListening
}

func (m *Multiplexer) paintMenu() {
	m.menu.SetSessions(m.registry.List())
	_, cols := m.renderer.Size()
	m.renderer.WriteMenu(m.menu.Render(cols))
}
