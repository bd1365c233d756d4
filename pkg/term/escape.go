package term

import "time"

// DefaultEscTimeout is how long a lone Esc byte is held before it is
// treated as a detach request rather than the start of a key sequence.
const DefaultEscTimeout = 100 * time.Millisecond

// EscForwarder disambiguates the Esc key from terminal escape sequences in
// attached-session passthrough. Arrow keys and function keys arrive as an
// Esc byte followed immediately by more bytes in the same read, so a chunk
// containing bytes after 0x1b is forwarded verbatim. A chunk ending in a
// bare 0x1b is held: if more input arrives before the timeout the Esc was a
// sequence prefix and everything is forwarded; if the timer fires first the
// operator pressed Esc alone and detach runs.
//
// Not safe for concurrent use; the multiplexer feeds it from one goroutine.
type EscForwarder struct {
	timeout time.Duration
	forward func([]byte)
	detach  func()

	pending bool
	timer   *time.Timer
}

func NewEscForwarder(timeout time.Duration, forward func([]byte), detach func()) *EscForwarder {
	if timeout <= 0 {
		timeout = DefaultEscTimeout
	}
	t := time.NewTimer(timeout)
	if !t.Stop() {
		<-t.C
	}
	return &EscForwarder{
		timeout: timeout,
		forward: forward,
		detach:  detach,
		timer:   t,
	}
}

// C is the hold-timer channel. A receive means the held Esc may have
// expired; the receiver must call Expire.
func (f *EscForwarder) C() <-chan time.Time {
	return f.timer.C
}

// Feed processes one input chunk.
func (f *EscForwarder) Feed(p []byte) {
	if f.pending {
		// More input before the timer fired: the Esc was a prefix.
		f.stopTimer()
		f.pending = false
		merged := make([]byte, 0, len(p)+1)
		merged = append(merged, 0x1b)
		merged = append(merged, p...)
		p = merged
	}
	if len(p) == 0 {
		return
	}
	if p[len(p)-1] == 0x1b {
		head := p[:len(p)-1]
		if len(head) > 0 {
			f.forward(head)
		}
		f.pending = true
		f.timer.Reset(f.timeout)
		return
	}
	f.forward(p)
}

// Expire resolves a fired hold timer. It is a no-op when nothing is held,
// so a stale timer tick received after Feed already consumed the Esc is
// harmless.
func (f *EscForwarder) Expire() {
	if !f.pending {
		return
	}
	f.pending = false
	f.detach()
}

// Flush forwards a held Esc immediately, used when leaving passthrough for
// reasons other than the Esc key.
func (f *EscForwarder) Flush() {
	if !f.pending {
		return
	}
	f.stopTimer()
	f.pending = false
	f.forward([]byte{0x1b})
}

func (f *EscForwarder) stopTimer() {
	if !f.timer.Stop() {
		select {
		case <-f.timer.C:
		default:
		}
	}
}
