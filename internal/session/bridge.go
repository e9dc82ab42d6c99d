package session

import (
	stderrors "errors"
	"io"
	"os"
	"time"

	"github.com/rileyhilliard/herd/internal/console"
	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/logger"
	"golang.org/x/term"
)

// interruptByte is the ctrl-C byte as delivered by a raw terminal.
const interruptByte = 0x03

// interruptCounter detects three consecutive interrupts inside a debounce
// window. Any other byte, or a gap longer than the window, resets the count.
type interruptCounter struct {
	window time.Duration
	count  int
	last   time.Time
}

// Observe feeds one keystroke. It returns true exactly when the third
// consecutive interrupt lands inside the window; that third byte is the
// detach signal and must not be forwarded.
func (c *interruptCounter) Observe(b byte, now time.Time) bool {
	if b != interruptByte {
		c.count = 0
		return false
	}
	if c.count > 0 && now.Sub(c.last) > c.window {
		c.count = 0
	}
	c.count++
	c.last = now
	if c.count >= 3 {
		c.count = 0
		return true
	}
	return false
}

// Bridge relays raw keystrokes and output bytes bidirectionally between the
// operator's terminal and a single session. Attach blocks until the operator
// detaches with three ctrl-C presses; one or two are forwarded to the remote
// untouched (ordinary interrupt semantics).
type Bridge struct {
	in     *os.File
	out    io.Writer
	cons   *console.Console
	log    logger.Logger
	window time.Duration
}

// NewBridge creates a bridge over the operator's terminal.
func NewBridge(in *os.File, out io.Writer, cons *console.Console, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.Noop()
	}
	return &Bridge{
		in:     in,
		out:    out,
		cons:   cons,
		log:    log,
		window: time.Second,
	}
}

// Attach puts the local terminal into raw mode and pumps bytes until the
// detach pattern is seen or the session dies. The session's connection
// survives detach; only the bridge goes away.
//
// A failure to set up the local terminal is the one process-fatal condition
// in this package; it is reported with the EXEC code so the caller can tell
// it apart from per-node session errors.
func (b *Bridge) Attach(sess *Session) error {
	fd := int(b.in.Fd())
	if !term.IsTerminal(fd) {
		return errors.New(errors.ErrExec,
			"Standard input is not a terminal",
			"Raw shells need an interactive terminal; run herd directly, not through a pipe")
	}

	b.cons.Notice("Entering raw shell on %s. Press ctrl-c three times to return to the cluster shell.",
		sess.Node().Label())

	// Hold line output back while raw bytes own the terminal; queued lines
	// flush when the bridge lets go. Suspended before raw mode so the flush
	// happens after the terminal is restored.
	b.cons.Suspend()
	defer b.cons.Resume()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec,
			"Couldn't switch the local terminal to raw mode", "")
	}
	defer term.Restore(fd, oldState)

	if width, height, err := term.GetSize(fd); err == nil {
		sess.Resize(width, height)
	}

	if err := sess.EnterRaw(b.out); err != nil {
		return err
	}
	defer func() {
		sess.ExitRaw()
		b.cons.Notice("%s: back to line-buffered commands", sess.Node().Label())
	}()

	return b.pump(b.in, sess)
}

// rawSource is the keystroke stream the pump drains. os.File's deadline
// support lets the pump poll, so a session dying mid-bridge releases the
// terminal without waiting on the operator's next keystroke.
type rawSource interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// rawPollInterval bounds how long a dead session holds the raw terminal.
const rawPollInterval = 250 * time.Millisecond

func (b *Bridge) pump(in rawSource, sess *Session) error {
	counter := interruptCounter{window: b.window}
	buf := make([]byte, 256)

	// Not every fd supports deadlines; fall back to blocking reads there.
	canPoll := in.SetReadDeadline(time.Now().Add(rawPollInterval)) == nil
	if canPoll {
		defer in.SetReadDeadline(time.Time{})
	}

	for {
		if canPoll {
			in.SetReadDeadline(time.Now().Add(rawPollInterval))
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			cut := -1
			for i, c := range chunk {
				if counter.Observe(c, time.Now()) {
					cut = i
					break
				}
			}
			if cut >= 0 {
				// Forward what precedes the detach byte (including the
				// first two interrupts), swallow the third.
				if cut > 0 {
					_ = sess.ForwardRaw(chunk[:cut])
				}
				return nil
			}
			if err := sess.ForwardRaw(chunk); err != nil {
				b.log.Debug("[bridge] forward failed: %v", err)
				return nil
			}
		}
		if readErr != nil && !(canPoll && stderrors.Is(readErr, os.ErrDeadlineExceeded)) {
			b.log.Debug("[bridge] terminal read ended: %v", readErr)
			return nil
		}
		if sess.Closed() {
			return nil
		}
	}
}
