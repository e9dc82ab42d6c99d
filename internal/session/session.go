// Package session maintains persistent remote shells and multiplexes their
// output back to the operator.
//
// Each Session owns one interactive PTY shell on one node and moves through
// an explicit state machine:
//
//	Connecting → LineBuffered ⇄ RawInteractive → Closed
//
// In LineBuffered mode a payload is written as a discrete command followed by
// an end sentinel that carries the exit status; output capture for that
// dispatch ends when the sentinel line arrives or when the idle timeout
// elapses. The timeout ends the capture window only: the shell keeps running
// and any later output still streams to the console, tagged with the node.
//
// In RawInteractive mode the reader forwards bytes verbatim to the attached
// bridge and line assembly is bypassed entirely.
package session

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rileyhilliard/herd/internal/console"
	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/logger"
	"github.com/rileyhilliard/herd/internal/registry"
)

// State is the session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateLineBuffered
	StateRawInteractive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLineBuffered:
		return "line-buffered"
	case StateRawInteractive:
		return "raw-interactive"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Result is the outcome of one capture window.
type Result struct {
	Node     string
	ExitCode int // -1 when the window ended without seeing the sentinel
	TimedOut bool
	Err      error
}

// readySentinel marks the end of login noise (banner, motd, the echoed setup
// line itself). The setup command builds it from two shell words so the
// echoed command text never contains the contiguous sentinel.
const readySentinel = "HERD-SHELL-READY"

// setupCommand suppresses echo and the remote prompt, then emits the ready
// sentinel. Everything received before the sentinel is dropped.
const setupCommand = "stty -echo; export PS1=''; echo 'HERD-SHELL'-'READY'"

// Session is one persistent remote shell bound to a node. Created by the
// Pool; the dispatcher holds only non-owning references.
type Session struct {
	node *registry.Node
	conn Conn
	cons *console.Console
	log  logger.Logger
	idle time.Duration

	mu            sync.Mutex
	state         State
	captures      []*capture
	lapsed        map[string]bool
	rawSink       io.Writer
	lineBuf       []byte
	suppressUntil string
	ready         chan struct{}
	done          chan struct{}
	onClose       func(*Session)
}

// capture is one dispatch's output window: it completes on its sentinel line
// or on idle timeout, whichever comes first.
type capture struct {
	sentinel string
	result   chan Result
	timer    *time.Timer
	once     sync.Once
}

func (c *capture) finish(r Result) {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.result <- r
	})
}

func newSession(node *registry.Node, conn Conn, cons *console.Console, log logger.Logger, idle time.Duration, onClose func(*Session)) *Session {
	if log == nil {
		log = logger.Noop()
	}
	if idle <= 0 {
		idle = 5 * time.Second
	}
	s := &Session{
		node:          node,
		conn:          conn,
		cons:          cons,
		log:           log,
		idle:          idle,
		state:         StateConnecting,
		lapsed:        make(map[string]bool),
		suppressUntil: readySentinel,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		onClose:       onClose,
	}
	go s.readLoop()
	return s
}

// login drives Connecting → LineBuffered: it sends the setup command and
// waits for the ready sentinel.
func (s *Session) login(timeout time.Duration) error {
	if err := s.sendLine(setupCommand); err != nil {
		s.closeWithError(err)
		return err
	}
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return errors.New(errors.ErrSSH, "Connection closed during login", "").WithNode(s.node.Label())
	case <-time.After(timeout):
		err := errors.New(errors.ErrSSH,
			"Remote shell did not initialize in time",
			"The login shell may be waiting on input; try ssh'ing in manually").WithNode(s.node.Label())
		s.closeWithError(err)
		return err
	}
}

// Node returns the node this session is bound to.
func (s *Session) Node() *registry.Node { return s.node }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool { return s.State() == StateClosed }

// Run sends a payload as a discrete command and returns a channel that yields
// the capture result. Output lines stream to the console as they arrive; the
// channel only signals the end of the capture window.
//
// Concurrent Runs on the same session are serialized onto the shared shell in
// call order (first-write-wins); each keeps its own sentinel so completions
// match up even when windows overlap.
func (s *Session) Run(payload string) (<-chan Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil, errors.New(errors.ErrSession, "Session is closed", "").WithNode(s.node.Label())
	case StateConnecting:
		return nil, errors.New(errors.ErrSession, "Session is still connecting", "").WithNode(s.node.Label())
	case StateRawInteractive:
		return nil, errors.New(errors.ErrSession,
			"Session is attached to a raw shell",
			"Detach with three ctrl-C presses first").WithNode(s.node.Label())
	}

	win := &capture{
		sentinel: "HERD-EOC-" + uuid.NewString(),
		result:   make(chan Result, 1),
	}
	win.timer = time.AfterFunc(s.idle, func() { s.expireCapture(win) })
	s.captures = append(s.captures, win)

	cmdline := fmt.Sprintf("%s ; echo %s $?", payload, win.sentinel)
	if err := s.sendLineLocked(cmdline); err != nil {
		s.removeCaptureLocked(win)
		win.finish(Result{Node: s.node.Label(), ExitCode: -1, Err: err})
		go s.closeWithError(err)
		return win.result, err
	}
	return win.result, nil
}

// EnterRaw switches to RawInteractive and directs remote bytes at sink.
// Fails if a bridge is already attached; at most one bridge per session.
func (s *Session) EnterRaw(sink io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return errors.New(errors.ErrSession, "Session is closed", "").WithNode(s.node.Label())
	}
	if s.state == StateRawInteractive || s.rawSink != nil {
		return errors.New(errors.ErrSession,
			"A raw shell is already attached to this session", "").WithNode(s.node.Label())
	}

	// Bring back echo and a visible prompt for the interactive stretch.
	prompt := fmt.Sprintf("rawshell:%s:\\w\\$ ", s.node.Label())
	if err := s.sendLineLocked("stty echo; export PS1='" + prompt + "'"); err != nil {
		go s.closeWithError(err)
		return err
	}

	// Anything half-assembled belongs to the raw stream now.
	if len(s.lineBuf) > 0 {
		sink.Write(s.lineBuf)
		s.lineBuf = nil
	}
	s.rawSink = sink
	s.state = StateRawInteractive
	return nil
}

// ExitRaw detaches the bridge and returns to LineBuffered without touching
// the underlying connection. Echo and prompt suppression are re-established;
// output is dropped until the resync sentinel comes back.
func (s *Session) ExitRaw() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRawInteractive {
		return nil
	}
	s.rawSink = nil
	s.lineBuf = nil
	s.state = StateLineBuffered

	sync := "HERD-SYNC-" + uuid.NewString()
	s.suppressUntil = sync
	if err := s.sendLineLocked(fmt.Sprintf("stty -echo; export PS1=''; echo %s", sync)); err != nil {
		go s.closeWithError(err)
		return err
	}
	return nil
}

// ForwardRaw passes operator keystrokes to the remote shell. Only valid while
// RawInteractive.
func (s *Session) ForwardRaw(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRawInteractive {
		return errors.New(errors.ErrSession, "Session is not in raw mode", "").WithNode(s.node.Label())
	}
	_, err := s.conn.Write(p)
	return err
}

// Resize propagates a terminal resize when the transport supports it.
func (s *Session) Resize(width, height int) {
	if r, ok := s.conn.(Resizer); ok {
		_ = r.WindowChange(width, height)
	}
}

// Close tears the session down. Pending captures complete with an error.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) closeWithError(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	captures := s.captures
	s.captures = nil
	s.rawSink = nil
	close(s.done)
	s.mu.Unlock()

	s.conn.Close()

	label := s.node.Label()
	for _, c := range captures {
		err := cause
		if err == nil {
			err = errors.New(errors.ErrSession, "Session closed mid-dispatch", "").WithNode(label)
		}
		c.finish(Result{Node: label, ExitCode: -1, Err: err})
	}

	if cause != nil && s.cons != nil {
		s.cons.Errorf(label, errors.ForNode(label, cause))
	}
	s.log.Debug("[session] %s closed", label)

	if s.onClose != nil {
		s.onClose(s)
	}
}

// sendLine writes one command line to the remote shell.
func (s *Session) sendLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLineLocked(line)
}

func (s *Session) sendLineLocked(line string) error {
	_, err := s.conn.Write([]byte(line + "\n"))
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrSession,
			"Failed to write to remote shell",
			"The connection may have dropped; the session will be reopened on next use").WithNode(s.node.Label())
	}
	return nil
}

// readLoop is the session's one goroutine: it drains the remote output
// stream for the life of the connection.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	out := s.conn.Output()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			s.ingest(buf[:n])
		}
		if err != nil {
			s.mu.Lock()
			closed := s.state == StateClosed
			s.mu.Unlock()
			if closed || err == io.EOF {
				s.closeWithError(nil)
			} else {
				s.closeWithError(errors.WrapWithCode(err, errors.ErrSession,
					"Lost connection to remote shell", "").WithNode(s.node.Label()))
			}
			return
		}
	}
}

// ingest routes received bytes: raw bytes straight to the bridge sink,
// otherwise line assembly, sentinel matching, and tagged console output.
// Console writes happen outside the lock so a suspended console can never
// wedge state transitions.
func (s *Session) ingest(p []byte) {
	s.mu.Lock()
	if s.rawSink != nil {
		sink := s.rawSink
		s.mu.Unlock()
		sink.Write(p)
		return
	}

	s.lineBuf = append(s.lineBuf, p...)
	var emit []string
	var late []int
	for {
		idx := bytes.IndexByte(s.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(s.lineBuf[:idx]), "\r")
		s.lineBuf = s.lineBuf[idx+1:]

		if s.suppressUntil != "" {
			if strings.Contains(line, s.suppressUntil) {
				wasReady := s.suppressUntil == readySentinel
				s.suppressUntil = ""
				if wasReady {
					s.state = StateLineBuffered
					close(s.ready)
				}
			}
			continue
		}

		if s.matchCaptureLocked(line) {
			continue
		}
		if status, ok := s.matchLapsedLocked(line); ok {
			late = append(late, status)
			continue
		}

		if line != "" {
			emit = append(emit, line)
		}
		s.touchCapturesLocked()
	}
	s.mu.Unlock()

	if s.cons != nil {
		label := s.node.Label()
		for _, line := range emit {
			s.cons.Write(console.Line{Node: label, Text: line})
		}
		for _, status := range late {
			s.cons.Notice("%s: finished after the capture window (exit %d)", label, status)
		}
	}
}

// matchCaptureLocked finishes and removes the capture whose sentinel the line
// carries. Returns false when the line is ordinary output.
func (s *Session) matchCaptureLocked(line string) bool {
	for i, c := range s.captures {
		pos := strings.Index(line, c.sentinel)
		if pos < 0 {
			continue
		}
		status := -1
		rest := strings.TrimSpace(line[pos+len(c.sentinel):])
		if v, err := strconv.Atoi(rest); err == nil {
			status = v
		}
		s.captures = append(s.captures[:i], s.captures[i+1:]...)
		c.finish(Result{Node: s.node.Label(), ExitCode: status})
		return true
	}
	return false
}

// matchLapsedLocked swallows the end sentinel of a capture that already idled
// out. The sentinel is protocol framing, never operator-visible output; the
// late exit status is reported as a notice instead.
func (s *Session) matchLapsedLocked(line string) (int, bool) {
	for sentinel := range s.lapsed {
		pos := strings.Index(line, sentinel)
		if pos < 0 {
			continue
		}
		delete(s.lapsed, sentinel)
		status := -1
		if v, err := strconv.Atoi(strings.TrimSpace(line[pos+len(sentinel):])); err == nil {
			status = v
		}
		return status, true
	}
	return 0, false
}

// touchCapturesLocked resets idle timers: output is still flowing.
func (s *Session) touchCapturesLocked() {
	for _, c := range s.captures {
		c.timer.Reset(s.idle)
	}
}

// expireCapture ends a capture window on idle timeout. The session and its
// shell stay up; a long-running remote command keeps streaming afterwards.
func (s *Session) expireCapture(win *capture) {
	s.mu.Lock()
	s.removeCaptureLocked(win)
	if s.state != StateClosed {
		s.lapsed[win.sentinel] = true
	}
	s.mu.Unlock()
	win.finish(Result{Node: s.node.Label(), ExitCode: -1, TimedOut: true})
}

func (s *Session) removeCaptureLocked(win *capture) {
	for i, c := range s.captures {
		if c == win {
			s.captures = append(s.captures[:i], s.captures[i+1:]...)
			return
		}
	}
}
