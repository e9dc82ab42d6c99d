// Package testing provides test doubles for the session package: an
// in-memory Conn that behaves like a remote interactive shell, and a Dialer
// that hands them out without any network.
package testing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rileyhilliard/herd/internal/registry"
	"github.com/rileyhilliard/herd/internal/session"
)

// FakeConn simulates the remote side of a persistent PTY shell. It answers
// the session's setup command with the ready sentinel, executes dispatched
// payloads through a configurable respond hook, and echoes end sentinels with
// the reported exit status. Lines are handled sequentially, like a real shell.
type FakeConn struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu               sync.Mutex
	respond          func(payload string) ([]string, int)
	delay            time.Duration
	suppressReady    bool
	suppressSentinel bool
	inbuf            []byte
	writes           []string
	closed           bool

	lines chan string
	done  chan struct{}
}

// NewFakeConn creates a fake shell ready to be handed to a session.
func NewFakeConn() *FakeConn {
	pr, pw := io.Pipe()
	c := &FakeConn{
		pr:    pr,
		pw:    pw,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go c.shellLoop()
	return c
}

// SetRespond installs the payload handler: output lines plus an exit status.
// The default is no output, exit 0.
func (c *FakeConn) SetRespond(fn func(payload string) ([]string, int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respond = fn
}

// SetDelay makes every payload response wait, simulating slow remote commands.
func (c *FakeConn) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// SetSuppressReady withholds the ready sentinel so login times out.
func (c *FakeConn) SetSuppressReady(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressReady = v
}

// SetSuppressSentinel withholds end sentinels so capture windows idle out.
func (c *FakeConn) SetSuppressSentinel(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressSentinel = v
}

// Write receives bytes the session sends to the remote shell's stdin.
func (c *FakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	c.writes = append(c.writes, string(p))
	c.inbuf = append(c.inbuf, p...)
	var full []string
	for {
		idx := strings.IndexByte(string(c.inbuf), '\n')
		if idx < 0 {
			break
		}
		full = append(full, string(c.inbuf[:idx]))
		c.inbuf = c.inbuf[idx+1:]
	}
	c.mu.Unlock()

	for _, line := range full {
		select {
		case c.lines <- line:
		case <-c.done:
			return len(p), io.ErrClosedPipe
		}
	}
	return len(p), nil
}

// Output is the stream the session's reader drains.
func (c *FakeConn) Output() io.Reader { return c.pr }

// Close ends the output stream; the session observes EOF.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.pw.Close()
}

// Inject pushes arbitrary bytes into the session's output stream, as if the
// remote produced them spontaneously (raw-mode output, late results).
func (c *FakeConn) Inject(p []byte) {
	c.pw.Write(p)
}

// InjectLine pushes one output line.
func (c *FakeConn) InjectLine(line string) {
	c.Inject([]byte(line + "\r\n"))
}

// Writes returns everything the session wrote, in order.
func (c *FakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

// WroteContaining reports whether any write contains the substring.
func (c *FakeConn) WroteContaining(sub string) bool {
	for _, w := range c.Writes() {
		if strings.Contains(w, sub) {
			return true
		}
	}
	return false
}

// shellLoop consumes command lines sequentially like a real shell.
func (c *FakeConn) shellLoop() {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.lines:
			c.handle(line)
		}
	}
}

func (c *FakeConn) handle(line string) {
	c.mu.Lock()
	respond := c.respond
	delay := c.delay
	suppressReady := c.suppressReady
	suppressSentinel := c.suppressSentinel
	c.mu.Unlock()

	switch {
	case strings.Contains(line, "'HERD-SHELL'-'READY'"):
		if !suppressReady {
			c.emit("HERD-SHELL-READY\r\n")
		}

	case strings.Contains(line, "echo HERD-SYNC-"):
		idx := strings.Index(line, "HERD-SYNC-")
		c.emit(line[idx:] + "\r\n")

	case strings.HasPrefix(line, "stty echo"):
		// Raw attach re-enables echo; a real shell prints nothing here.

	default:
		marker := " ; echo HERD-EOC-"
		idx := strings.LastIndex(line, marker)
		if idx < 0 {
			// Raw-mode keystrokes or free-form input; nothing to answer.
			return
		}
		payload := line[:idx]
		sentinel := strings.TrimSuffix(line[idx+len(" ; echo "):], " $?")

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.done:
				return
			}
		}

		var out []string
		exit := 0
		if respond != nil {
			out, exit = respond(payload)
		}
		for _, l := range out {
			c.emit(l + "\r\n")
		}
		if !suppressSentinel {
			c.emit(fmt.Sprintf("%s %d\r\n", sentinel, exit))
		}
	}
}

func (c *FakeConn) emit(s string) {
	c.pw.Write([]byte(s))
}

// FakeDialer hands out FakeConns and records dial attempts.
type FakeDialer struct {
	mu    sync.Mutex
	dials map[string]int
	conns map[string]*FakeConn
	fail  map[string]error

	// Configure customizes each conn before the session sees it.
	Configure func(node *registry.Node, conn *FakeConn)

	// Latency is slept on every dial.
	Latency time.Duration
}

// NewFakeDialer creates an empty dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		dials: make(map[string]int),
		conns: make(map[string]*FakeConn),
		fail:  make(map[string]error),
	}
}

var _ session.Dialer = (*FakeDialer)(nil)

// FailWith makes dials for a node id return err.
func (d *FakeDialer) FailWith(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[id] = err
}

// Dial implements session.Dialer.
func (d *FakeDialer) Dial(ctx context.Context, node *registry.Node) (session.Conn, error) {
	if d.Latency > 0 {
		select {
		case <-time.After(d.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	d.dials[node.ID]++
	if err, ok := d.fail[node.ID]; ok {
		d.mu.Unlock()
		return nil, err
	}
	conn := NewFakeConn()
	d.conns[node.ID] = conn
	d.mu.Unlock()

	if d.Configure != nil {
		d.Configure(node, conn)
	}
	return conn, nil
}

// DialCount returns how many times a node was dialed.
func (d *FakeDialer) DialCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

// Conn returns the most recent conn created for a node.
func (d *FakeDialer) Conn(id string) *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[id]
}
