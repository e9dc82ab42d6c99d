package session

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/registry"
	"github.com/rileyhilliard/herd/pkg/sshutil"
	"golang.org/x/term"
)

// Conn is the transport a Session runs on: stdin of a persistent remote
// shell plus its merged output stream. The Session owns the Conn exclusively.
type Conn interface {
	io.Writer
	Output() io.Reader
	Close() error
}

// Resizer is implemented by transports that can propagate local terminal
// resizes to the remote PTY. Optional; the bridge probes for it.
type Resizer interface {
	WindowChange(width, height int) error
}

// Dialer opens a Conn for a node. The production implementation speaks SSH;
// tests substitute an in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, node *registry.Node) (Conn, error)
}

// SSHDialer opens persistent PTY shells over SSH, with keepalives.
type SSHDialer struct {
	Timeout   time.Duration
	Keepalive time.Duration
}

// Dial connects to the node's address and starts an interactive shell.
func (d *SSHDialer) Dial(ctx context.Context, node *registry.Node) (Conn, error) {
	addr := node.Addr()
	if addr == "" {
		return nil, errors.New(errors.ErrSSH,
			"Node has no reachable address (state: "+string(node.State)+")",
			"Start the node first, then refresh")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := sshutil.Dial(addr, sshutil.Options{
		User:    node.Username,
		Keyfile: node.Keyfile,
		Port:    node.Port,
		Timeout: d.Timeout,
	})
	if err != nil {
		return nil, err
	}

	width, height := localTermSize()
	shell, err := sshutil.OpenShell(client, width, height)
	if err != nil {
		client.Close()
		return nil, err
	}

	conn := &sshConn{client: client, shell: shell, stop: make(chan struct{})}

	interval := d.Keepalive
	if interval == 0 {
		interval = 4 * time.Minute
	}
	sshutil.StartKeepAlive(client, interval, conn.stop, nil)

	return conn, nil
}

type sshConn struct {
	client *sshutil.Client
	shell  *sshutil.Shell
	stop   chan struct{}
}

func (c *sshConn) Write(p []byte) (int, error) { return c.shell.Write(p) }
func (c *sshConn) Output() io.Reader           { return c.shell.Output() }

func (c *sshConn) WindowChange(width, height int) error {
	return c.shell.WindowChange(width, height)
}

func (c *sshConn) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.shell.Close()
	return c.client.Close()
}

func localTermSize() (int, int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 80, 24
	}
	width, height, err := term.GetSize(fd)
	if err != nil {
		return 80, 24
	}
	return width, height
}
