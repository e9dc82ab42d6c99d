package sshutil

import (
	"io"

	"github.com/rileyhilliard/herd/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Shell is one persistent interactive shell channel on an SSH connection.
// The remote shell stays alive across commands; input goes in through Write
// and everything the remote produces (stdout and stderr merged by the PTY)
// comes out of Output.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	output  io.Reader
}

// OpenShell starts an interactive shell with a PTY on the client's
// connection. Width/height are the local terminal dimensions, or 80x24 when
// unknown.
func OpenShell(client *Client, width, height int) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to create SSH session",
			"Connection may have been closed. Try reconnecting.")
	}

	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
		session.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to allocate PTY",
			"The remote host may not support pseudo-terminals.")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "Failed to open stdin pipe")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "Failed to open stdout pipe")
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to start remote shell",
			"Check if your user has shell access on the remote host.")
	}

	return &Shell{
		session: session,
		stdin:   stdin,
		output:  stdout,
	}, nil
}

// Write sends bytes to the remote shell's stdin.
func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Output is the merged remote output stream. With a PTY allocated, stderr
// arrives on the same stream as stdout.
func (s *Shell) Output() io.Reader {
	return s.output
}

// WindowChange informs the remote PTY of a local terminal resize.
func (s *Shell) WindowChange(width, height int) error {
	return s.session.WindowChange(height, width)
}

// Close tears down the shell channel. The underlying connection is owned by
// the caller and stays open.
func (s *Shell) Close() error {
	s.stdin.Close()
	return s.session.Close()
}
