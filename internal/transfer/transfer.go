// Package transfer copies files between the operator's machine and cluster
// nodes over SFTP. Uploads fan out to every resolved node; downloads land
// side by side, suffixed with the node name so they never clobber each other.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rileyhilliard/herd/internal/console"
	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/logger"
	"github.com/rileyhilliard/herd/internal/registry"
	"github.com/rileyhilliard/herd/pkg/sshutil"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// FileClient is the slice of SFTP the transferer needs. Tests substitute an
// in-memory implementation.
type FileClient interface {
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Stat(path string) (os.FileInfo, error)
	Close() error
}

// Opener produces a FileClient for a node. The production opener dials SSH
// and starts an SFTP subsystem on the connection.
type Opener func(node *registry.Node) (FileClient, error)

// Transferer copies files to and from cluster nodes.
type Transferer struct {
	cons *console.Console
	log  logger.Logger
	open Opener

	// Progress draws a byte-progress bar. Only drawn for single-node
	// transfers; concurrent bars would interleave on one terminal.
	Progress bool
}

// New creates a Transferer using the given opener. A nil opener dials SSH.
func New(cons *console.Console, log logger.Logger, open Opener) *Transferer {
	if log == nil {
		log = logger.Noop()
	}
	if open == nil {
		open = sftpOpener(10 * time.Second)
	}
	return &Transferer{cons: cons, log: log, open: open}
}

// sftpOpener dials the node and starts the SFTP subsystem.
func sftpOpener(timeout time.Duration) Opener {
	return func(node *registry.Node) (FileClient, error) {
		addr := node.Addr()
		if addr == "" {
			return nil, errors.New(errors.ErrSSH,
				"Node has no reachable address (state: "+string(node.State)+")",
				"Start the node first, then refresh")
		}
		client, err := sshutil.Dial(addr, sshutil.Options{
			User:    node.Username,
			Keyfile: node.Keyfile,
			Port:    node.Port,
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		sc, err := sftp.NewClient(client.Client)
		if err != nil {
			client.Close()
			return nil, errors.WrapWithCode(err, errors.ErrSSH,
				"Couldn't start SFTP on "+node.Label(),
				"Check that the remote sshd enables the sftp subsystem")
		}
		return &sftpClient{sc: sc, ssh: client}, nil
	}
}

// sftpClient pairs the SFTP subsystem with the connection it rides on, so
// closing the client tears both down.
type sftpClient struct {
	sc  *sftp.Client
	ssh *sshutil.Client
}

func (c *sftpClient) Create(path string) (io.WriteCloser, error) { return c.sc.Create(path) }
func (c *sftpClient) Open(path string) (io.ReadCloser, error)    { return c.sc.Open(path) }
func (c *sftpClient) Stat(path string) (os.FileInfo, error)      { return c.sc.Stat(path) }

func (c *sftpClient) Close() error {
	c.sc.Close()
	return c.ssh.Close()
}

// Put uploads localPath to remotePath on every node concurrently. Failures
// are per-node; the upload to one node never aborts the others.
func (t *Transferer) Put(ctx context.Context, nodes []*registry.Node, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExec,
			"Couldn't read "+localPath, "Check the path and permissions")
	}
	if info.IsDir() {
		return errors.New(errors.ErrExec,
			localPath+" is a directory",
			"Archive it first: tar czf bundle.tgz "+localPath)
	}
	if remotePath == "" {
		remotePath = filepath.Base(localPath)
	}

	showBar := t.Progress && len(nodes) == 1
	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := t.putOne(node, localPath, remotePath, info.Size(), showBar)
			if err != nil {
				t.cons.Errorf(node.Label(), err)
				return nil
			}
			t.cons.Write(console.Line{Node: node.Label(),
				Text: fmt.Sprintf("sent %s to %s (%d bytes)", localPath, remotePath, n)})
			return nil
		})
	}
	return g.Wait()
}

func (t *Transferer) putOne(node *registry.Node, localPath, remotePath string, size int64, showBar bool) (int64, error) {
	client, err := t.open(node)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrExec,
			"Couldn't read "+localPath, "Check the path and permissions")
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrSSH,
			"Couldn't create "+remotePath+" on "+node.Label(),
			"Check the remote directory exists and is writable")
	}

	var w io.Writer = dst
	if showBar {
		bar := progressbar.DefaultBytes(size, "uploading to "+node.Label())
		w = io.MultiWriter(dst, bar)
	}

	n, err := io.Copy(w, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.WrapWithCode(err, errors.ErrSSH,
			"Upload to "+node.Label()+" failed", "")
	}
	return n, nil
}

// Get downloads remotePath from every node concurrently. Each copy is written
// next to localPath with the node name appended, so a multi-node fetch keeps
// every node's version.
func (t *Transferer) Get(ctx context.Context, nodes []*registry.Node, remotePath, localPath string) error {
	if localPath == "" {
		localPath = filepath.Base(remotePath)
	}

	showBar := t.Progress && len(nodes) == 1
	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dest := DownloadName(localPath, node.Label())
			n, err := t.getOne(node, remotePath, dest, showBar)
			if err != nil {
				t.cons.Errorf(node.Label(), err)
				return nil
			}
			t.cons.Write(console.Line{Node: node.Label(),
				Text: fmt.Sprintf("fetched %s to %s (%d bytes)", remotePath, dest, n)})
			return nil
		})
	}
	return g.Wait()
}

// DownloadName appends the node name to the local path. The suffix keeps
// concurrent fetches from stepping on each other.
func DownloadName(localPath, label string) string {
	return fmt.Sprintf("%s.%s", localPath, label)
}

func (t *Transferer) getOne(node *registry.Node, remotePath, localPath string, showBar bool) (int64, error) {
	client, err := t.open(node)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	var size int64 = -1
	if info, err := client.Stat(remotePath); err == nil {
		size = info.Size()
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrSSH,
			"Couldn't open "+remotePath+" on "+node.Label(),
			"Check the remote path")
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrExec,
			"Couldn't create "+localPath, "Check the local directory is writable")
	}

	var w io.Writer = dst
	if showBar {
		bar := progressbar.DefaultBytes(size, "downloading from "+node.Label())
		w = io.MultiWriter(dst, bar)
	}

	n, err := io.Copy(w, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.WrapWithCode(err, errors.ErrSSH,
			"Download from "+node.Label()+" failed", "")
	}
	return n, nil
}
