// Package sshutil provides the SSH connection layer: dialing with settings
// resolved from ~/.ssh/config, agent and key-file auth, known_hosts checking,
// keepalives, and persistent interactive shell channels.
package sshutil

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/rileyhilliard/herd/internal/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Options carries per-node connection parameters. Zero values fall back to
// ~/.ssh/config and then to defaults.
type Options struct {
	User    string
	Keyfile string
	Port    int
	Timeout time.Duration
}

// Client wraps an SSH connection with the metadata used for attribution.
type Client struct {
	*ssh.Client
	Host    string // host or alias as given
	Address string // resolved address (host:port)
}

// StrictHostKeyChecking controls host key verification behavior.
// When true (default), host keys are verified against ~/.ssh/known_hosts.
// When false, host key verification is skipped (insecure, for CI/automation).
var StrictHostKeyChecking = true

// Dial establishes an SSH connection to the specified host.
// The host can be a hostname, an IP address, or an SSH config alias;
// options take precedence over ~/.ssh/config entries.
func Dial(host string, opts Options) (*Client, error) {
	settings := resolveSettings(host, opts)

	config, err := buildClientConfig(settings)
	if err != nil {
		var herdErr *errors.Error
		if stderrors.As(err, &herdErr) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Couldn't set up SSH for '%s'", host),
			"Check your keys are loaded: ssh-add -l")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	address := settings.address()
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Can't reach '%s' at %s", host, address),
			suggestionForDialError(err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("SSH handshake with '%s' didn't go through", host),
			suggestionForHandshakeError(err))
	}

	return &Client{
		Client:  ssh.NewClient(sshConn, chans, reqs),
		Host:    host,
		Address: address,
	}, nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// settings holds resolved connection parameters.
type settings struct {
	hostname     string
	port         string
	user         string
	identityFile string
}

func (s *settings) address() string {
	return net.JoinHostPort(s.hostname, s.port)
}

// resolveSettings merges explicit options with ~/.ssh/config for the host.
func resolveSettings(host string, opts Options) *settings {
	s := &settings{
		hostname: host,
		port:     "22",
		user:     currentUser(),
	}

	if cfgHost, err := sshConfigFor(host); err == nil && cfgHost != nil {
		if v, _ := cfgHost.Get(host, "HostName"); v != "" {
			s.hostname = v
		}
		if v, _ := cfgHost.Get(host, "Port"); v != "" {
			s.port = v
		}
		if v, _ := cfgHost.Get(host, "User"); v != "" {
			s.user = v
		}
		if v, _ := cfgHost.Get(host, "IdentityFile"); v != "" {
			s.identityFile = expandPath(v)
		}
	}

	// Explicit per-node parameters win over ssh_config.
	if opts.User != "" {
		s.user = opts.User
	}
	if opts.Keyfile != "" {
		s.identityFile = expandPath(opts.Keyfile)
	}
	if opts.Port != 0 {
		s.port = fmt.Sprintf("%d", opts.Port)
	}

	return s
}

// sshConfigFor decodes ~/.ssh/config once per call site; a missing or
// unparseable config is not an error, just an absence of overrides.
func sshConfigFor(host string) (*ssh_config.Config, error) {
	path := filepath.Join(homeDir(), ".ssh", "config")
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh_config.Decode(bytes.NewReader(content))
}

// buildClientConfig assembles auth methods: agent first, then the resolved
// identity file, then the conventional default keys.
func buildClientConfig(s *settings) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if agentAuth := sshAgentAuth(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}

	tried := map[string]bool{}
	tryKey := func(keyPath string) {
		if keyPath == "" || tried[keyPath] {
			return
		}
		tried[keyPath] = true
		if auth, err := keyFileAuth(keyPath); err == nil {
			authMethods = append(authMethods, auth)
		}
	}

	tryKey(s.identityFile)
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		tryKey(filepath.Join(homeDir(), ".ssh", name))
	}

	if len(authMethods) == 0 {
		return nil, errors.New(errors.ErrSSH,
			"No SSH auth methods available",
			"Check your keys are loaded: ssh-add -l")
	}

	var hostKeyCallback ssh.HostKeyCallback
	if StrictHostKeyChecking {
		cb, err := knownHostsCallback(filepath.Join(homeDir(), ".ssh", "known_hosts"))
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // User explicitly disabled host key checking
	}

	return &ssh.ClientConfig{
		User:            s.user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}, nil
}

// agentConn holds the reusable SSH agent connection.
var (
	agentConn     net.Conn
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

// sshAgentAuth returns an auth method using the SSH agent if available.
// The agent connection is reused across multiple SSH connections.
// Returns nil if the agent has no keys loaded.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}

	// An empty agent causes auth failures when placed before other methods.
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// CloseAgent closes the SSH agent connection if one is open.
// Called once at shell shutdown.
func CloseAgent() {
	if agentConn != nil {
		agentConn.Close()
	}
}

// keyFileAuth returns an auth method using a private key file.
func keyFileAuth(keyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signer), nil
}

// knownHostsCallback wraps the knownhosts callback, creating an empty
// known_hosts file on first use so fresh machines work out of the box.
func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create .ssh directory: %w", err)
		}
		if err := os.WriteFile(path, []byte{}, 0600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}
	}
	return knownhosts.New(path)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") {
		return "Is SSH running on that box? Try: ssh <host>"
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Can't route to the host. Check your network connection."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") {
		return "Connection timed out. Host might be offline, stopped, or firewalled."
	}
	return "Make sure the host is reachable: ping <host>"
}

func suggestionForHandshakeError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods") {
		return "Auth failed. Check your keys are loaded: ssh-add -l"
	}
	if strings.Contains(errStr, "host key") || strings.Contains(errStr, "knownhosts") {
		return "Host key issue. Try connecting manually first: ssh <host>"
	}
	return "Something went wrong during SSH setup. Try: ssh <host>"
}
