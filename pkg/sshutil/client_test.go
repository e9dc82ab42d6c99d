package sshutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateHome points HOME at a temp dir so the runner's real ~/.ssh/config
// never leaks into resolution.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestResolveSettingsDefaults(t *testing.T) {
	isolateHome(t)
	t.Setenv("USER", "tester")

	s := resolveSettings("10.0.0.5", Options{})
	assert.Equal(t, "10.0.0.5", s.hostname)
	assert.Equal(t, "22", s.port)
	assert.Equal(t, "tester", s.user)
	assert.Empty(t, s.identityFile)
	assert.Equal(t, "10.0.0.5:22", s.address())
}

func TestResolveSettingsReadsSSHConfig(t *testing.T) {
	home := isolateHome(t)
	sshDir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o700))
	cfg := `Host web0
  HostName 10.0.0.5
  Port 2200
  User admin
  IdentityFile ~/.ssh/web.pem
`
	require.NoError(t, os.WriteFile(filepath.Join(sshDir, "config"), []byte(cfg), 0o600))

	s := resolveSettings("web0", Options{})
	assert.Equal(t, "10.0.0.5", s.hostname)
	assert.Equal(t, "2200", s.port)
	assert.Equal(t, "admin", s.user)
	assert.Equal(t, filepath.Join(sshDir, "web.pem"), s.identityFile)
}

func TestExplicitOptionsWinOverSSHConfig(t *testing.T) {
	home := isolateHome(t)
	sshDir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o700))
	cfg := "Host web0\n  Port 2200\n  User admin\n"
	require.NoError(t, os.WriteFile(filepath.Join(sshDir, "config"), []byte(cfg), 0o600))

	s := resolveSettings("web0", Options{User: "deploy", Port: 22, Keyfile: "~/.ssh/deploy.pem"})
	assert.Equal(t, "deploy", s.user)
	assert.Equal(t, "22", s.port)
	assert.Equal(t, filepath.Join(sshDir, "deploy.pem"), s.identityFile)
}

func TestExpandPath(t *testing.T) {
	home := isolateHome(t)
	assert.Equal(t, filepath.Join(home, ".ssh", "key"), expandPath("~/.ssh/key"))
	assert.Equal(t, "/abs/key", expandPath("/abs/key"))
	assert.Equal(t, "rel/key", expandPath("rel/key"))
}

func TestDialErrorSuggestions(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"dial tcp: connection refused", "Is SSH running"},
		{"dial tcp: no route to host", "Check your network"},
		{"dial tcp: i/o timeout", "timed out"},
		{"something else", "ping <host>"},
	}
	for _, tt := range tests {
		got := suggestionForDialError(errString(tt.err))
		assert.Contains(t, got, tt.want, "for %q", tt.err)
	}
}

func TestHandshakeErrorSuggestions(t *testing.T) {
	assert.Contains(t, suggestionForHandshakeError(errString("ssh: unable to authenticate")), "ssh-add -l")
	assert.Contains(t, suggestionForHandshakeError(errString("knownhosts: key mismatch")), "Host key")
}

type errString string

func (e errString) Error() string { return string(e) }
