package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferLoggerCapturesLevels(t *testing.T) {
	l := NewBufferLogger()

	l.Debug("dialing %s", "worker0")
	l.Info("session open")
	l.Warn("slow handshake: %dms", 1200)
	l.Error("capture failed")

	require.Len(t, l.Messages, 4)
	assert.Equal(t, "debug", l.Messages[0].Level)
	assert.Equal(t, "dialing worker0", l.Messages[0].Message)
	assert.True(t, l.HasLevel("warn"))
	assert.False(t, l.HasLevel("fatal"))
}

func TestBufferLoggerClear(t *testing.T) {
	l := NewBufferLogger()
	l.Info("x")
	l.Clear()
	assert.Empty(t, l.Messages)
}

func TestNoopDiscardsEverything(t *testing.T) {
	l := Noop()
	l.Debug("a")
	l.Info("b")
	l.Warn("c")
	l.Error("d")
	// Nothing to assert beyond not panicking.
}

func TestSetDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	buf := NewBufferLogger()
	SetDefault(buf)
	Default().Info("hello")

	require.Len(t, buf.Messages, 1)
	assert.Equal(t, "hello", buf.Messages[0].Message)
}
