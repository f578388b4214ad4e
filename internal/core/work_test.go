//go:build !windows

package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandWorkCapturesOutput(t *testing.T) {
	w := NewCommandWork(discardLogger())
	out, err := w.Run(context.Background(), &Task{ID: "c", Command: "echo hello; echo oops >&2"})
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "oops")
}

func TestCommandWorkExitCode(t *testing.T) {
	w := NewCommandWork(discardLogger())
	_, err := w.Run(context.Background(), &Task{ID: "c", Command: "exit 3"})
	require.Error(t, err)
	assert.Equal(t, "command exited with code 3", err.Error())
}

func TestCommandWorkEmptyCommandSucceeds(t *testing.T) {
	w := NewCommandWork(discardLogger())
	out, err := w.Run(context.Background(), &Task{ID: "c", Command: "   "})
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestCommandWorkStopsOnContextDone(t *testing.T) {
	w := NewCommandWork(discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := w.Run(ctx, &Task{ID: "c", Command: "exec sleep 10"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCappedBufferTruncates(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.True(t, strings.HasPrefix(b.String(), "abcd"))
	assert.Contains(t, b.String(), "[output truncated]")
}
