package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Work is the caller-supplied business logic run by the engine for one attempt.
// Implementations must return once ctx is done; the engine abandons the
// attempt at the deadline either way.
type Work interface {
	Run(ctx context.Context, task *Task) (string, error)
}

// WorkFunc adapts a function to the Work interface.
type WorkFunc func(ctx context.Context, task *Task) (string, error)

func (f WorkFunc) Run(ctx context.Context, task *Task) (string, error) {
	return f(ctx, task)
}

const (
	maxCapturedOutput = 8 << 10
	killGrace         = 5 * time.Second
)

// CommandWork runs the task's Command through the system shell.
type CommandWork struct {
	logger *slog.Logger
}

// NewCommandWork creates the default shell-backed work capability.
func NewCommandWork(logger *slog.Logger) *CommandWork {
	return &CommandWork{logger: logger}
}

// Run executes the command and returns its combined output. An empty command succeeds immediately.
func (w *CommandWork) Run(ctx context.Context, task *Task) (string, error) {
	command := strings.TrimSpace(task.Command)
	if command == "" {
		return "", nil
	}

	out := &cappedBuffer{limit: maxCapturedOutput}
	cmd := commandForTask(command)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return out.String(), fmt.Errorf("command exited with code %d", exitErr.ExitCode())
			}
			return out.String(), fmt.Errorf("wait command: %w", err)
		}
		return out.String(), nil
	case <-ctx.Done():
		w.logger.Warn("task exceeded timeout, sending termination", "task_id", task.ID)
		sendTermination(cmd.Process)
		select {
		case <-waitCh:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
		}
		return out.String(), ctx.Err()
	}
}

func commandForTask(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command) // #nosec G204
	}
	return exec.Command("/bin/sh", "-c", command) // #nosec G204
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
