// Package command runs external worker processes.
// All subprocess execution in the service goes through this package so that
// timeouts, working directory, and error reporting are consistent.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout is applied when neither the builder nor the context sets a deadline.
const DefaultTimeout = 2 * time.Minute

// maxStderr bounds how much worker stderr is carried in an error.
const maxStderr = 2048

// ErrNotFound indicates the executable could not be located.
var ErrNotFound = errors.New("executable not found")

// ExitError reports a worker that ran and exited non-zero.
type ExitError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command failed: %s %s (exit code %d)", e.Name, strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Builder assembles a command invocation.
type Builder struct {
	name    string
	args    []string
	stdin   []byte
	env     []string
	dir     string
	timeout time.Duration
}

// NewCommand creates a Builder for name with args.
func NewCommand(name string, args ...string) *Builder {
	return &Builder{
		name:    name,
		args:    args,
		timeout: DefaultTimeout,
	}
}

// WithStdin sets the bytes written to the process's standard input.
func (b *Builder) WithStdin(data []byte) *Builder {
	b.stdin = data
	return b
}

// WithEnv appends KEY=VALUE entries to the inherited environment.
func (b *Builder) WithEnv(env ...string) *Builder {
	b.env = append(b.env, env...)
	return b
}

// WithDir sets the working directory. Defaults to the OS temp directory.
func (b *Builder) WithDir(dir string) *Builder {
	b.dir = dir
	return b
}

// WithTimeout bounds execution. Zero leaves only the context deadline.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.timeout = timeout
	return b
}

// Output runs the command and returns its standard output.
// Standard error is only surfaced through the returned error.
func (b *Builder) Output(ctx context.Context) ([]byte, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	} else if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	if _, err := exec.LookPath(b.name); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, b.name)
	}

	cmd := exec.CommandContext(ctx, b.name, b.args...)
	cmd.Dir = b.dir
	if cmd.Dir == "" {
		cmd.Dir = os.TempDir()
	}
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}
	if b.stdin != nil {
		cmd.Stdin = bytes.NewReader(b.stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command %s: %w", b.name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &ExitError{
			Name:     b.name,
			Args:     b.args,
			ExitCode: exitErr.ExitCode(),
			Stderr:   tail(stderr.String(), maxStderr),
		}
	}
	return nil, fmt.Errorf("command failed: %s %s: %w", b.name, strings.Join(b.args, " "), err)
}

// Run executes name with args and returns trimmed standard output.
func Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := NewCommand(name, args...).Output(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
