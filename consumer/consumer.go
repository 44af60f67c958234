// Package consumer runs the sibling process that talks to the kiln server.
//
// The process inherits kiln's environment plus KILN_NODE_OPTIONS describing
// where to connect. Its stdout and stderr are forwarded as given.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/types"
)

// DefaultGracePeriod is how long Stop waits after an interrupt before
// killing the process.
const DefaultGracePeriod = 5 * time.Second

// Config configures the consumer process.
type Config struct {
	// Command and Args are the program to run (required).
	Command string
	Args    []string
	// Dir is the working directory; empty inherits kiln's.
	Dir string
	// Env holds extra NAME=value pairs. They win over inherited values.
	Env         []string
	NodeOptions types.NodeOptions

	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Process manages one consumer process.
type Process struct {
	config  Config
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
	result  *Result
	err     error
}

// New creates a Process. It does not start it.
func New(cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("consumer command is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Process{config: cfg, done: make(chan struct{})}, nil
}

// Start launches the process. Cancelling ctx kills it.
func (p *Process) Start(ctx context.Context) error {
	if p.cmd != nil {
		return errors.New("consumer already started")
	}
	env, err := p.environ()
	if err != nil {
		return err
	}

	p.cmd = exec.CommandContext(ctx, p.config.Command, p.config.Args...)
	p.cmd.Dir = p.config.Dir
	p.cmd.Env = env
	p.cmd.Stdout = p.config.Stdout
	p.cmd.Stderr = p.config.Stderr
	p.cmd.WaitDelay = p.config.GracePeriod

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	p.started = time.Now()
	p.config.Logger.Info("consumer started", map[string]any{
		"command": p.config.Command,
		"pid":     p.cmd.Process.Pid,
	})

	go p.wait()
	return nil
}

func (p *Process) environ() ([]string, error) {
	opts, err := p.config.NodeOptions.Env()
	if err != nil {
		return nil, err
	}
	env := append(os.Environ(), p.config.Env...)
	env = append(env, opts)
	return deduplicateEnv(env), nil
}

func (p *Process) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	res := &Result{Duration: time.Since(p.started)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.err = fmt.Errorf("consumer wait failed: %w", err)
			return
		}
		res.ExitCode = exitCode(exitErr)
	}
	p.result = res
	p.config.Logger.Info("consumer exited", map[string]any{
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

func exitCode(err *exec.ExitError) int {
	if status, ok := err.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		return status.ExitStatus()
	}
	return -1
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits.
func (p *Process) Wait() (*Result, error) {
	if p.cmd == nil {
		return nil, errors.New("consumer not started")
	}
	<-p.done
	return p.result, p.err
}

// Stop interrupts the process and kills it if it is still running after the
// grace period.
func (p *Process) Stop() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Windows cannot deliver os.Interrupt to a child.
		return p.kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.config.GracePeriod):
		return p.kill()
	}
}

func (p *Process) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

// deduplicateEnv keeps the last occurrence of each key, so appended values
// win over inherited ones.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
