package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/pithecene-io/kiln/ipc"
)

// ErrProcessExited is returned once the transform process is no longer usable.
var ErrProcessExited = errors.New("transform process exited")

// ProcessConfig configures a transform child process.
type ProcessConfig struct {
	// Command is the program to run, e.g. "node".
	Command string
	// Args are passed to Command, e.g. the transform script path.
	Args []string
	// Dir is the working directory (project root).
	Dir string
	// Env entries are appended to the inherited environment and win over
	// inherited duplicates.
	Env []string
}

// Process is a Transformer backed by a long-lived child process. Requests
// are length-prefixed JSON frames on the child's stdin; responses come back
// the same way on stdout. One request is in flight at a time.
type Process struct {
	config ProcessConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	decoder *ipc.FrameDecoder
	stderr  *lockedWriter
	nextID  uint32
	broken  error
}

// NewProcess creates a transform process manager. Start must be called
// before Transform.
func NewProcess(config ProcessConfig) *Process {
	return &Process{config: config}
}

type processRequest struct {
	ID       uint32 `json:"id"`
	ModuleID string `json:"moduleId"`
}

type processResponse struct {
	ID     uint32  `json:"id"`
	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

// Start launches the child process.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.New("transform process already started")
	}
	if p.config.Command == "" {
		return errors.New("transform process requires a command")
	}

	cmd := exec.CommandContext(ctx, p.config.Command, p.config.Args...)
	cmd.Dir = p.config.Dir
	if len(p.config.Env) > 0 {
		cmd.Env = DedupeEnv(append(os.Environ(), p.config.Env...))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	p.stderr = &lockedWriter{buf: &bytes.Buffer{}}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start transform process: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.decoder = ipc.NewFrameDecoder(stdout, 0)
	return nil
}

// Transform sends id to the child and waits for its answer. If ctx is
// cancelled mid-request the child is killed, since the stream position can
// no longer be trusted.
func (p *Process) Transform(ctx context.Context, id string) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return nil, errors.New("transform process not started")
	}
	if p.broken != nil {
		return nil, p.broken
	}

	p.nextID++
	reqID := p.nextID
	payload, err := json.Marshal(processRequest{ID: reqID, ModuleID: id})
	if err != nil {
		return nil, fmt.Errorf("encode transform request: %w", err)
	}

	type readResult struct {
		payload []byte
		err     error
	}
	done := make(chan readResult, 1)

	if err := ipc.WriteFrame(p.stdin, payload); err != nil {
		return nil, p.fail(fmt.Errorf("write transform request: %w", err))
	}
	go func() {
		b, err := p.decoder.ReadFrame()
		done <- readResult{payload: b, err: err}
	}()

	var res readResult
	select {
	case <-ctx.Done():
		_ = p.kill()
		<-done
		return nil, p.fail(ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, p.fail(fmt.Errorf("read transform response: %w", res.err))
	}

	var resp processResponse
	if err := json.Unmarshal(res.payload, &resp); err != nil {
		return nil, p.fail(fmt.Errorf("decode transform response: %w", err))
	}
	if resp.ID != reqID {
		return nil, p.fail(fmt.Errorf("transform response id %d, want %d", resp.ID, reqID))
	}
	if resp.Error != nil {
		resp.Error.ID = id
		return nil, resp.Error
	}
	if resp.Result == nil {
		return nil, &Error{ID: id, Message: "transform returned no result", Code: CodeTransformError}
	}
	return resp.Result, nil
}

func (p *Process) fail(err error) error {
	p.broken = fmt.Errorf("%w: %w", ErrProcessExited, err)
	return p.broken
}

func (p *Process) kill() error {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// Stderr returns what the child has written to stderr so far. It must not be
// called before Start returns.
func (p *Process) Stderr() string {
	if p.stderr == nil {
		return ""
	}
	return p.stderr.String()
}

// Close closes the child's stdin and waits for it to exit. It returns the
// exit code (or -1 if it could not be determined).
func (p *Process) Close() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return 0, nil
	}
	_ = p.stdin.Close()
	err := p.cmd.Wait()
	p.broken = ErrProcessExited
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus(), nil
		}
		return -1, nil
	}
	return -1, fmt.Errorf("transform process wait failed: %w", err)
}

// DedupeEnv keeps the last occurrence of each env var key.
func DedupeEnv(env []string) []string {
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

type lockedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}

func (w *lockedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
