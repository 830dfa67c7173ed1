package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// killWaitDelay bounds how long Wait keeps draining pipes after the process
// has been killed, in case a grandchild still holds them open.
const killWaitDelay = 5 * time.Second

// ExecBackend runs the git binary as a local subprocess, one per request. The
// process is placed in its own process group so that cancelling a request also
// kills helpers git spawns, such as pack-objects and index-pack.
type ExecBackend struct {
	binary string
	env    []string
}

// NewExecBackend resolves binary through PATH and returns a backend that runs
// it with env as its environment.
func NewExecBackend(binary string, env []string) (*ExecBackend, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("git binary %q not found: %w\nInstall git or pass --git-binary", binary, err)
	}

	return &ExecBackend{
		binary: path,
		env:    append([]string(nil), env...),
	}, nil
}

func (b *ExecBackend) command(ctx context.Context, inv Invocation) *exec.Cmd {
	cmd := exec.CommandContext(ctx, b.binary, inv.Args(inv.Location.Path)...)
	cmd.Dir = inv.Location.Path
	cmd.Env = append([]string(nil), b.env...)
	if inv.GitProtocol != "" {
		cmd.Env = append(cmd.Env, "GIT_PROTOCOL="+inv.GitProtocol)
	}
	cmd.WaitDelay = killWaitDelay
	configureProcessGroup(cmd)
	return cmd
}

// AdvertiseRefs runs the service with --advertise-refs and buffers its output.
func (b *ExecBackend) AdvertiseRefs(ctx context.Context, inv Invocation) ([]byte, error) {
	inv.AdvertiseRefs = true
	cmd := b.command(ctx, inv)

	var stdout bytes.Buffer
	stderr := newLimitedBuffer(maxStderr)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		backendErr := &BackendError{Service: inv.Service, Op: "advertise-refs", Stderr: stderr.String()}
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			backendErr.Err = ctx.Err()
		case errors.As(err, &exitErr):
			backendErr.ExitCode = exitErr.ExitCode()
		default:
			backendErr.Err = err
		}
		return nil, backendErr
	}

	return stdout.Bytes(), nil
}

// Start spawns the service in stateless-rpc mode.
func (b *ExecBackend) Start(ctx context.Context, inv Invocation) (Process, error) {
	inv.AdvertiseRefs = false
	cmd := b.command(ctx, inv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &BackendError{Service: inv.Service, Op: "start", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &BackendError{Service: inv.Service, Op: "start", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &BackendError{Service: inv.Service, Op: "start", Err: err}
	}

	if err := cmd.Start(); err != nil {
		// Start closes the pipes it created on failure.
		return nil, &BackendError{Service: inv.Service, Op: "start", Err: err}
	}

	return &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu     sync.Mutex
	exited bool

	waitOnce sync.Once
	status   ExitStatus
	waitErr  error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *execProcess) Wait() (ExitStatus, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()

		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			p.status = ExitStatus{Code: exitErr.ExitCode()}
		case err != nil:
			p.status = ExitStatus{Code: -1}
			p.waitErr = err
		}
	})
	return p.status, p.waitErr
}

func (p *execProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.cmd.Process == nil {
		return nil
	}

	err := killProcessGroup(p.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
