package git

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxStderr caps the diagnostic output kept from a backend process.
const maxStderr = 64 << 10

// Invocation describes one run of a git service against a repository.
type Invocation struct {
	Location Location
	Service  Service

	// AdvertiseRefs selects the discovery mode (--advertise-refs).
	AdvertiseRefs bool

	// GitProtocol is forwarded to git as GIT_PROTOCOL when non-empty.
	GitProtocol string

	// SessionID names the exchange in logs and, for container backends, the container.
	SessionID string
}

// Args returns the git arguments for the invocation, always in stateless-rpc
// mode, with path standing for the repository as seen by the engine.
func (inv Invocation) Args(path string) []string {
	args := []string{inv.Service.Name(), "--stateless-rpc"}
	if inv.AdvertiseRefs {
		args = append(args, "--advertise-refs")
	}
	return append(args, path)
}

// ExitStatus is the outcome of a finished backend process.
type ExitStatus struct {
	Code int
}

func (s ExitStatus) Success() bool {
	return s.Code == 0
}

// Process is a running git engine with its three standard streams. Wait must
// only be called after Stdout and Stderr have been read to the end.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Wait blocks until the process exits. A non-zero exit is reported through
	// ExitStatus; the error is reserved for failures to observe the process.
	Wait() (ExitStatus, error)

	// Kill terminates the process if it is still running. It is safe to call
	// more than once and after the process has exited.
	Kill() error
}

// Backend runs git's negotiation and pack algorithms on behalf of the gateway.
// Each call gets its own process; implementations hold no per-request state.
// Cancelling ctx must terminate the process.
type Backend interface {
	// AdvertiseRefs runs the service in advertise-refs mode and returns its
	// complete standard output.
	AdvertiseRefs(ctx context.Context, inv Invocation) ([]byte, error)

	// Start spawns the service in stateless-rpc mode with all three streams
	// connected to pipes.
	Start(ctx context.Context, inv Invocation) (Process, error)
}

// Capture drives a started process to completion with empty input, buffering
// its output. It suits the bounded advertisement call of backends that only
// offer streaming processes.
func Capture(proc Process, inv Invocation) ([]byte, error) {
	defer proc.Kill() //nolint:errcheck

	if err := proc.Stdin().Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return nil, &BackendError{Service: inv.Service, Op: "advertise-refs", Err: err}
	}

	var stdout bytes.Buffer
	stderr := newLimitedBuffer(maxStderr)

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&stdout, proc.Stdout())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, proc.Stderr())
		return err
	})
	copyErr := g.Wait()

	status, err := proc.Wait()
	switch {
	case err != nil:
		return nil, &BackendError{Service: inv.Service, Op: "advertise-refs", Stderr: stderr.String(), Err: err}
	case copyErr != nil:
		return nil, &BackendError{Service: inv.Service, Op: "advertise-refs", Stderr: stderr.String(), Err: copyErr}
	case !status.Success():
		return nil, &BackendError{Service: inv.Service, Op: "advertise-refs", ExitCode: status.Code, Stderr: stderr.String()}
	}

	return stdout.Bytes(), nil
}

// limitedBuffer keeps the first n bytes written to it and silently discards
// the rest, so a chatty process can never grow it without bound.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	n   int
}

func newLimitedBuffer(n int) *limitedBuffer {
	return &limitedBuffer{n: n}
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if room := l.n - l.buf.Len(); room > 0 {
		l.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
