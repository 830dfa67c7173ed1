package git_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/require"

	"github.com/ryanmoran/gitgate/internal/git"
)

var errKilled = errors.New("killed")

// fakeBackend stands in for git. Every spawn is counted so tests can assert
// that rejected requests never reach the backend.
type fakeBackend struct {
	spawns atomic.Int32

	refs         []byte
	advertiseErr error
	startErr     error

	// run plays the process: it reads stdin, writes stdout and stderr and
	// returns the exit code.
	run func(stdin io.Reader, stdout, stderr io.Writer) int

	mu          sync.Mutex
	invocations []git.Invocation
	processes   []*fakeProcess
}

func (f *fakeBackend) record(inv git.Invocation) {
	f.spawns.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations = append(f.invocations, inv)
}

func (f *fakeBackend) lastInvocation() git.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invocations[len(f.invocations)-1]
}

func (f *fakeBackend) lastProcess() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processes[len(f.processes)-1]
}

func (f *fakeBackend) AdvertiseRefs(ctx context.Context, inv git.Invocation) ([]byte, error) {
	f.record(inv)
	if f.advertiseErr != nil {
		return nil, f.advertiseErr
	}
	return f.refs, nil
}

func (f *fakeBackend) Start(ctx context.Context, inv git.Invocation) (git.Process, error) {
	f.record(inv)
	if f.startErr != nil {
		return nil, f.startErr
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	p := &fakeProcess{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		done:    make(chan struct{}),
	}

	run := f.run
	if run == nil {
		run = func(stdin io.Reader, stdout, stderr io.Writer) int {
			_, _ = io.Copy(stdout, stdin)
			return 0
		}
	}

	go func() {
		code := run(stdinR, stdoutW, stderrW)
		if p.killed.Load() {
			code = -1
		}
		stdinR.Close()
		stdoutW.Close()
		stderrW.Close()
		p.code = code
		close(p.done)
	}()

	context.AfterFunc(ctx, func() { _ = p.Kill() })

	f.mu.Lock()
	f.processes = append(f.processes, p)
	f.mu.Unlock()

	return p, nil
}

type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	killed atomic.Bool
	done   chan struct{}
	code   int
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderrR }

func (p *fakeProcess) Wait() (git.ExitStatus, error) {
	<-p.done
	return git.ExitStatus{Code: p.code}, nil
}

func (p *fakeProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killed.Store(true)
	p.stdinR.CloseWithError(errKilled)
	p.stdoutW.CloseWithError(errKilled)
	p.stderrW.CloseWithError(errKilled)
	return nil
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// newRepoRoot creates a repository root holding one bare repository per name.
func newRepoRoot(t *testing.T, names ...string) string {
	t.Helper()

	root := t.TempDir()
	for _, name := range names {
		_, err := gogit.PlainInit(filepath.Join(root, name+git.BareSuffix), true)
		require.NoError(t, err)
	}

	root, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return root
}

func newResolver(t *testing.T, names ...string) *git.Resolver {
	t.Helper()

	resolver, err := git.NewResolver(newRepoRoot(t, names...))
	require.NoError(t, err)
	return resolver
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
