package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/client"
	"github.com/rs/zerolog"

	"github.com/ryanmoran/gitgate/internal"
	"github.com/ryanmoran/gitgate/internal/git"
)

// ContainerRoot is where the repository root is mounted inside each container.
const ContainerRoot = "/srv/git"

// removeTimeout bounds container removal once the request context is gone.
const removeTimeout = 30 * time.Second

// Backend runs each git invocation in a fresh container of image. The host
// repository root is bind-mounted at ContainerRoot.
type Backend struct {
	client Client
	image  internal.ImageName
	root   string
	user   string
	logger zerolog.Logger
}

func NewBackend(c Client, image internal.ImageName, root string, logger zerolog.Logger) *Backend {
	return &Backend{
		client: c,
		image:  image,
		root:   root,
		user:   containerUser(),
		logger: logger,
	}
}

// containerUser returns the gateway's own "uid:gid", or "" where the platform
// has no such notion.
func containerUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}

// Ping reports whether the Docker daemon is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// ContainerPath maps a resolved repository location to its path inside the
// container.
func (b *Backend) ContainerPath(loc git.Location) (string, error) {
	rel, err := filepath.Rel(b.root, loc.Path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("repository %q is outside the mounted root %q", loc.Path, b.root)
	}
	return path.Join(ContainerRoot, filepath.ToSlash(rel)), nil
}

// AdvertiseRefs runs the service in advertise-refs mode in its own container.
func (b *Backend) AdvertiseRefs(ctx context.Context, inv git.Invocation) ([]byte, error) {
	inv.AdvertiseRefs = true

	proc, err := b.Start(ctx, inv)
	if err != nil {
		return nil, err
	}
	defer proc.Kill()

	return git.Capture(proc, inv)
}

// Start creates, attaches to and starts a container running the service in
// stateless-rpc mode. The container is force-removed when the process is
// reaped or killed, and when ctx is done.
func (b *Backend) Start(ctx context.Context, inv git.Invocation) (git.Process, error) {
	op := "start"
	if inv.AdvertiseRefs {
		op = "advertise-refs"
	}
	fail := func(err error) error {
		return &git.BackendError{Service: inv.Service, Op: op, Err: err}
	}

	repoPath, err := b.ContainerPath(inv.Location)
	if err != nil {
		return nil, fail(err)
	}

	// Pushed objects must stay writable by the gateway, so git runs as the
	// gateway's own user. That user rarely exists in the image, and git refuses
	// repositories it cannot match to an owner without safe.directory.
	env := internal.Environment{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=safe.directory",
		"GIT_CONFIG_VALUE_0=*",
	}
	if inv.GitProtocol != "" {
		env = append(env, "GIT_PROTOCOL="+inv.GitProtocol)
	}

	sessionID := internal.SessionID(inv.SessionID)
	if sessionID == "" {
		sessionID = internal.GenerateSession().ID()
	}

	c, err := b.client.CreateContainer(ctx, ContainerSpec{
		Name:       internal.SessionID(fmt.Sprintf("%s-%s", sessionID, inv.Service.Name())),
		Image:      b.image,
		Entrypoint: []string{"git"},
		Args:       inv.Args(repoPath),
		Env:        env,
		Binds:      []string{b.root + ":" + ContainerRoot},
		WorkingDir: repoPath,
		User:       b.user,
	})
	if err != nil {
		return nil, fail(err)
	}

	logger := b.logger.With().Str("container", c.Name).Logger()

	p := &containerProcess{
		container: c,
		logger:    logger,
		exited:    make(chan struct{}),
	}

	attach, err := c.Attach(ctx)
	if err != nil {
		p.remove()
		return nil, fail(err)
	}
	p.attach = attach

	if err := c.Start(ctx); err != nil {
		p.remove()
		return nil, fail(err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p.stdin = &attachWriter{attach: &p.attach}
	p.stdout = stdoutR
	p.stderr = stderrR

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	p.stop = context.AfterFunc(ctx, func() {
		if err := p.Kill(); err != nil {
			logger.Warn().Err(err).Msg("failed to kill container")
		}
	})

	go p.wait(ctx)

	logger.Debug().Strs("args", inv.Args(repoPath)).Msg("started container")

	return p, nil
}

type containerProcess struct {
	container Container
	attach    client.HijackedResponse
	logger    zerolog.Logger

	stdin  *attachWriter
	stdout *io.PipeReader
	stderr *io.PipeReader

	stop func() bool

	exited  chan struct{}
	code    int64
	waitErr error

	removeOnce sync.Once
	removeErr  error
}

func (p *containerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *containerProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *containerProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *containerProcess) wait(ctx context.Context) {
	defer close(p.exited)
	p.code, p.waitErr = p.container.Wait(ctx)
}

// Wait returns the container's exit status and removes it.
func (p *containerProcess) Wait() (git.ExitStatus, error) {
	<-p.exited
	p.stop()

	if err := p.remove(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to remove container")
	}

	if p.waitErr != nil {
		return git.ExitStatus{Code: -1}, p.waitErr
	}
	return git.ExitStatus{Code: int(p.code)}, nil
}

// Kill force-removes the container, which also stops it.
func (p *containerProcess) Kill() error {
	return p.remove()
}

func (p *containerProcess) remove() error {
	p.removeOnce.Do(func() {
		if p.attach.Conn != nil {
			p.attach.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()

		err := p.container.ForceRemove(ctx)
		if err != nil && !cerrdefs.IsNotFound(err) {
			p.removeErr = err
		}
	})
	return p.removeErr
}

// attachWriter feeds the container's stdin. Closing it half-closes the attach
// connection so git sees end of input while output keeps flowing.
type attachWriter struct {
	attach *client.HijackedResponse

	once sync.Once
	err  error
}

func (w *attachWriter) Write(p []byte) (int, error) {
	return w.attach.Conn.Write(p)
}

func (w *attachWriter) Close() error {
	w.once.Do(func() {
		w.err = w.attach.CloseWrite()
		if errors.Is(w.err, net.ErrClosed) {
			w.err = nil
		}
	})
	return w.err
}
