package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ryanmoran/gitgate/internal"
)

// ExchangeRequest is one stateless-rpc call from a client.
type ExchangeRequest struct {
	Repo        string
	Service     Service
	Body        io.Reader
	GitProtocol string
	SessionID   string

	// Interrupt, when set, is called if the session is torn down early, to
	// unblock a pending read of Body.
	Interrupt func()
}

// ExchangeResult summarises a finished exchange.
type ExchangeResult struct {
	BytesIn  int64
	BytesOut int64
	Exit     ExitStatus
	Refs     []string
}

// Proxy runs stateless-rpc exchanges. Client input and backend output are
// copied by two independent tasks, so neither direction can stall the other
// once a pipe buffer fills up; both preserve byte order.
type Proxy struct {
	resolver *Resolver
	backend  Backend
	bridge   Bridge
	timeout  time.Duration
	auditor  *Auditor
	logger   zerolog.Logger
}

func NewProxy(resolver *Resolver, backend Backend, chunkSize int, timeout time.Duration, auditor *Auditor, logger zerolog.Logger) *Proxy {
	return &Proxy{
		resolver: resolver,
		backend:  backend,
		bridge:   Bridge{ChunkSize: chunkSize},
		timeout:  timeout,
		auditor:  auditor,
		logger:   logger,
	}
}

// session is one in-flight exchange. It owns the backend process and its
// pipes and never outlives the request that created it.
type session struct {
	id      string
	loc     Location
	service Service
	proc    Process
	cleanup *internal.CleanupManager
}

func newSession(id string, loc Location, service Service, proc Process, logger zerolog.Logger) *session {
	s := &session{
		id:      id,
		loc:     loc,
		service: service,
		proc:    proc,
		cleanup: internal.NewCleanupManager(logger),
	}

	// Executed in reverse: kill, reap, then release the pipes.
	s.cleanup.Add("stdout", proc.Stdout().Close)
	s.cleanup.Add("stderr", proc.Stderr().Close)
	s.cleanup.Add("stdin", proc.Stdin().Close)
	s.cleanup.Add("reap", func() error {
		_, err := proc.Wait()
		return err
	})
	s.cleanup.Add("process", proc.Kill)

	return s
}

func (s *session) close() error {
	return s.cleanup.Execute()
}

// Exchange streams body into the backend for req.Service and the backend's
// output into out as it is produced. When the backend fails before anything
// was written to out a *BackendError is returned and the caller may still
// report an HTTP error; once output has started the caller can only drop the
// connection. Cancelling ctx, a client read or write failure and the exchange
// timeout all terminate the backend.
func (p *Proxy) Exchange(ctx context.Context, req ExchangeRequest, out io.Writer) (ExchangeResult, error) {
	loc, err := p.resolver.Resolve(req.Repo)
	if err != nil {
		return ExchangeResult{}, err
	}

	logger := p.logger.With().
		Str("repo", req.Repo).
		Str("service", string(req.Service)).
		Str("session", req.SessionID).
		Logger()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	proc, err := p.backend.Start(ctx, Invocation{
		Location:    loc,
		Service:     req.Service,
		GitProtocol: req.GitProtocol,
		SessionID:   req.SessionID,
	})
	if err != nil {
		var backendErr *BackendError
		if !errors.As(err, &backendErr) {
			err = &BackendError{Service: req.Service, Op: "start", Err: err}
		}
		logger.Error().Err(err).Msg("failed to start backend")
		p.auditor.Record(Event{Repo: req.Repo, Service: req.Service, Phase: PhaseExchange, Duration: time.Since(start), Err: err})
		return ExchangeResult{}, err
	}

	s := newSession(req.SessionID, loc, req.Service, proc, logger)
	defer s.close()

	if req.Interrupt != nil {
		stop := context.AfterFunc(ctx, req.Interrupt)
		defer stop()
	}

	var body io.Reader = req.Body
	var sniffer *commandSniffer
	if req.Service == ReceivePack {
		sniffer = newCommandSniffer(body)
		body = sniffer
	}

	var (
		input, output BridgeResult
		stderr        = newLimitedBuffer(maxStderr)
	)

	var g errgroup.Group
	g.Go(func() error {
		input = p.bridge.Pipe(body, proc.Stdin(), proc.Stdin())
		if input.Err == nil {
			return nil
		}
		if input.Side == SideSource {
			cancel()
			return &StreamTerminatedError{Direction: "request", Side: SideSource, Bytes: input.Bytes, Err: input.Err}
		}
		// The backend stopped reading its input. Whether that is a failure
		// is decided by its exit status.
		logger.Debug().Err(input.Err).Int64("bytes", input.Bytes).Msg("backend closed its input early")
		return nil
	})
	g.Go(func() error {
		output = p.bridge.Pipe(proc.Stdout(), out)
		if output.Err == nil {
			return nil
		}
		if output.Side == SideSink {
			cancel()
			return &StreamTerminatedError{Direction: "response", Side: SideSink, Bytes: output.Bytes, Err: output.Err}
		}
		if ctx.Err() != nil {
			// The session is already being torn down; the read failure is
			// a consequence of the kill.
			return nil
		}
		cancel()
		return &BackendError{Service: req.Service, Op: "read", Err: output.Err}
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, proc.Stderr())
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Debug().Err(err).Msg("failed to read backend stderr")
		}
		return nil
	})
	streamErr := g.Wait()

	status, waitErr := proc.Wait()

	result := ExchangeResult{
		BytesIn:  input.Bytes,
		BytesOut: output.Bytes,
		Exit:     status,
	}
	if sniffer != nil {
		result.Refs = sniffer.Refs()
	}

	err = p.outcome(ctx, req.Service, streamErr, status, waitErr, stderr.String())
	if err != nil {
		event := logger.Error()
		var terminated *StreamTerminatedError
		if errors.As(err, &terminated) {
			event = logger.Warn()
		}
		event.Err(err).
			Int("exit_code", status.Code).
			Str("stderr", stderr.String()).
			Int64("bytes_in", result.BytesIn).
			Int64("bytes_out", result.BytesOut).
			Msg("exchange failed")
	} else if stderr := stderr.String(); stderr != "" {
		logger.Debug().Str("stderr", stderr).Msg("backend diagnostics")
	}

	p.auditor.Record(Event{
		Repo:     req.Repo,
		Service:  req.Service,
		Phase:    PhaseExchange,
		BytesIn:  result.BytesIn,
		BytesOut: result.BytesOut,
		Refs:     result.Refs,
		Success:  err == nil,
		Duration: time.Since(start),
		Err:      err,
	})

	return result, err
}

// outcome decides what a finished session amounts to. An expired timeout
// comes first, since it also interrupts the client stream; after that a broken
// client stream wins over whatever the killed backend reported.
func (p *Proxy) outcome(ctx context.Context, service Service, streamErr error, status ExitStatus, waitErr error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &BackendError{Service: service, Op: "stateless-rpc", Stderr: stderr, Err: fmt.Errorf("exceeded exchange timeout of %s: %w", p.timeout, ctx.Err())}
	}

	var terminated *StreamTerminatedError
	if errors.As(streamErr, &terminated) {
		return streamErr
	}
	if ctx.Err() != nil {
		return &StreamTerminatedError{Direction: "response", Side: SideSink, Err: ctx.Err()}
	}

	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		return &BackendError{Service: service, Op: "wait", Stderr: stderr, Err: waitErr}
	}
	if !status.Success() {
		return &BackendError{Service: service, Op: "stateless-rpc", ExitCode: status.Code, Stderr: stderr}
	}
	return nil
}
