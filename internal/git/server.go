package git

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
	logger   zerolog.Logger
	done     chan struct{}
}

// NewServer starts serving handler on addr in a background goroutine. An addr
// with port 0 picks a free port, which Port reports. The server only sets
// header and idle timeouts: pack transfers are long-lived and bounded by the
// exchange timeout instead.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w\nAnother process may already be using this address", addr, err)
	}

	_, portString, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to split listener host/port: %w", err)
	}

	port, err := strconv.ParseInt(portString, 10, 64)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to parse listener port: %w", err)
	}

	s := &Server{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		listener: listener,
		port:     int(port),
		logger:   logger,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("git server error")
		}
	}()

	logger.Info().Str("addr", listener.Addr().String()).Msg("listening")

	return s, nil
}

// Port returns the TCP port number that the server is listening on.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests until
// ctx is done, after which remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn().Msg("graceful shutdown timed out, closing connections")
		err = s.server.Close()
	}
	<-s.done
	return err
}

// Close stops the server immediately.
func (s *Server) Close() error {
	err := s.server.Close()
	<-s.done
	return err
}
