package git

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// NotFoundError reports that a repository name does not resolve to a bare
// repository under the root. Names rejected for safety reasons produce the
// same error so that probing cannot tell the two cases apart.
type NotFoundError struct {
	Name   string
	Reason string
	Err    error
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("repository %q not found", e.Name)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// InvalidServiceError reports a service token other than git-upload-pack or
// git-receive-pack.
type InvalidServiceError struct {
	Service string
}

func (e *InvalidServiceError) Error() string {
	return fmt.Sprintf("unsupported service %q", e.Service)
}

// BackendError reports that the git engine failed to start, failed to
// communicate, or exited with a non-zero status. Stderr holds the engine's
// diagnostic output; it is meant for logs and must not be sent to clients.
type BackendError struct {
	Service  Service
	Op       string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "git %s %s failed", e.Service.Name(), e.Op)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", stderr)
	}
	return b.String()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Side names the end of a bridge that failed.
type Side string

const (
	SideSource Side = "source"
	SideSink   Side = "sink"
)

// StreamTerminatedError reports a transfer that stopped part way, because the
// client went away or the backend closed its end of a pipe. Once bytes have
// been streamed no HTTP status can be sent any more; the error is logged and
// the connection dropped.
type StreamTerminatedError struct {
	Direction string
	Side      Side
	Bytes     int64
	Err       error
}

func (e *StreamTerminatedError) Error() string {
	return fmt.Sprintf("%s stream terminated at %s after %d bytes: %v", e.Direction, e.Side, e.Bytes, e.Err)
}

func (e *StreamTerminatedError) Unwrap() error {
	return e.Err
}

// ErrPushDisabled is returned for git-receive-pack when pushes are switched off.
var ErrPushDisabled = errors.New("push is disabled on this server")

// StatusCode maps an error to the HTTP status sent to the client. It returns 0
// for a *StreamTerminatedError, after which no status can be sent.
func StatusCode(err error) int {
	var (
		notFound   *NotFoundError
		invalid    *InvalidServiceError
		terminated *StreamTerminatedError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &terminated):
		return 0
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrPushDisabled):
		return http.StatusForbidden
	case errors.Is(err, ErrRepositoryExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
