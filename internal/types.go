package internal

// SessionID represents a unique identifier for one proxied exchange.
type SessionID string

// ImageName represents a Docker image name.
type ImageName string

// Environment represents environment variables passed to a backend process.
type Environment []string

// BackendKind selects the engine that runs git for each request.
type BackendKind string

const (
	// BackendExec runs the git binary as a local subprocess.
	BackendExec BackendKind = "exec"

	// BackendDocker runs git inside a short-lived container.
	BackendDocker BackendKind = "docker"
)
