package internal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	// DefaultAddr keeps the gateway on loopback unless told otherwise.
	DefaultAddr = "127.0.0.1:8080"

	// DefaultRepoRoot matches the layout used by the repository registration
	// workflow: <root>/<name>.git.
	DefaultRepoRoot = "tmp/repos"

	// DefaultGitBinary is resolved through PATH by the exec backend.
	DefaultGitBinary = "git"

	// DefaultDockerImage must provide a git binary on its PATH.
	DefaultDockerImage = "alpine/git:latest"

	// DefaultAdvertiseTimeout bounds the one-shot ref advertisement call.
	DefaultAdvertiseTimeout = 30 * time.Second

	// DefaultExchangeTimeout caps the total lifetime of a stateless-rpc process.
	// Clones of very large repositories can legitimately take a long time, so this
	// is a generous ceiling rather than an expected duration.
	DefaultExchangeTimeout = time.Hour

	// DefaultChunkSize is the amount of data moved per read/write by the bridge.
	DefaultChunkSize = 32 << 10

	// MinChunkSize and MaxChunkSize clamp the configured chunk size.
	MinChunkSize = 4 << 10
	MaxChunkSize = 64 << 10

	// DefaultAuditBuffer is the number of audit events queued before new ones are dropped.
	DefaultAuditBuffer = 256

	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 15 * time.Second

	envPrefix = "GITGATE_"
)

type Config struct {
	Addr        string
	RepoRoot    string
	GitBinary   string
	Backend     BackendKind
	DockerImage ImageName
	DisablePush bool
	ChunkSize   int
	AuditBuffer int

	AdvertiseTimeout time.Duration
	ExchangeTimeout  time.Duration
	ShutdownTimeout  time.Duration

	LogLevel  string
	LogFormat string

	envErrs []error
}

// BindFlags registers every configuration flag on fs and returns the Config the
// flags write into. Defaults are taken from GITGATE_* variables in environment,
// falling back to the Default* constants, so a flag always wins over the
// environment. Malformed environment values are reported by Validate.
func BindFlags(fs *pflag.FlagSet, environment []string) *Config {
	lookup := make(map[string]string)
	for _, variable := range environment {
		key, value, ok := strings.Cut(variable, "=")
		if ok && strings.HasPrefix(key, envPrefix) {
			lookup[strings.TrimPrefix(key, envPrefix)] = value
		}
	}

	config := &Config{}

	str := func(key, fallback string) string {
		if value, ok := lookup[key]; ok && value != "" {
			return value
		}
		return fallback
	}

	duration := func(key string, fallback time.Duration) time.Duration {
		value, ok := lookup[key]
		if !ok || value == "" {
			return fallback
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			config.envErrs = append(config.envErrs, fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, value, err))
			return fallback
		}
		return d
	}

	integer := func(key string, fallback int) int {
		value, ok := lookup[key]
		if !ok || value == "" {
			return fallback
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			config.envErrs = append(config.envErrs, fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, value, err))
			return fallback
		}
		return n
	}

	boolean := func(key string, fallback bool) bool {
		value, ok := lookup[key]
		if !ok || value == "" {
			return fallback
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			config.envErrs = append(config.envErrs, fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, value, err))
			return fallback
		}
		return b
	}

	fs.StringVar(&config.Addr, "addr", str("ADDR", DefaultAddr), "address to listen on")
	fs.StringVar(&config.RepoRoot, "repo-root", str("REPO_ROOT", DefaultRepoRoot), "directory holding <name>.git bare repositories")
	fs.StringVar(&config.GitBinary, "git-binary", str("GIT_BINARY", DefaultGitBinary), "git executable used by the exec backend")
	fs.StringVar((*string)(&config.Backend), "backend", str("BACKEND", string(BackendExec)), "execution backend: exec or docker")
	fs.StringVar((*string)(&config.DockerImage), "docker-image", str("DOCKER_IMAGE", DefaultDockerImage), "image used by the docker backend")
	fs.DurationVar(&config.AdvertiseTimeout, "advertise-timeout", duration("ADVERTISE_TIMEOUT", DefaultAdvertiseTimeout), "maximum time for a ref advertisement")
	fs.DurationVar(&config.ExchangeTimeout, "exchange-timeout", duration("EXCHANGE_TIMEOUT", DefaultExchangeTimeout), "maximum lifetime of an upload-pack/receive-pack process")
	fs.DurationVar(&config.ShutdownTimeout, "shutdown-timeout", duration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout), "maximum time to drain in-flight requests on shutdown")
	fs.IntVar(&config.ChunkSize, "chunk-size", integer("CHUNK_SIZE", DefaultChunkSize), "bytes moved per read/write when streaming")
	fs.IntVar(&config.AuditBuffer, "audit-buffer", integer("AUDIT_BUFFER", DefaultAuditBuffer), "queued audit events before dropping")
	fs.BoolVar(&config.DisablePush, "disable-push", boolean("DISABLE_PUSH", false), "refuse git-receive-pack")
	fs.StringVar(&config.LogLevel, "log-level", str("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.StringVar(&config.LogFormat, "log-format", str("LOG_FORMAT", "console"), "log format: console or json")

	return config
}

// Validate reports malformed environment values and out-of-range settings.
// The chunk size is clamped rather than rejected.
func (c *Config) Validate() error {
	if err := errors.Join(c.envErrs...); err != nil {
		return fmt.Errorf("failed to read environment: %w\nUnset the variable or fix its value", err)
	}

	switch c.Backend {
	case BackendExec, BackendDocker:
	default:
		return fmt.Errorf("unknown backend %q\nUse %q or %q", c.Backend, BackendExec, BackendDocker)
	}

	if c.RepoRoot == "" {
		return errors.New("repository root must not be empty\nPass --repo-root or set GITGATE_REPO_ROOT")
	}

	if c.AdvertiseTimeout <= 0 || c.ExchangeTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive (advertise=%s, exchange=%s)", c.AdvertiseTimeout, c.ExchangeTimeout)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout must not be negative, got %s", c.ShutdownTimeout)
	}

	if c.AuditBuffer < 0 {
		return fmt.Errorf("audit buffer must not be negative, got %d", c.AuditBuffer)
	}

	c.ChunkSize = min(max(c.ChunkSize, MinChunkSize), MaxChunkSize)

	return nil
}
