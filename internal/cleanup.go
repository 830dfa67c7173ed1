package internal

import (
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// CleanupManager tracks resources and ensures ordered cleanup in LIFO order.
// It backs both process-wide teardown in main and the teardown of every proxied
// session, so all exit paths share one routine.
type CleanupManager struct {
	mu       sync.Mutex
	funcs    []cleanupFunc
	logger   zerolog.Logger
	executed bool
	err      error
}

type cleanupFunc struct {
	name string
	fn   func() error
}

// NewCleanupManager creates a new cleanup manager that reports failures to logger.
func NewCleanupManager(logger zerolog.Logger) *CleanupManager {
	return &CleanupManager{logger: logger}
}

// Add registers a cleanup function. Functions are executed in LIFO order
// (last added, first executed) to ensure proper cleanup sequencing.
func (m *CleanupManager) Add(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append([]cleanupFunc{{name, fn}}, m.funcs...)
}

// Execute runs all cleanup functions in reverse order (LIFO), logging any errors.
// It always completes all cleanup operations, even if some fail, and returns the
// failures joined. Later calls are no-ops returning the first result. Closing an
// already closed file is not treated as a failure.
func (m *CleanupManager) Execute() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.executed {
		return m.err
	}
	m.executed = true

	var errs []error
	for _, cleanup := range m.funcs {
		err := cleanup.fn()
		if err == nil || errors.Is(err, os.ErrClosed) {
			continue
		}
		m.logger.Warn().Err(err).Str("resource", cleanup.name).Msg("cleanup failed")
		errs = append(errs, err)
	}
	m.err = errors.Join(errs...)

	return m.err
}
