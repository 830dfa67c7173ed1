package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	gogit "github.com/go-git/go-git/v5"
)

// ErrRepositoryExists is returned when creating a repository whose directory
// is already present.
var ErrRepositoryExists = errors.New("repository already exists")

// Registry creates bare repositories under the same root a Resolver serves.
type Registry struct {
	root string
}

func NewRegistry(resolver *Resolver) *Registry {
	return &Registry{root: resolver.Root()}
}

// Create initialises an empty bare repository called name and returns its
// location. Names are validated exactly as Resolve validates them, except that
// failures are reported as they are rather than as not-found.
func (r *Registry) Create(name string) (Location, error) {
	if err := ValidateName(name); err != nil {
		return Location{}, err
	}

	path, err := securejoin.SecureJoin(r.root, name+BareSuffix)
	if err != nil {
		return Location{}, fmt.Errorf("failed to resolve repository path for %q: %w", name, err)
	}

	if _, err := os.Lstat(path); err == nil {
		return Location{}, fmt.Errorf("%w: %s", ErrRepositoryExists, name)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Location{}, fmt.Errorf("failed to stat %q: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Location{}, fmt.Errorf("failed to create parent directory for %q: %w", path, err)
	}

	if _, err := gogit.PlainInit(path, true); err != nil {
		if errors.Is(err, gogit.ErrRepositoryAlreadyExists) {
			return Location{}, fmt.Errorf("%w: %s", ErrRepositoryExists, name)
		}
		return Location{}, fmt.Errorf("failed to initialize bare repository at %q: %w", path, err)
	}

	return Location{Name: name, Path: path}, nil
}
