package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	gogit "github.com/go-git/go-git/v5"
)

// BareSuffix is appended to a repository name to form its directory name.
const BareSuffix = ".git"

const maxNameLength = 255

// Location is the validated absolute path of a bare repository. It always lies
// inside the resolver's root and lives only as long as the request using it.
type Location struct {
	Name string
	Path string
}

// Resolver maps repository names to bare repositories under a trusted root.
// It never creates anything on disk.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver for root, which must be an existing directory.
// Symlinks in root itself are resolved once here.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for %q: %w\nCheck that the path exists and is accessible", root, err)
	}

	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root %q: %w\nCreate the directory or pass --repo-root", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat repository root %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root %q is not a directory", abs)
	}

	return &Resolver{root: abs}, nil
}

// Root returns the absolute repository root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the location of the bare repository called name. Unsafe
// names and names that do not lead to a bare repository both fail with
// *NotFoundError.
func (r *Resolver) Resolve(name string) (Location, error) {
	path, err := r.candidate(name)
	if err != nil {
		return Location{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Location{}, &NotFoundError{Name: name, Err: err}
	}
	if !info.IsDir() {
		return Location{}, &NotFoundError{Name: name, Reason: "not a directory"}
	}

	if err := checkBare(path); err != nil {
		return Location{}, &NotFoundError{Name: name, Err: err}
	}

	return Location{Name: name, Path: path}, nil
}

// candidate validates name and joins it onto the root without touching the
// repository itself.
func (r *Resolver) candidate(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", &NotFoundError{Name: name, Err: err}
	}

	path, err := securejoin.SecureJoin(r.root, name+BareSuffix)
	if err != nil {
		return "", &NotFoundError{Name: name, Err: err}
	}

	// SecureJoin scopes symlinks to the root; this guards the invariant anyway.
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", &NotFoundError{Name: name, Reason: "outside repository root"}
	}

	return path, nil
}

var errNotBare = errors.New("not a bare repository")

func checkBare(path string) error {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return err
	}

	cfg, err := repo.Config()
	if err != nil {
		return err
	}
	if !cfg.Core.IsBare {
		return errNotBare
	}

	return nil
}

// ValidateName rejects names that could escape the repository root or that
// are otherwise unusable as a single directory name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New("empty repository name")
	case len(name) > maxNameLength:
		return fmt.Errorf("repository name longer than %d bytes", maxNameLength)
	case name == "." || name == "..":
		return fmt.Errorf("invalid repository name %q", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("repository name %q must not start with a dot", name)
	case filepath.IsAbs(name) || strings.HasPrefix(name, "/"):
		return fmt.Errorf("repository name %q must not be an absolute path", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("repository name %q must not contain path separators", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("repository name %q contains a NUL byte", name)
	}
	return nil
}
