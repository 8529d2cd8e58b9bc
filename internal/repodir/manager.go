package repodir

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid"

	"github.com/onexay/forge/internal/storage"
)

const (
	objectsDir = "objects"
	trashDir   = ".trash"
)

// Purger drops a repository's contents from a storage backend. The file
// backends tolerate a root that has already been moved away.
type Purger interface {
	DeleteAll(ctx context.Context, repo string) error
}

// Manager owns the on-disk layout: every repository lives under
// <base>/<owner>/<name>.repo (or <base>/<name>.repo) with an objects/
// namespace and the ref database beside it.
type Manager struct {
	base    string
	purgers []Purger
	logger  *slog.Logger
}

// New prepares base and clears trash left over from an interrupted delete.
func New(base string, logger *slog.Logger) (*Manager, error) {
	if base == "" {
		return nil, errors.New("repodir: storage root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	m := &Manager{base: abs, logger: logger.With("component", "repodir")}
	if err := os.RemoveAll(filepath.Join(abs, trashDir)); err != nil {
		return nil, fmt.Errorf("sweep trash: %w", err)
	}
	return m, nil
}

// AddPurger registers a backend whose contents are dropped on delete.
// Purgers run in registration order.
func (m *Manager) AddPurger(p Purger) {
	m.purgers = append(m.purgers, p)
}

// Base returns the absolute storage root.
func (m *Manager) Base() string { return m.base }

func (m *Manager) path(slug string) (string, error) {
	if err := ValidateSlug(slug); err != nil {
		return "", err
	}
	return filepath.Join(m.base, filepath.FromSlash(slug)+repoSuffix), nil
}

// EnsureRepositoryRoot creates the root and its object namespace. Calling it
// for an existing repository returns the same path.
func (m *Manager) EnsureRepositoryRoot(slug string) (string, error) {
	root, err := m.path(slug)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(root, objectsDir), 0o755); err != nil {
		return "", &storage.IOError{Op: "create repository root", Err: err}
	}
	return root, nil
}

// ResolveRepositoryRoot returns the root of an existing repository or a
// *storage.NotFoundError.
func (m *Manager) ResolveRepositoryRoot(slug string) (string, error) {
	root, err := m.path(slug)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &storage.NotFoundError{Resource: "repository", Key: slug}
		}
		return "", &storage.IOError{Op: "stat repository root", Err: err}
	}
	if !info.IsDir() {
		return "", &storage.NotFoundError{Resource: "repository", Key: slug}
	}
	return root, nil
}

// DeleteRepositoryRoot removes the repository irreversibly. The root is first
// renamed into the trash so no reader can resolve a half-deleted tree, then
// every purger runs, then the trash copy is removed. Callers hold the
// repository's write section.
func (m *Manager) DeleteRepositoryRoot(ctx context.Context, slug string) error {
	root, err := m.ResolveRepositoryRoot(slug)
	if err != nil {
		return err
	}

	trash := filepath.Join(m.base, trashDir)
	if err := os.MkdirAll(trash, 0o755); err != nil {
		return &storage.IOError{Op: "create trash", Err: err}
	}
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	doomed := filepath.Join(trash, strings.ReplaceAll(slug, "/", "_")+"-"+id.String())
	if err := os.Rename(root, doomed); err != nil {
		return &storage.IOError{Op: "move repository to trash", Err: err}
	}

	var errs []error
	for _, p := range m.purgers {
		if err := p.DeleteAll(ctx, slug); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(doomed); err != nil {
		errs = append(errs, &storage.IOError{Op: "remove repository", Err: err})
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("repository delete incomplete", "slug", slug, "error", err)
		return err
	}

	m.pruneOwner(slug)
	m.logger.Info("repository deleted", "slug", slug)
	return nil
}

// pruneOwner removes an owner directory once its last repository is gone.
func (m *Manager) pruneOwner(slug string) {
	owner, _, ok := strings.Cut(slug, "/")
	if !ok {
		return
	}
	// os.Remove refuses non-empty directories.
	_ = os.Remove(filepath.Join(m.base, owner))
}
