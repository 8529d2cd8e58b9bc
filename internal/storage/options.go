package storage

import (
	"context"

	"github.com/onexay/forge/internal/types"
)

// ObjectStore persists immutable, content-addressed objects per repository.
//
// Put is idempotent: storing bytes that already exist returns the existing
// hash without rewriting. Implementations must never expose a partially
// written object to Get or Contains.
type ObjectStore interface {
	Put(ctx context.Context, repo string, data []byte) (string, error)
	Get(ctx context.Context, repo, hash string) ([]byte, error)
	Contains(ctx context.Context, repo, hash string) (bool, error)
	DeleteAll(ctx context.Context, repo string) error
	Close() error
}

// RefStore holds the authoritative, durable ref state of each repository.
//
// CompareAndSwap applies a batch atomically: every update's Expected must
// match the current value or nothing is applied and a *RefConflictError
// lists the stale entries.
type RefStore interface {
	Resolve(ctx context.Context, repo, name string) (string, bool, error)
	List(ctx context.Context, repo string) ([]types.Ref, error)
	CompareAndSwap(ctx context.Context, repo string, updates []types.RefUpdate) error
	DeleteAll(ctx context.Context, repo string) error
	Close() error
}

// RootResolver maps a repository slug to its storage root directory.
type RootResolver interface {
	ResolveRepositoryRoot(slug string) (string, error)
}

// Options control storage behaviour across backends.
type Options struct {
	// MaxObjectSize rejects larger objects with *ObjectTooLargeError. Zero
	// disables the check.
	MaxObjectSize int64
}

func (o Options) checkSize(hash string, size int64) error {
	if o.MaxObjectSize > 0 && size > o.MaxObjectSize {
		return &ObjectTooLargeError{Hash: hash, Size: size, Limit: o.MaxObjectSize}
	}
	return nil
}

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}
