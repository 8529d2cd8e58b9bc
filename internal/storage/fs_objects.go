package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/onexay/forge/internal/object"
)

const (
	objectsDir = "objects"
	stagingDir = "staging"
)

// FSObjectStore keeps loose objects under <root>/objects/<xx>/<rest>.
// Objects are written to a staging file, synced and renamed into place, so a
// reader sees either the complete object or nothing.
type FSObjectStore struct {
	roots RootResolver
	opts  Options
}

// NewFSObjectStore returns a filesystem object store rooted at each
// repository's storage root.
func NewFSObjectStore(roots RootResolver, opts Options) *FSObjectStore {
	return &FSObjectStore{roots: roots, opts: opts}
}

func (s *FSObjectStore) objectPath(repo, hash string) (string, error) {
	if !object.ValidHash(hash) {
		return "", &ValidationError{Message: "invalid object hash " + hash}
	}
	root, err := s.roots.ResolveRepositoryRoot(repo)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, objectsDir, hash[:2], hash[2:]), nil
}

func (s *FSObjectStore) Put(ctx context.Context, repo string, data []byte) (string, error) {
	hash := object.ComputeHash(data)
	if err := s.opts.checkSize(hash, int64(len(data))); err != nil {
		return "", err
	}

	path, err := s.objectPath(repo, hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	} else if !os.IsNotExist(err) {
		return "", ioErr("stat object", err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	staging := filepath.Join(filepath.Dir(filepath.Dir(path)), stagingDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", ioErr("create staging dir", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", ioErr("create object dir", err)
	}

	tmp, err := os.CreateTemp(staging, hash[:8]+".*")
	if err != nil {
		return "", ioErr("create staging file", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", ioErr("write object", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", ioErr("sync object", err)
	}
	if err := tmp.Close(); err != nil {
		return "", ioErr("close object", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", ioErr("publish object", err)
	}
	committed = true
	return hash, nil
}

func (s *FSObjectStore) Get(ctx context.Context, repo, hash string) ([]byte, error) {
	path, err := s.objectPath(repo, hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Resource: "object", Key: hash}
		}
		return nil, ioErr("read object", err)
	}
	return data, nil
}

func (s *FSObjectStore) Contains(ctx context.Context, repo, hash string) (bool, error) {
	path, err := s.objectPath(repo, hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, ioErr("stat object", err)
}

// DeleteAll removes the repository's object namespace. A repository whose
// root is already gone has nothing left to delete.
func (s *FSObjectStore) DeleteAll(ctx context.Context, repo string) error {
	root, err := s.roots.ResolveRepositoryRoot(repo)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	return ioErr("remove objects", os.RemoveAll(filepath.Join(root, objectsDir)))
}

func (s *FSObjectStore) Close() error { return nil }
