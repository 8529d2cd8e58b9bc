package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/forge/internal/types"
)

const (
	boltRefsFile   = "refs.db"
	boltRefsBucket = "refs"
)

// BoltRefStore keeps each repository's refs in <root>/refs.db. The whole
// compare-and-swap batch runs in one bolt write transaction, which is synced
// to disk before Update returns.
type BoltRefStore struct {
	roots RootResolver

	mu  sync.Mutex
	dbs map[string]*boltHandle
}

// boltHandle is published before its database is open; ready is closed once
// db or err is set.
type boltHandle struct {
	ready chan struct{}
	db    *bolt.DB
	path  string
	err   error
}

// NewBoltRefStore returns a ref store that opens repository databases lazily.
func NewBoltRefStore(roots RootResolver) *BoltRefStore {
	return &BoltRefStore{roots: roots, dbs: make(map[string]*boltHandle)}
}

// open returns the repository database. Opening can wait on the file lock,
// so it happens outside the store lock and only stalls callers of the same
// repository.
func (s *BoltRefStore) open(repo string) (*bolt.DB, error) {
	s.mu.Lock()
	h, ok := s.dbs[repo]
	if !ok {
		h = &boltHandle{ready: make(chan struct{})}
		s.dbs[repo] = h
	}
	s.mu.Unlock()

	if ok {
		<-h.ready
		return h.db, h.err
	}

	h.db, h.path, h.err = s.openDB(repo)
	if h.err != nil {
		s.mu.Lock()
		if s.dbs[repo] == h {
			delete(s.dbs, repo)
		}
		s.mu.Unlock()
	}
	close(h.ready)
	return h.db, h.err
}

func (s *BoltRefStore) openDB(repo string) (*bolt.DB, string, error) {
	root, err := s.roots.ResolveRepositoryRoot(repo)
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(root, boltRefsFile)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, "", ioErr("open ref db", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltRefsBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, "", ioErr("init ref db", err)
	}
	return db, path, nil
}

func (s *BoltRefStore) Resolve(ctx context.Context, repo, name string) (string, bool, error) {
	db, err := s.open(repo)
	if err != nil {
		return "", false, err
	}
	var hash string
	err = db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(boltRefsBucket)).Get([]byte(name)); v != nil {
			hash = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, ioErr("read ref", err)
	}
	return hash, hash != "", nil
}

func (s *BoltRefStore) List(ctx context.Context, repo string) ([]types.Ref, error) {
	db, err := s.open(repo)
	if err != nil {
		return nil, err
	}
	result := []types.Ref{}
	err = db.View(func(tx *bolt.Tx) error {
		// bolt iterates keys in byte order, which is the sorted order callers expect.
		return tx.Bucket([]byte(boltRefsBucket)).ForEach(func(k, v []byte) error {
			result = append(result, types.Ref{Name: string(k), Hash: string(v)})
			return nil
		})
	})
	if err != nil {
		return nil, ioErr("list refs", err)
	}
	return result, nil
}

func (s *BoltRefStore) CompareAndSwap(ctx context.Context, repo string, updates []types.RefUpdate) error {
	if err := validateUpdates(repo, updates); err != nil {
		return err
	}
	db, err := s.open(repo)
	if err != nil {
		return err
	}

	var conflict *RefConflictError
	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltRefsBucket))
		if bucket == nil {
			return errors.New("ref bucket missing")
		}

		conflicts := staleUpdates(updates, func(name string) string {
			return string(bucket.Get([]byte(name)))
		})
		if len(conflicts) > 0 {
			conflict = &RefConflictError{Conflicts: conflicts}
			return conflict
		}

		for _, u := range updates {
			if u.IsDelete() {
				if err := bucket.Delete([]byte(u.Name)); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put([]byte(u.Name), []byte(u.New)); err != nil {
				return err
			}
		}
		return nil
	})
	if conflict != nil {
		return conflict
	}
	return ioErr("update refs", err)
}

// DeleteAll closes the repository database and removes its file. The file may
// already be gone when the directory manager moved the root away first.
func (s *BoltRefStore) DeleteAll(ctx context.Context, repo string) error {
	s.mu.Lock()
	h, ok := s.dbs[repo]
	delete(s.dbs, repo)
	s.mu.Unlock()

	if ok {
		<-h.ready
		ok = h.err == nil
	}

	path := ""
	if ok {
		path = h.path
		if err := h.db.Close(); err != nil {
			return ioErr("close ref db", err)
		}
	} else {
		root, err := s.roots.ResolveRepositoryRoot(repo)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				return nil
			}
			return err
		}
		path = filepath.Join(root, boltRefsFile)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ioErr("remove ref db", err)
	}
	return nil
}

// Close shuts down every open repository database.
func (s *BoltRefStore) Close() error {
	s.mu.Lock()
	handles := s.dbs
	s.dbs = make(map[string]*boltHandle)
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		<-h.ready
		if h.err != nil {
			continue
		}
		if err := h.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
