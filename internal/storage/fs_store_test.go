package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onexay/forge/internal/types"
)

func TestFSObjectStore(t *testing.T) {
	testObjectStoreContract(t, NewFSObjectStore(dirRoots{base: t.TempDir()}, contractOptions))
}

func TestFSObjectStoreLayout(t *testing.T) {
	base := t.TempDir()
	store := NewFSObjectStore(dirRoots{base: base}, contractOptions)

	obj := blob(t, "laid out")
	_, err := store.Put(context.Background(), "acme", obj.Raw)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, "acme", "objects", obj.Hash[:2], obj.Hash[2:]))
	require.NoError(t, err)
	require.Equal(t, obj.Raw, data)

	staged, err := os.ReadDir(filepath.Join(base, "acme", "objects", "staging"))
	require.NoError(t, err)
	require.Empty(t, staged, "staging must be empty after a successful put")
}

func TestFSObjectStoreRejectsBadHash(t *testing.T) {
	store := NewFSObjectStore(dirRoots{base: t.TempDir()}, contractOptions)
	_, err := store.Get(context.Background(), "acme", "../../etc/passwd")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestBoltRefStore(t *testing.T) {
	store := NewBoltRefStore(dirRoots{base: t.TempDir()})
	t.Cleanup(func() { _ = store.Close() })
	testRefStoreContract(t, store)
}

func TestBoltRefStoreSurvivesReopen(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()
	h := blob(t, "persisted").Hash

	first := NewBoltRefStore(dirRoots{base: base})
	require.NoError(t, first.CompareAndSwap(ctx, "acme", []types.RefUpdate{{Name: "main", New: h}}))
	require.NoError(t, first.Close())

	second := NewBoltRefStore(dirRoots{base: base})
	t.Cleanup(func() { _ = second.Close() })
	got, ok, err := second.Resolve(ctx, "acme", "main")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)
}

// gatedRoots stalls resolution of one slug until release is closed.
type gatedRoots struct {
	dirRoots
	slow    string
	entered chan struct{}
	release chan struct{}
}

func (g gatedRoots) ResolveRepositoryRoot(slug string) (string, error) {
	if slug == g.slow {
		close(g.entered)
		<-g.release
	}
	return g.dirRoots.ResolveRepositoryRoot(slug)
}

func TestBoltRefStoreSlowOpenDoesNotBlockOtherRepos(t *testing.T) {
	ctx := context.Background()
	roots := gatedRoots{
		dirRoots: dirRoots{base: t.TempDir()},
		slow:     "slow",
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	store := NewBoltRefStore(roots)
	t.Cleanup(func() { _ = store.Close() })

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.List(ctx, "slow")
			results[i] = err
		}(i)
	}
	<-roots.entered

	done := make(chan error, 1)
	go func() {
		_, _, err := store.Resolve(ctx, "fast", "main")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("opening one repository stalled another")
	}

	close(roots.release)
	wg.Wait()
	for _, err := range results {
		require.NoError(t, err, "callers waiting on the same open share its database")
	}
}
