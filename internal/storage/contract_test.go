package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/types"
)

// dirRoots resolves every slug to a directory under base, creating it on
// first use.
type dirRoots struct {
	base string
}

func (d dirRoots) ResolveRepositoryRoot(slug string) (string, error) {
	root := filepath.Join(d.base, slug)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return root, nil
}

func blob(t *testing.T, payload string) object.Object {
	t.Helper()
	obj, err := object.New(object.KindBlob, nil, []byte(payload))
	require.NoError(t, err)
	return obj
}

func testObjectStoreContract(t *testing.T, store ObjectStore) {
	ctx := context.Background()

	t.Run("put then get round trips bytes", func(t *testing.T) {
		obj := blob(t, "hello world")
		hash, err := store.Put(ctx, "acme", obj.Raw)
		require.NoError(t, err)
		require.Equal(t, obj.Hash, hash)

		data, err := store.Get(ctx, "acme", hash)
		require.NoError(t, err)
		require.Equal(t, obj.Raw, data)

		ok, err := store.Contains(ctx, "acme", hash)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("put is idempotent", func(t *testing.T) {
		obj := blob(t, "twice")
		first, err := store.Put(ctx, "acme", obj.Raw)
		require.NoError(t, err)
		second, err := store.Put(ctx, "acme", obj.Raw)
		require.NoError(t, err)
		require.Equal(t, first, second)
	})

	t.Run("missing object is not found", func(t *testing.T) {
		missing := object.ComputeHash([]byte("never stored"))
		_, err := store.Get(ctx, "acme", missing)
		var nf *NotFoundError
		require.True(t, errors.As(err, &nf), "expected NotFoundError, got %v", err)

		ok, err := store.Contains(ctx, "acme", missing)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("repositories are isolated", func(t *testing.T) {
		obj := blob(t, "only in acme")
		_, err := store.Put(ctx, "acme", obj.Raw)
		require.NoError(t, err)

		ok, err := store.Contains(ctx, "other", obj.Hash)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("oversized object is rejected before write", func(t *testing.T) {
		big := blob(t, strings.Repeat("x", 2048))
		_, err := store.Put(ctx, "acme", big.Raw)
		var tooLarge *ObjectTooLargeError
		require.True(t, errors.As(err, &tooLarge), "expected ObjectTooLargeError, got %v", err)

		ok, err := store.Contains(ctx, "acme", big.Hash)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("delete all removes the namespace", func(t *testing.T) {
		obj := blob(t, "doomed")
		_, err := store.Put(ctx, "doomed", obj.Raw)
		require.NoError(t, err)

		require.NoError(t, store.DeleteAll(ctx, "doomed"))

		ok, err := store.Contains(ctx, "doomed", obj.Hash)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func testRefStoreContract(t *testing.T, store RefStore) {
	ctx := context.Background()
	h1 := object.ComputeHash([]byte("one"))
	h2 := object.ComputeHash([]byte("two"))
	h3 := object.ComputeHash([]byte("three"))

	t.Run("create resolve and list", func(t *testing.T) {
		err := store.CompareAndSwap(ctx, "acme", []types.RefUpdate{
			{Name: "main", New: h1},
			{Name: "dev", New: h2},
		})
		require.NoError(t, err)

		hash, ok, err := store.Resolve(ctx, "acme", "main")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, h1, hash)

		refs, err := store.List(ctx, "acme")
		require.NoError(t, err)
		require.Equal(t, []types.Ref{{Name: "dev", Hash: h2}, {Name: "main", Hash: h1}}, refs)
	})

	t.Run("absent ref resolves to nothing", func(t *testing.T) {
		_, ok, err := store.Resolve(ctx, "acme", "missing")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("stale expectation rejects whole batch", func(t *testing.T) {
		err := store.CompareAndSwap(ctx, "acme", []types.RefUpdate{
			{Name: "main", Expected: h1, New: h3},
			{Name: "dev", Expected: h1, New: h3},
		})
		var conflict *RefConflictError
		require.True(t, errors.As(err, &conflict), "expected RefConflictError, got %v", err)
		require.Equal(t, []RefConflict{{Name: "dev", Expected: h1, Actual: h2}}, conflict.Conflicts)

		hash, _, err := store.Resolve(ctx, "acme", "main")
		require.NoError(t, err)
		require.Equal(t, h1, hash, "main must not move when the batch conflicts")
	})

	t.Run("creating an existing ref conflicts", func(t *testing.T) {
		err := store.CompareAndSwap(ctx, "acme", []types.RefUpdate{{Name: "main", New: h2}})
		var conflict *RefConflictError
		require.True(t, errors.As(err, &conflict))
		require.Equal(t, h1, conflict.Conflicts[0].Actual)
	})

	t.Run("fast forward and delete", func(t *testing.T) {
		require.NoError(t, store.CompareAndSwap(ctx, "acme", []types.RefUpdate{
			{Name: "main", Expected: h1, New: h3},
			{Name: "dev", Expected: h2},
		}))

		refs, err := store.List(ctx, "acme")
		require.NoError(t, err)
		require.Equal(t, []types.Ref{{Name: "main", Hash: h3}}, refs)
	})

	t.Run("invalid batch is a validation error", func(t *testing.T) {
		err := store.CompareAndSwap(ctx, "acme", []types.RefUpdate{
			{Name: "x", New: "zzz"},
		})
		var validation *ValidationError
		require.True(t, errors.As(err, &validation))

		err = store.CompareAndSwap(ctx, "acme", []types.RefUpdate{
			{Name: "x", New: h1},
			{Name: "x", New: h2},
		})
		require.True(t, errors.As(err, &validation))
	})

	t.Run("concurrent creators see exactly one winner", func(t *testing.T) {
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			winners  []string
			attempts = []string{h1, h2, h3}
		)
		for _, target := range attempts {
			wg.Add(1)
			go func(target string) {
				defer wg.Done()
				err := store.CompareAndSwap(ctx, "race", []types.RefUpdate{
					{Name: "main", New: target},
					{Name: "release", New: target},
				})
				if err == nil {
					mu.Lock()
					winners = append(winners, target)
					mu.Unlock()
				}
			}(target)
		}
		wg.Wait()

		require.Len(t, winners, 1)
		refs, err := store.List(ctx, "race")
		require.NoError(t, err)
		require.Equal(t, []types.Ref{
			{Name: "main", Hash: winners[0]},
			{Name: "release", Hash: winners[0]},
		}, refs)
	})

	t.Run("delete all clears refs", func(t *testing.T) {
		require.NoError(t, store.CompareAndSwap(ctx, "gone", []types.RefUpdate{{Name: "main", New: h1}}))
		require.NoError(t, store.DeleteAll(ctx, "gone"))

		refs, err := store.List(ctx, "gone")
		require.NoError(t, err)
		require.Empty(t, refs)
	})
}
