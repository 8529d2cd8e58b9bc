package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/types"
)

// NewKeyDBClient connects to KeyDB/Redis and verifies the connection.
func NewKeyDBClient(cfg Config) (*redis.Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}
	return client, nil
}

type keydbObjectStore struct {
	client *redis.Client
	opts   Options
}

// NewKeyDBObjectStore stores objects as plain keys plus a per-repository
// index set used by DeleteAll.
func NewKeyDBObjectStore(client *redis.Client, opts Options) ObjectStore {
	return &keydbObjectStore{client: client, opts: opts}
}

func (s *keydbObjectStore) Put(ctx context.Context, repo string, data []byte) (string, error) {
	if repo == "" {
		return "", &ValidationError{Message: "repository is required"}
	}
	hash := object.ComputeHash(data)
	if err := s.opts.checkSize(hash, int64(len(data))); err != nil {
		return "", err
	}

	// SETNX keeps the first write; a key is visible only once fully set.
	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, objectKey(repo, hash), data, 0)
	pipe.SAdd(ctx, objectSetKey(repo), hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", ioErr("store object", err)
	}
	return hash, nil
}

func (s *keydbObjectStore) Get(ctx context.Context, repo, hash string) ([]byte, error) {
	data, err := s.client.Get(ctx, objectKey(repo, hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &NotFoundError{Resource: "object", Key: hash}
		}
		return nil, ioErr("read object", err)
	}
	return data, nil
}

func (s *keydbObjectStore) Contains(ctx context.Context, repo, hash string) (bool, error) {
	n, err := s.client.Exists(ctx, objectKey(repo, hash)).Result()
	if err != nil {
		return false, ioErr("stat object", err)
	}
	return n == 1, nil
}

func (s *keydbObjectStore) DeleteAll(ctx context.Context, repo string) error {
	setKey := objectSetKey(repo)
	hashes, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return ioErr("list objects", err)
	}

	const batch = 500
	for start := 0; start < len(hashes); start += batch {
		end := min(start+batch, len(hashes))
		keys := make([]string, 0, end-start)
		for _, hash := range hashes[start:end] {
			keys = append(keys, objectKey(repo, hash))
		}
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return ioErr("delete objects", err)
		}
	}
	return ioErr("delete object index", s.client.Del(ctx, setKey).Err())
}

func (s *keydbObjectStore) Close() error { return nil }

type keydbRefStore struct {
	client *redis.Client
}

// NewKeyDBRefStore keeps each repository's refs in one hash. Batches use
// WATCH/MULTI so a concurrent writer forces a re-check instead of a blind
// overwrite.
func NewKeyDBRefStore(client *redis.Client) RefStore {
	return &keydbRefStore{client: client}
}

func (s *keydbRefStore) Resolve(ctx context.Context, repo, name string) (string, bool, error) {
	hash, err := s.client.HGet(ctx, refsKey(repo), name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ioErr("read ref", err)
	}
	return hash, true, nil
}

func (s *keydbRefStore) List(ctx context.Context, repo string) ([]types.Ref, error) {
	all, err := s.client.HGetAll(ctx, refsKey(repo)).Result()
	if err != nil {
		return nil, ioErr("list refs", err)
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	slices.Sort(names)
	result := make([]types.Ref, 0, len(names))
	for _, name := range names {
		result = append(result, types.Ref{Name: name, Hash: all[name]})
	}
	return result, nil
}

func (s *keydbRefStore) CompareAndSwap(ctx context.Context, repo string, updates []types.RefUpdate) error {
	if err := validateUpdates(repo, updates); err != nil {
		return err
	}
	key := refsKey(repo)
	names := make([]string, 0, len(updates))
	for _, u := range updates {
		names = append(names, u.Name)
	}

	for {
		var conflict *RefConflictError
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			values, err := tx.HMGet(ctx, key, names...).Result()
			if err != nil {
				return err
			}
			current := make(map[string]string, len(names))
			for i, v := range values {
				if str, ok := v.(string); ok {
					current[names[i]] = str
				}
			}

			conflicts := staleUpdates(updates, func(name string) string { return current[name] })
			if len(conflicts) > 0 {
				conflict = &RefConflictError{Conflicts: conflicts}
				return conflict
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, u := range updates {
					if u.IsDelete() {
						pipe.HDel(ctx, key, u.Name)
						continue
					}
					pipe.HSet(ctx, key, u.Name, u.New)
				}
				return nil
			})
			return err
		}, key)

		if conflict != nil {
			return conflict
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return ioErr("update refs", err)
	}
}

func (s *keydbRefStore) DeleteAll(ctx context.Context, repo string) error {
	return ioErr("delete refs", s.client.Del(ctx, refsKey(repo)).Err())
}

func (s *keydbRefStore) Close() error { return nil }

func objectKey(repo, hash string) string {
	return fmt.Sprintf("object:%s:%s", repo, hash)
}

func objectSetKey(repo string) string {
	return fmt.Sprintf("objectset:%s", repo)
}

func refsKey(repo string) string {
	return fmt.Sprintf("refs:%s", repo)
}
