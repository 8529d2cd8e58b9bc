package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onexay/forge/internal/object"
)

// PostgresConfig holds the connection settings of the database object store.
type PostgresConfig struct {
	URL      string
	MaxConns int
}

// PostgresObjectStore persists objects in a single repo_object table. Row
// visibility is transactional, so a partially written object is never read.
type PostgresObjectStore struct {
	pool *pgxpool.Pool
	opts Options
}

const postgresObjectSchema = `
CREATE TABLE IF NOT EXISTS repo_object (
	repo       TEXT        NOT NULL,
	hash       TEXT        NOT NULL,
	size_bytes BIGINT      NOT NULL,
	content    BYTEA       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (repo, hash)
)`

// NewPostgresObjectStore opens a pool, checks connectivity and makes sure the
// object table exists.
func NewPostgresObjectStore(ctx context.Context, cfg PostgresConfig, opts Options) (*PostgresObjectStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresObjectSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create object table: %w", err)
	}

	return &PostgresObjectStore{pool: pool, opts: opts}, nil
}

func (s *PostgresObjectStore) Put(ctx context.Context, repo string, data []byte) (string, error) {
	if repo == "" {
		return "", &ValidationError{Message: "repository is required"}
	}
	hash := object.ComputeHash(data)
	if err := s.opts.checkSize(hash, int64(len(data))); err != nil {
		return "", err
	}

	query := `
		INSERT INTO repo_object (repo, hash, size_bytes, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (repo, hash) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, repo, hash, len(data), data); err != nil {
		return "", ioErr("store object", err)
	}
	return hash, nil
}

func (s *PostgresObjectStore) Get(ctx context.Context, repo, hash string) ([]byte, error) {
	query := `SELECT content FROM repo_object WHERE repo = $1 AND hash = $2`

	var content []byte
	err := s.pool.QueryRow(ctx, query, repo, hash).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Resource: "object", Key: hash}
		}
		return nil, ioErr("read object", err)
	}
	return content, nil
}

func (s *PostgresObjectStore) Contains(ctx context.Context, repo, hash string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM repo_object WHERE repo = $1 AND hash = $2)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, repo, hash).Scan(&exists); err != nil {
		return false, ioErr("stat object", err)
	}
	return exists, nil
}

func (s *PostgresObjectStore) DeleteAll(ctx context.Context, repo string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM repo_object WHERE repo = $1`, repo)
	return ioErr("delete objects", err)
}

// Close releases the connection pool.
func (s *PostgresObjectStore) Close() error {
	s.pool.Close()
	return nil
}
