// Package registry records repositories, counters and transfer audit entries
// in SQLite.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/onexay/forge/internal/storage"
	"github.com/onexay/forge/internal/types"
)

// SQLiteRegistry is safe for concurrent use. It keeps a single connection so
// writers never race each other into SQLITE_BUSY and ":memory:" stays one
// database.
type SQLiteRegistry struct {
	db *sql.DB
}

// Open creates or opens the registry database at path.
func Open(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRegistry{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			default_branch TEXT NOT NULL DEFAULT 'main',
			visibility TEXT NOT NULL CHECK (visibility IN ('public','private')),
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			push_number INTEGER NOT NULL DEFAULT 0,
			objects INTEGER NOT NULL DEFAULT 0,
			bytes_stored INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transfers_slug_created ON transfers(slug, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("registry schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Create registers a repository. The slug must be unused.
func (r *SQLiteRegistry) Create(ctx context.Context, repo types.Repository) (types.Repository, error) {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	if repo.Visibility == "" {
		repo.Visibility = types.VisibilityPrivate
	}
	if repo.Visibility != types.VisibilityPrivate && repo.Visibility != types.VisibilityPublic {
		return types.Repository{}, &storage.ValidationError{Message: "visibility must be public or private"}
	}
	now := time.Now().UTC()
	repo.CreatedAt, repo.UpdatedAt = now, now

	res, err := r.db.ExecContext(ctx, `INSERT INTO repositories(id, slug, default_branch, visibility, size_bytes, created_at, updated_at)
		VALUES(?,?,?,?,0,?,?) ON CONFLICT(slug) DO NOTHING`,
		repo.ID, repo.Slug, repo.DefaultBranch, string(repo.Visibility), formatTime(now), formatTime(now))
	if err != nil {
		return types.Repository{}, fmt.Errorf("insert repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Repository{}, &storage.ConflictError{Resource: "repository", Key: repo.Slug}
	}
	repo.SizeBytes = 0
	return repo, nil
}

const repositoryColumns = `id, slug, default_branch, visibility, size_bytes, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(row scanner) (types.Repository, error) {
	var (
		repo                 types.Repository
		visibility           string
		createdAt, updatedAt string
	)
	if err := row.Scan(&repo.ID, &repo.Slug, &repo.DefaultBranch, &visibility, &repo.SizeBytes, &createdAt, &updatedAt); err != nil {
		return types.Repository{}, err
	}
	repo.Visibility = types.Visibility(visibility)
	repo.CreatedAt = parseTime(createdAt)
	repo.UpdatedAt = parseTime(updatedAt)
	return repo, nil
}

// Get returns the repository registered under slug.
func (r *SQLiteRegistry) Get(ctx context.Context, slug string) (types.Repository, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE slug=?`, slug)
	repo, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Repository{}, &storage.NotFoundError{Resource: "repository", Key: slug}
		}
		return types.Repository{}, fmt.Errorf("get repository: %w", err)
	}
	return repo, nil
}

// List returns every repository ordered by slug.
func (r *SQLiteRegistry) List(ctx context.Context) ([]types.Repository, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	result := []types.Repository{}
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		result = append(result, repo)
	}
	return result, rows.Err()
}

// Delete unregisters slug and resets its counters. Audit entries are kept.
func (r *SQLiteRegistry) Delete(ctx context.Context, slug string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE slug=?`, slug)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{Resource: "repository", Key: slug}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sequences WHERE name=?`, PushSequence(slug)); err != nil {
		return fmt.Errorf("reset sequences: %w", err)
	}
	return tx.Commit()
}

// AddUsage adjusts the recorded size of a repository by delta bytes.
func (r *SQLiteRegistry) AddUsage(ctx context.Context, slug string, delta int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE repositories SET size_bytes = size_bytes + ?, updated_at = ? WHERE slug=?`,
		delta, formatTime(time.Now()), slug)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{Resource: "repository", Key: slug}
	}
	return nil
}

// PushSequence names the counter that numbers a repository's pushes.
func PushSequence(slug string) string {
	return "push:" + slug
}

// NextSequence increments the named counter and returns the new value. The
// update is a compare-and-swap on the previously read value, retried until it
// lands, so concurrent callers never receive the same number.
func (r *SQLiteRegistry) NextSequence(ctx context.Context, name string) (int64, error) {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO sequences(name, value) VALUES(?, 0) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("init sequence: %w", err)
	}
	for {
		var current int64
		if err := r.db.QueryRowContext(ctx, `SELECT value FROM sequences WHERE name=?`, name).Scan(&current); err != nil {
			return 0, fmt.Errorf("read sequence: %w", err)
		}
		res, err := r.db.ExecContext(ctx, `UPDATE sequences SET value=? WHERE name=? AND value=?`, current+1, name, current)
		if err != nil {
			return 0, fmt.Errorf("advance sequence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return current + 1, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}

// NextPushNumber numbers the next committed push of slug.
func (r *SQLiteRegistry) NextPushNumber(ctx context.Context, slug string) (int64, error) {
	return r.NextSequence(ctx, PushSequence(slug))
}

// RecordTransfer appends an audit entry.
func (r *SQLiteRegistry) RecordTransfer(ctx context.Context, rec types.TransferRecord) error {
	if rec.ID == "" {
		return &storage.ValidationError{Message: "transfer id is required"}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO transfers(id, slug, principal_id, operation, state, reason, message, push_number, objects, bytes_stored, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Slug, rec.PrincipalID, string(rec.Operation), rec.State, rec.Reason, rec.Message,
		rec.PushNumber, rec.Objects, rec.BytesStored, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// ListTransfers returns the newest audit entries for slug first. A
// non-positive limit returns everything.
func (r *SQLiteRegistry) ListTransfers(ctx context.Context, slug string, limit int) ([]types.TransferRecord, error) {
	query := `SELECT id, slug, principal_id, operation, state, reason, message, push_number, objects, bytes_stored, created_at
		FROM transfers WHERE slug=? ORDER BY created_at DESC, id DESC`
	args := []any{slug}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	result := []types.TransferRecord{}
	for rows.Next() {
		var (
			rec       types.TransferRecord
			operation string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Slug, &rec.PrincipalID, &operation, &rec.State, &rec.Reason, &rec.Message,
			&rec.PushNumber, &rec.Objects, &rec.BytesStored, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		rec.Operation = types.Operation(operation)
		rec.CreatedAt = parseTime(createdAt)
		result = append(result, rec)
	}
	return result, rows.Err()
}
