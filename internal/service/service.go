package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid"
	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/forge/internal/config"
	"github.com/onexay/forge/internal/coordinator"
	"github.com/onexay/forge/internal/registry"
	"github.com/onexay/forge/internal/repodir"
	"github.com/onexay/forge/internal/storage"
	"github.com/onexay/forge/internal/transfer"
	"github.com/onexay/forge/internal/types"
)

// Service holds business logic and storage dependencies.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	dirs     *repodir.Manager
	objects  storage.ObjectStore
	refs     storage.RefStore
	registry *registry.SQLiteRegistry
	coord    *coordinator.Coordinator
	transfer *transfer.Handler
	keydb    *redis.Client
}

// New constructs the service wiring.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dirs, err := repodir.New(cfg.Storage.Root, logger)
	if err != nil {
		return nil, err
	}
	svc := &Service{cfg: cfg, logger: logger, dirs: dirs}

	ok := false
	defer func() {
		if !ok {
			_ = svc.Close()
		}
	}()

	if cfg.Registry.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Registry.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}
	svc.registry, err = registry.Open(cfg.Registry.Path)
	if err != nil {
		return nil, err
	}

	needsKeyDB := cfg.Storage.ObjectBackend == config.ObjectBackendKeyDB || cfg.Storage.RefBackend == config.RefBackendKeyDB
	if needsKeyDB {
		svc.keydb, err = storage.NewKeyDBClient(cfg.Storage.KeyDB)
		if err != nil {
			return nil, err
		}
	}

	options := storage.Options{MaxObjectSize: cfg.Limits.FileSizeCeiling}
	switch cfg.Storage.ObjectBackend {
	case config.ObjectBackendMemory:
		svc.objects = storage.NewMemoryObjectStore(options)
	case config.ObjectBackendKeyDB:
		svc.objects = storage.NewKeyDBObjectStore(svc.keydb, options)
	case config.ObjectBackendPostgres:
		pg, err := storage.NewPostgresObjectStore(ctx, cfg.Storage.Postgres, options)
		if err != nil {
			return nil, err
		}
		svc.objects = pg
	default:
		svc.objects = storage.NewFSObjectStore(dirs, options)
	}

	switch cfg.Storage.RefBackend {
	case config.RefBackendMemory:
		svc.refs = storage.NewMemoryRefStore()
	case config.RefBackendKeyDB:
		svc.refs = storage.NewKeyDBRefStore(svc.keydb)
	default:
		svc.refs = storage.NewBoltRefStore(dirs)
	}

	// Objects go first so a failed delete never leaves refs pointing nowhere.
	dirs.AddPurger(svc.objects)
	dirs.AddPurger(svc.refs)

	svc.coord = coordinator.New(coordinator.Options{
		QueueDepth: cfg.Push.QueueDepth,
		MaxWait:    cfg.Push.QueueWait,
	})

	svc.transfer, err = transfer.NewHandler(transfer.Dependencies{
		Objects:     svc.objects,
		Refs:        svc.refs,
		Roots:       dirs,
		Coordinator: svc.coord,
		Ledger:      svc.registry,
	}, transfer.Options{
		Limits: transfer.Limits{
			PushBodyLimit:   cfg.Limits.PushBodyLimit,
			FileSizeCeiling: cfg.Limits.FileSizeCeiling,
		},
		ReceiveTimeout:   cfg.Push.ReceiveTimeout,
		ApplyConcurrency: cfg.Push.ApplyConcurrency,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("storage ready",
		"root", dirs.Base(),
		"objects", cfg.Storage.ObjectBackend,
		"refs", cfg.Storage.RefBackend,
		"registry", cfg.Registry.Path,
	)
	ok = true
	return svc, nil
}

// Close releases every backend.
func (s *Service) Close() error {
	var errs []error
	if s.objects != nil {
		errs = append(errs, s.objects.Close())
	}
	if s.refs != nil {
		errs = append(errs, s.refs.Close())
	}
	if s.keydb != nil {
		errs = append(errs, s.keydb.Close())
	}
	if s.registry != nil {
		errs = append(errs, s.registry.Close())
	}
	return errors.Join(errs...)
}

// CreateRepositoryRequest describes a new repository.
type CreateRepositoryRequest struct {
	Name          string           `json:"name"`
	DefaultBranch string           `json:"default_branch,omitempty"`
	Visibility    types.Visibility `json:"visibility,omitempty"`
}

// CreateRepository registers the slug and lays out its storage root.
func (s *Service) CreateRepository(ctx context.Context, prov types.Provenance, req CreateRepositoryRequest) (types.Repository, error) {
	if err := repodir.ValidateSlug(req.Name); err != nil {
		return types.Repository{}, err
	}
	if req.DefaultBranch != "" && !transfer.ValidRefName(req.DefaultBranch) {
		return types.Repository{}, &storage.ValidationError{Message: "invalid default branch " + req.DefaultBranch}
	}

	repo, err := s.registry.Create(ctx, types.Repository{
		Slug:          req.Name,
		DefaultBranch: req.DefaultBranch,
		Visibility:    req.Visibility,
	})
	if err != nil {
		return types.Repository{}, err
	}

	root, err := s.dirs.EnsureRepositoryRoot(req.Name)
	if err != nil {
		if rbErr := s.registry.Delete(context.WithoutCancel(ctx), req.Name); rbErr != nil {
			s.logger.Error("roll back repository registration", "slug", req.Name, "error", rbErr)
		}
		return types.Repository{}, err
	}
	repo.Root = root

	s.logger.Info("repository created", "slug", repo.Slug, "id", repo.ID, "principal", prov.PrincipalID)
	return repo, nil
}

// GetRepository returns the registry record together with its root.
func (s *Service) GetRepository(ctx context.Context, slug string) (types.Repository, error) {
	if err := repodir.ValidateSlug(slug); err != nil {
		return types.Repository{}, err
	}
	repo, err := s.registry.Get(ctx, slug)
	if err != nil {
		return types.Repository{}, err
	}
	if root, err := s.dirs.ResolveRepositoryRoot(slug); err == nil {
		repo.Root = root
	}
	return repo, nil
}

// ListRepositories returns every registered repository.
func (s *Service) ListRepositories(ctx context.Context) ([]types.Repository, error) {
	repos, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if root, err := s.dirs.ResolveRepositoryRoot(repos[i].Slug); err == nil {
			repos[i].Root = root
		}
	}
	return repos, nil
}

// DeleteRepository removes a repository irreversibly. It waits for the write
// section so no push is mid-flight while contents disappear.
func (s *Service) DeleteRepository(ctx context.Context, prov types.Provenance, slug string) error {
	if err := repodir.ValidateSlug(slug); err != nil {
		return err
	}
	permit, err := s.coord.AcquireWriteSection(ctx, slug)
	if err != nil {
		return err
	}
	defer permit.Release()

	var nf *storage.NotFoundError
	dirErr := s.dirs.DeleteRepositoryRoot(context.WithoutCancel(ctx), slug)
	if dirErr != nil && !errors.As(dirErr, &nf) {
		return dirErr
	}
	regErr := s.registry.Delete(context.WithoutCancel(ctx), slug)
	if regErr != nil && !errors.As(regErr, &nf) {
		return regErr
	}
	if dirErr != nil && regErr != nil {
		return regErr
	}

	rec := types.TransferRecord{
		ID:          ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		Slug:        slug,
		PrincipalID: prov.PrincipalID,
		Operation:   types.OperationDelete,
		State:       string(transfer.StateCommitted),
	}
	if err := s.registry.RecordTransfer(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("record delete", "slug", slug, "error", err)
	}
	return nil
}

// ListRefs returns the repository's refs and its default branch.
func (s *Service) ListRefs(ctx context.Context, slug string) (RefsResponse, error) {
	refs, err := s.transfer.ListRefs(ctx, slug)
	if err != nil {
		return RefsResponse{}, err
	}
	resp := RefsResponse{Repository: slug, Refs: refs}
	if repo, err := s.registry.Get(ctx, slug); err == nil {
		resp.DefaultBranch = repo.DefaultBranch
	}
	return resp, nil
}

// RefsResponse is the body of GET /api/v1/refs.
type RefsResponse struct {
	Repository    string      `json:"repository"`
	DefaultBranch string      `json:"defaultBranch,omitempty"`
	Refs          []types.Ref `json:"refs"`
}

// ListTransfers returns recent audit entries for slug.
func (s *Service) ListTransfers(ctx context.Context, slug string, limit int) ([]types.TransferRecord, error) {
	if err := repodir.ValidateSlug(slug); err != nil {
		return nil, err
	}
	return s.registry.ListTransfers(ctx, slug, limit)
}

// defaultBranch looks up the registered default branch, or "" if unknown.
func (s *Service) defaultBranch(ctx context.Context, slug string) string {
	repo, err := s.registry.Get(ctx, slug)
	if err != nil {
		return ""
	}
	return repo.DefaultBranch
}
