// Package transfer drives pushes and pulls against a repository's object and
// ref stores.
package transfer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid"
	"golang.org/x/sync/errgroup"

	"github.com/onexay/forge/internal/coordinator"
	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/storage"
	"github.com/onexay/forge/internal/types"
)

// Ledger receives bookkeeping for committed pushes. Failures here are logged
// and never undo a commit.
type Ledger interface {
	NextPushNumber(ctx context.Context, slug string) (int64, error)
	AddUsage(ctx context.Context, slug string, delta int64) error
	RecordTransfer(ctx context.Context, rec types.TransferRecord) error
}

// Dependencies are the collaborators a Handler drives. Ledger may be nil.
type Dependencies struct {
	Objects     storage.ObjectStore
	Refs        storage.RefStore
	Roots       storage.RootResolver
	Coordinator *coordinator.Coordinator
	Ledger      Ledger
}

// Options tune push handling.
type Options struct {
	Limits Limits
	// ReceiveTimeout bounds Receiving and Validating together.
	ReceiveTimeout time.Duration
	// ApplyConcurrency caps parallel object writes during Applying.
	ApplyConcurrency int
}

// Handler runs the push state machine and serves pulls.
type Handler struct {
	deps   Dependencies
	opts   Options
	logger *slog.Logger
}

// NewHandler wires a handler. Objects, Refs, Roots and Coordinator are
// required.
func NewHandler(deps Dependencies, opts Options, logger *slog.Logger) (*Handler, error) {
	if deps.Objects == nil || deps.Refs == nil || deps.Roots == nil || deps.Coordinator == nil {
		return nil, errors.New("transfer: objects, refs, roots and coordinator are required")
	}
	if opts.ApplyConcurrency <= 0 {
		opts.ApplyConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, opts: opts, logger: logger.With("component", "transfer")}, nil
}

func newPushID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Push receives, validates and applies one push. It always returns a result;
// anything other than StateCommitted left the refs untouched.
func (h *Handler) Push(ctx context.Context, prov types.Provenance, body io.Reader) *Result {
	start := time.Now()
	res := &Result{PushID: newPushID(), Slug: prov.Slug, State: StateReceiving}
	log := h.logger.With("slug", prov.Slug, "push_id", res.PushID, "principal", prov.PrincipalID)
	defer h.finish(ctx, log, prov, res, start)

	if _, err := h.deps.Roots.ResolveRepositoryRoot(prov.Slug); err != nil {
		res.fail(err)
		return res
	}

	permit, err := h.deps.Coordinator.AcquireWriteSection(ctx, prov.Slug)
	if err != nil {
		res.fail(err)
		return res
	}
	defer permit.Release()

	// The repository may have been deleted while this push waited.
	if _, err := h.deps.Roots.ResolveRepositoryRoot(prov.Slug); err != nil {
		res.fail(err)
		return res
	}

	recvCtx, cancel := ctx, context.CancelFunc(func() {})
	if h.opts.ReceiveTimeout > 0 {
		recvCtx, cancel = context.WithTimeout(ctx, h.opts.ReceiveTimeout)
	}
	defer cancel()

	log.Debug("push state", "state", StateReceiving)
	req, err := h.receive(recvCtx, body)
	if err != nil {
		res.fail(err)
		return res
	}

	res.State = StateValidating
	res.ObjectsReceived = len(req.Objects)
	log.Debug("push state", "state", StateValidating, "objects", len(req.Objects), "updates", len(req.Updates))
	objs, err := h.validate(recvCtx, prov.Slug, req)
	if err != nil {
		res.fail(err)
		return res
	}

	// Once Applying starts the outcome no longer depends on the client.
	res.State = StateApplying
	log.Debug("push state", "state", StateApplying)
	applyCtx := context.WithoutCancel(ctx)

	written, stored, err := h.persist(applyCtx, prov.Slug, objs)
	res.ObjectsWritten, res.BytesStored = written, stored
	// Written objects stay on disk whatever the outcome, so they count now.
	h.addUsage(applyCtx, log, prov.Slug, stored)
	if err != nil {
		res.fail(err)
		return res
	}

	before, err := h.deps.Refs.List(applyCtx, prov.Slug)
	if err != nil {
		res.fail(err)
		return res
	}
	if err := h.deps.Refs.CompareAndSwap(applyCtx, prov.Slug, req.Updates); err != nil {
		res.fail(err)
		return res
	}

	res.State = StateCommitted
	res.RefUpdates = req.Updates
	res.RefDiff = refDiff(before, req.Updates, res.PushID)
	h.account(applyCtx, log, res)
	return res
}

func (h *Handler) receive(ctx context.Context, body io.Reader) (*PushRequest, error) {
	type received struct {
		req *PushRequest
		err error
	}
	done := make(chan received, 1)
	go func() {
		req, err := DecodePush(ctx, body, h.opts.Limits)
		done <- received{req: req, err: err}
	}()

	select {
	case r := <-done:
		return r.req, r.err
	case <-ctx.Done():
	}

	// Close the body and wait for the decoder so nothing else reads it
	// concurrently. HTTP bodies finish a pending read at the connection's read
	// deadline. A plain reader cannot be interrupted and is left to stop at
	// its next read.
	if c, ok := body.(io.Closer); ok {
		_ = c.Close()
		<-done
	}
	return nil, ctx.Err()
}

// validate verifies every object against its claimed hash and the object
// layout, then checks that nothing the push references is missing.
func (h *Handler) validate(ctx context.Context, slug string, req *PushRequest) ([]object.Object, error) {
	ceiling := h.opts.Limits.FileSizeCeiling
	pushed := make(map[string]struct{}, len(req.Objects))
	objs := make([]object.Object, 0, len(req.Objects))

	for _, p := range req.Objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ceiling > 0 && int64(len(p.Data)) > ceiling {
			return nil, &storage.ObjectTooLargeError{Hash: p.Hash, Size: int64(len(p.Data)), Limit: ceiling}
		}
		if computed := object.ComputeHash(p.Data); computed != p.Hash {
			return nil, &storage.HashMismatchError{Claimed: p.Hash, Computed: computed}
		}
		if _, dup := pushed[p.Hash]; dup {
			continue
		}
		obj, err := object.Parse(p.Data)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", p.Hash, err)
		}
		pushed[obj.Hash] = struct{}{}
		objs = append(objs, obj)
	}

	known := make(map[string]bool)
	present := func(hash string) (bool, error) {
		if _, ok := pushed[hash]; ok {
			return true, nil
		}
		if ok, cached := known[hash]; cached {
			return ok, nil
		}
		ok, err := h.deps.Objects.Contains(ctx, slug, hash)
		if err != nil {
			return false, err
		}
		known[hash] = ok
		return ok, nil
	}

	// Stored objects passed this check when they were pushed, so direct
	// references are enough to keep the closure complete.
	for _, obj := range objs {
		for _, ref := range obj.Refs {
			ok, err := present(ref)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &MissingObjectError{Hash: ref, Referrer: obj.Hash}
			}
		}
	}
	for _, u := range req.Updates {
		if u.IsDelete() {
			continue
		}
		ok, err := present(u.New)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &MissingObjectError{Hash: u.New}
		}
	}
	return objs, nil
}

// persist writes objects in parallel and reports how many were new.
func (h *Handler) persist(ctx context.Context, slug string, objs []object.Object) (int, int64, error) {
	var written, stored atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.ApplyConcurrency)
	for _, obj := range objs {
		obj := obj
		g.Go(func() error {
			had, err := h.deps.Objects.Contains(gctx, slug, obj.Hash)
			if err != nil {
				return err
			}
			if _, err := h.deps.Objects.Put(gctx, slug, obj.Raw); err != nil {
				return err
			}
			if !had {
				written.Add(1)
				stored.Add(obj.Size())
			}
			return nil
		})
	}
	err := g.Wait()
	return int(written.Load()), stored.Load(), err
}

func (h *Handler) account(ctx context.Context, log *slog.Logger, res *Result) {
	if h.deps.Ledger == nil {
		return
	}
	n, err := h.deps.Ledger.NextPushNumber(ctx, res.Slug)
	if err != nil {
		log.Error("assign push number", "error", err)
		return
	}
	res.PushNumber = n
}

func (h *Handler) addUsage(ctx context.Context, log *slog.Logger, slug string, bytes int64) {
	if h.deps.Ledger == nil || bytes <= 0 {
		return
	}
	if err := h.deps.Ledger.AddUsage(ctx, slug, bytes); err != nil {
		log.Error("record usage", "bytes", bytes, "error", err)
	}
}

func (h *Handler) finish(ctx context.Context, log *slog.Logger, prov types.Provenance, res *Result, start time.Time) {
	attrs := []any{
		"state", res.State,
		"objects", res.ObjectsReceived,
		"written", res.ObjectsWritten,
		"duration", time.Since(start),
	}
	switch res.State {
	case StateCommitted:
		log.Info("push committed", append(attrs, "push_number", res.PushNumber, "bytes", res.BytesStored)...)
	case StateRejected:
		log.Warn("push rejected", append(attrs, "reason", res.Reason, "error", res.Message)...)
	default:
		log.Error("push failed", append(attrs, "reason", res.Reason, "error", res.Message)...)
	}

	if h.deps.Ledger == nil || res.Reason == ReasonNotFound || res.Reason == ReasonInvalidSlug {
		return
	}
	op := prov.Operation
	if op == "" {
		op = types.OperationPush
	}
	rec := types.TransferRecord{
		ID:          res.PushID,
		Slug:        res.Slug,
		PrincipalID: prov.PrincipalID,
		Operation:   op,
		State:       string(res.State),
		Reason:      string(res.Reason),
		Message:     res.Message,
		PushNumber:  res.PushNumber,
		Objects:     res.ObjectsWritten,
		BytesStored: res.BytesStored,
		CreatedAt:   time.Now(),
	}
	if err := h.deps.Ledger.RecordTransfer(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("record transfer", "error", err)
	}
}

// PullRequest selects what a pull returns. No refs means every ref. Objects
// listed in Have are assumed to be held by the client already.
type PullRequest struct {
	Refs []string `json:"refs"`
	Have []string `json:"have"`
}

// PullResult carries the resolved refs and the stream of reachable objects.
type PullResult struct {
	Refs   []types.Ref
	Stream *ObjectStream
}

// Pull resolves refs from one snapshot of the ref table and prepares the
// reachable-object stream. It never takes the write section.
func (h *Handler) Pull(ctx context.Context, prov types.Provenance, req PullRequest) (*PullResult, error) {
	if _, err := h.deps.Roots.ResolveRepositoryRoot(prov.Slug); err != nil {
		return nil, err
	}
	for _, hash := range req.Have {
		if !object.ValidHash(hash) {
			return nil, &storage.ValidationError{Message: "invalid have hash " + hash}
		}
	}

	snapshot, err := h.deps.Refs.List(ctx, prov.Slug)
	if err != nil {
		return nil, err
	}

	selected := snapshot
	if len(req.Refs) > 0 {
		byName := make(map[string]string, len(snapshot))
		for _, ref := range snapshot {
			byName[ref.Name] = ref.Hash
		}
		selected = make([]types.Ref, 0, len(req.Refs))
		seen := make(map[string]struct{}, len(req.Refs))
		for _, name := range req.Refs {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			hash, ok := byName[name]
			if !ok {
				return nil, &storage.NotFoundError{Resource: "ref", Key: name}
			}
			selected = append(selected, types.Ref{Name: name, Hash: hash})
		}
	}

	roots := make([]string, 0, len(selected))
	for _, ref := range selected {
		roots = append(roots, ref.Hash)
	}
	h.logger.Debug("pull resolved", "slug", prov.Slug, "principal", prov.PrincipalID, "refs", len(selected), "have", len(req.Have))
	return &PullResult{Refs: selected, Stream: NewObjectStream(h.deps.Objects, prov.Slug, roots, req.Have)}, nil
}

// WritePack streams a pull result in pack framing. On error the terminator is
// not written.
func (r *PullResult) WritePack(ctx context.Context, w io.Writer) error {
	pw, err := NewPackWriter(w, r.Refs)
	if err != nil {
		return err
	}
	for {
		obj, err := r.Stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return pw.Close()
		}
		if err != nil {
			return err
		}
		if err := pw.WriteObject(obj); err != nil {
			return err
		}
	}
}

// ListRefs returns the repository's refs sorted by name.
func (h *Handler) ListRefs(ctx context.Context, slug string) ([]types.Ref, error) {
	if _, err := h.deps.Roots.ResolveRepositoryRoot(slug); err != nil {
		return nil, err
	}
	return h.deps.Refs.List(ctx, slug)
}

// GetObject returns one object's canonical bytes.
func (h *Handler) GetObject(ctx context.Context, slug, hash string) ([]byte, error) {
	if _, err := h.deps.Roots.ResolveRepositoryRoot(slug); err != nil {
		return nil, err
	}
	if !object.ValidHash(hash) {
		return nil, &storage.ValidationError{Message: "invalid object hash " + hash}
	}
	return h.deps.Objects.Get(ctx, slug, hash)
}
