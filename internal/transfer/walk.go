package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/storage"
)

// ObjectStream yields every object reachable from a set of roots exactly once.
// The walk keeps an explicit worklist and visited set, so history depth never
// grows the call stack.
type ObjectStream struct {
	store storage.ObjectStore
	repo  string

	work    []string
	visited map[string]struct{}
	sent    int
}

// NewObjectStream walks from roots. Objects in have are treated as already
// held by the receiver: they are not streamed and the walk does not descend
// through them.
func NewObjectStream(store storage.ObjectStore, repo string, roots, have []string) *ObjectStream {
	s := &ObjectStream{
		store:   store,
		repo:    repo,
		visited: make(map[string]struct{}, len(roots)+len(have)),
	}
	for _, h := range have {
		s.visited[h] = struct{}{}
	}
	for _, h := range roots {
		s.push(h)
	}
	return s
}

func (s *ObjectStream) push(hash string) {
	if _, ok := s.visited[hash]; ok {
		return
	}
	s.visited[hash] = struct{}{}
	s.work = append(s.work, hash)
}

// Next returns the next object, or io.EOF once the closure is exhausted.
func (s *ObjectStream) Next(ctx context.Context) (object.Object, error) {
	if len(s.work) == 0 {
		return object.Object{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return object.Object{}, err
	}

	hash := s.work[0]
	s.work = s.work[1:]

	raw, err := s.store.Get(ctx, s.repo, hash)
	if err != nil {
		var nf *storage.NotFoundError
		if errors.As(err, &nf) {
			// A committed ref whose closure is incomplete is a storage fault,
			// not a missing request target.
			return object.Object{}, &storage.IOError{Op: "walk objects", Err: fmt.Errorf("object %s missing from store", hash)}
		}
		return object.Object{}, err
	}
	obj, err := object.Parse(raw)
	if err != nil {
		return object.Object{}, &storage.IOError{Op: "walk objects", Err: fmt.Errorf("object %s: %v", hash, err)}
	}
	if obj.Hash != hash {
		return object.Object{}, &storage.IOError{Op: "walk objects", Err: fmt.Errorf("object %s hashes to %s", hash, obj.Hash)}
	}

	for _, ref := range obj.Refs {
		s.push(ref)
	}
	s.sent++
	return obj, nil
}

// Sent returns how many objects Next has produced.
func (s *ObjectStream) Sent() int { return s.sent }
