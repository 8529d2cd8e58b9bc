// Package coordinator serializes writers per repository.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBusy reports that a repository's write queue is full or that the bounded
// wait for the write section ran out. Clients may retry with backoff.
var ErrBusy = errors.New("repository busy")

// Options bound how long and how many pushes may queue behind a writer.
type Options struct {
	// QueueDepth is the number of pushes allowed to wait while one holds the
	// write section. Zero makes every contended push fail fast.
	QueueDepth int
	// MaxWait bounds a single wait. Zero waits until the caller's context ends.
	MaxWait time.Duration
}

// Coordinator hands out one write permit per repository. Entries are created
// on first use and dropped once nobody holds or waits for them, so the
// registry only grows with contention.
type Coordinator struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem *semaphore.Weighted
	// users counts the holder plus every waiter.
	users int
}

// New returns an empty coordinator.
func New(opts Options) *Coordinator {
	if opts.QueueDepth < 0 {
		opts.QueueDepth = 0
	}
	return &Coordinator{opts: opts, entries: make(map[string]*entry)}
}

// Permit is the exclusive right to mutate one repository.
type Permit struct {
	c    *Coordinator
	slug string
	e    *entry
	once sync.Once
}

// Slug returns the repository the permit guards.
func (p *Permit) Slug() string { return p.slug }

// Release gives the write section to the next waiter. It is safe to call more
// than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.e.sem.Release(1)
		p.c.leave(p.slug, p.e)
	})
}

// AcquireWriteSection blocks until the caller holds the repository's write
// section. It returns ErrBusy when the queue is full or MaxWait passes, and
// the context's error when the caller gives up first.
func (c *Coordinator) AcquireWriteSection(ctx context.Context, slug string) (*Permit, error) {
	c.mu.Lock()
	e, ok := c.entries[slug]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		c.entries[slug] = e
	}
	if e.users > c.opts.QueueDepth {
		c.mu.Unlock()
		return nil, fmt.Errorf("repository %s: %w", slug, ErrBusy)
	}
	e.users++
	c.mu.Unlock()

	waitCtx := ctx
	if c.opts.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.MaxWait)
		defer cancel()
	}

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		c.leave(slug, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("repository %s: waited %s: %w", slug, c.opts.MaxWait, ErrBusy)
	}
	return &Permit{c: c, slug: slug, e: e}, nil
}

func (c *Coordinator) leave(slug string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.users--
	if e.users == 0 && c.entries[slug] == e {
		delete(c.entries, slug)
	}
}

// Contended reports the holder plus waiters for slug.
func (c *Coordinator) Contended(slug string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[slug]; ok {
		return e.users
	}
	return 0
}

// Tracked returns how many repositories currently have registry entries.
func (c *Coordinator) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
