package storage

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// Actors hands out per-account storage handles from one backend and
// serializes writers of the same account. Different accounts never share a
// lock.
type Actors struct {
	backend Backend
	cache   *BlockCache
	locks   *xsync.MapOf[string, chan struct{}]
}

// NewActors wraps backend. cache may be nil.
func NewActors(backend Backend, cache *BlockCache) *Actors {
	return &Actors{
		backend: backend,
		cache:   cache,
		locks:   xsync.NewMapOf[string, chan struct{}](),
	}
}

// Storage returns the (possibly cached) handle for did.
func (a *Actors) Storage(did string) RepoStorage {
	return Cached(a.backend.ForDID(did), a.cache)
}

func (a *Actors) lock(did string) chan struct{} {
	l, _ := a.locks.LoadOrCompute(did, func() chan struct{} {
		return make(chan struct{}, 1)
	})
	return l
}

// WithLock runs fn holding did's write lock. It gives up with ctx.Err() if
// the lock cannot be taken before ctx is done.
func (a *Actors) WithLock(ctx context.Context, did string, fn func(RepoStorage) error) error {
	l := a.lock(did)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()
	return fn(a.Storage(did))
}

// Backend returns the underlying backend.
func (a *Actors) Backend() Backend { return a.backend }

// Close closes the backend.
func (a *Actors) Close() error { return a.backend.Close() }
