// Package memstore is an in-memory storage backend. It is used by tests and
// by the CLI's memory mode; nothing survives the process.
package memstore

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocid "github.com/ipfs/go-cid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/storage"
)

const backendName = "memory"

// Store holds every account's blocks and root in process memory.
type Store struct {
	opts  storage.Options
	repos *xsync.MapOf[string, *repo]
}

type repo struct {
	mu     sync.RWMutex
	root   *storage.Root
	blocks map[string]blocks.RepoBlock
}

func New(opts storage.Options) *Store {
	return &Store{
		opts:  opts.WithDefaults(),
		repos: xsync.NewMapOf[string, *repo](),
	}
}

func (s *Store) Name() string { return backendName }

func (s *Store) Close() error { return nil }

// ForDID returns the handle for one account.
func (s *Store) ForDID(did string) storage.RepoStorage {
	r, _ := s.repos.LoadOrCompute(did, func() *repo {
		return &repo{blocks: make(map[string]blocks.RepoBlock)}
	})
	return &handle{store: s, did: did, r: r}
}

type handle struct {
	store *Store
	did   string
	r     *repo
}

func (h *handle) DID() string { return h.did }

func (h *handle) GetRoot(ctx context.Context) (gocid.Cid, error) {
	root, err := h.GetRootDetailed(ctx)
	return root.CID, err
}

func (h *handle) GetRootDetailed(_ context.Context) (storage.Root, error) {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	if h.r.root == nil {
		return storage.Root{}, storage.ErrRepoRootNotFound
	}
	return *h.r.root, nil
}

func (h *handle) GetBytes(_ context.Context, c gocid.Cid) ([]byte, error) {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	b, ok := h.r.blocks[c.KeyString()]
	if !ok {
		return nil, nil
	}
	return b.Data, nil
}

func (h *handle) Has(_ context.Context, c gocid.Cid) (bool, error) {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	_, ok := h.r.blocks[c.KeyString()]
	return ok, nil
}

func (h *handle) GetBlocks(_ context.Context, cids []gocid.Cid) (*blocks.BlockMap, []gocid.Cid, error) {
	h.r.mu.RLock()
	defer h.r.mu.RUnlock()
	found := blocks.NewBlockMap()
	var missing []gocid.Cid
	for _, c := range cids {
		if b, ok := h.r.blocks[c.KeyString()]; ok {
			found.Set(c, b.Data)
		} else {
			missing = append(missing, c)
		}
	}
	return found, missing, nil
}

func (h *handle) PutBlock(ctx context.Context, c gocid.Cid, data []byte, rev string) error {
	bm := blocks.NewBlockMap()
	bm.Set(c, data)
	return h.PutMany(ctx, bm, rev)
}

func (h *handle) PutMany(_ context.Context, bm *blocks.BlockMap, rev string) error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	h.insertLocked(bm, rev)
	h.store.opts.Metrics.BlocksWritten(backendName, bm.Len())
	return nil
}

// insertLocked inserts absent blocks and returns the keys it added.
func (h *handle) insertLocked(bm *blocks.BlockMap, rev string) []string {
	var added []string
	_ = bm.ForEach(func(c gocid.Cid, data []byte) error {
		k := c.KeyString()
		if _, ok := h.r.blocks[k]; ok {
			return nil
		}
		h.r.blocks[k] = blocks.RepoBlock{CID: c, Rev: rev, Data: data}
		added = append(added, k)
		return nil
	})
	return added
}

func (h *handle) DeleteMany(_ context.Context, cids []gocid.Cid) error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	for _, c := range cids {
		delete(h.r.blocks, c.KeyString())
	}
	return nil
}

func (h *handle) ApplyCommit(_ context.Context, commit storage.CommitData) (err error) {
	start := time.Now()
	defer func() {
		h.store.opts.Metrics.CommitApplied(backendName, storage.ResultLabel(err), time.Since(start))
	}()

	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	applied, err := storage.CheckAdvance(h.r.root, commit)
	if err != nil || applied {
		return err
	}

	// removed blocks are kept aside so a failure can put them back
	var removed []blocks.RepoBlock
	if commit.RemovedCids != nil {
		for _, c := range commit.RemovedCids.List() {
			if b, ok := h.r.blocks[c.KeyString()]; ok {
				removed = append(removed, b)
				delete(h.r.blocks, c.KeyString())
			}
		}
	}
	var added []string
	if commit.NewBlocks != nil {
		added = h.insertLocked(commit.NewBlocks, commit.Rev)
	}
	if err := h.store.opts.Faults.Check(storage.FaultAfterBlocks); err != nil {
		for _, k := range added {
			delete(h.r.blocks, k)
		}
		for _, b := range removed {
			h.r.blocks[b.CID.KeyString()] = b
		}
		return err
	}

	h.r.root = &storage.Root{CID: commit.CID, Rev: commit.Rev, IndexedAt: h.store.opts.Now()}
	h.store.opts.Metrics.BlocksWritten(backendName, len(added))
	h.store.opts.Logger.Debug("commit applied",
		slog.String("component", "storage"),
		slog.String("did", h.did),
		slog.String("rev", commit.Rev),
		slog.String("cid", commit.CID.String()))
	return nil
}

func (h *handle) GetBlockRange(_ context.Context, since string, cursor *blocks.RevCursor, limit int) ([]blocks.RepoBlock, error) {
	h.r.mu.RLock()
	var out []blocks.RepoBlock
	for _, b := range h.r.blocks {
		if since != "" && b.Rev <= since {
			continue
		}
		if cursor != nil && !pastCursor(b, cursor) {
			continue
		}
		out = append(out, b)
	}
	h.r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rev != out[j].Rev {
			return out[i].Rev > out[j].Rev
		}
		return out[i].CID.KeyString() > out[j].CID.KeyString()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// pastCursor reports whether b sorts strictly after the cursor in
// (rev desc, cid desc) order.
func pastCursor(b blocks.RepoBlock, cursor *blocks.RevCursor) bool {
	if b.Rev != cursor.Rev {
		return b.Rev < cursor.Rev
	}
	return b.CID.KeyString() < cursor.CID.KeyString()
}

func (h *handle) GetCarStream(ctx context.Context, since string, w io.Writer) error {
	return storage.WriteCarStream(ctx, h, since, w, h.store.opts.ExportOptions())
}
