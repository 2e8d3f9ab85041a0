package storage

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/metrics"
)

// BlockCache is a bounded LRU of block bytes shared by many accounts.
// Blocks are immutable, so entries never go stale; roots are never cached.
type BlockCache struct {
	lru     *lru.Cache[string, []byte]
	metrics *metrics.Metrics
}

// NewBlockCache holds at most size blocks. m may be nil.
func NewBlockCache(size int, m *metrics.Metrics) (*BlockCache, error) {
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	return &BlockCache{lru: c, metrics: m}, nil
}

func cacheKey(did string, c gocid.Cid) string {
	return did + "\x00" + c.KeyString()
}

func (bc *BlockCache) Get(did string, c gocid.Cid) ([]byte, bool) {
	data, ok := bc.lru.Get(cacheKey(did, c))
	if ok {
		bc.metrics.CacheHit()
	} else {
		bc.metrics.CacheMiss()
	}
	return data, ok
}

func (bc *BlockCache) Add(did string, c gocid.Cid, data []byte) {
	bc.lru.Add(cacheKey(did, c), data)
}

func (bc *BlockCache) Remove(did string, c gocid.Cid) {
	bc.lru.Remove(cacheKey(did, c))
}

func (bc *BlockCache) Len() int { return bc.lru.Len() }

// Cached returns s with block reads served through bc. A nil bc returns s.
func Cached(s RepoStorage, bc *BlockCache) RepoStorage {
	if bc == nil {
		return s
	}
	return &cachedStorage{RepoStorage: s, cache: bc}
}

type cachedStorage struct {
	RepoStorage
	cache *BlockCache
}

func (cs *cachedStorage) GetBytes(ctx context.Context, c gocid.Cid) ([]byte, error) {
	if data, ok := cs.cache.Get(cs.DID(), c); ok {
		return data, nil
	}
	data, err := cs.RepoStorage.GetBytes(ctx, c)
	if err != nil || data == nil {
		return data, err
	}
	cs.cache.Add(cs.DID(), c, data)
	return data, nil
}

func (cs *cachedStorage) GetBlocks(ctx context.Context, cids []gocid.Cid) (*blocks.BlockMap, []gocid.Cid, error) {
	found := blocks.NewBlockMap()
	var rest []gocid.Cid
	for _, c := range cids {
		if data, ok := cs.cache.Get(cs.DID(), c); ok {
			found.Set(c, data)
		} else {
			rest = append(rest, c)
		}
	}
	if len(rest) == 0 {
		return found, nil, nil
	}
	fetched, missing, err := cs.RepoStorage.GetBlocks(ctx, rest)
	if err != nil {
		return nil, nil, err
	}
	_ = fetched.ForEach(func(c gocid.Cid, data []byte) error {
		cs.cache.Add(cs.DID(), c, data)
		return nil
	})
	found.AddMap(fetched)
	return found, missing, nil
}

// DeleteMany also evicts, so a deleted block is not served from memory.
func (cs *cachedStorage) DeleteMany(ctx context.Context, cids []gocid.Cid) error {
	if err := cs.RepoStorage.DeleteMany(ctx, cids); err != nil {
		return err
	}
	for _, c := range cids {
		cs.cache.Remove(cs.DID(), c)
	}
	return nil
}

func (cs *cachedStorage) ApplyCommit(ctx context.Context, commit CommitData) error {
	if err := cs.RepoStorage.ApplyCommit(ctx, commit); err != nil {
		return err
	}
	if commit.RemovedCids != nil {
		for _, c := range commit.RemovedCids.List() {
			cs.cache.Remove(cs.DID(), c)
		}
	}
	return nil
}
