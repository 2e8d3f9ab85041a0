package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/dagcbor"
	"github.com/systemshift/atrepo/internal/storage"
)

const backendName = "badger"

// Key layout, with did terminated by 0x00:
//
//	r/<did>                 root record
//	b/<did><cid>            uvarint(len(rev)) rev payload
//	i/<did><rev> 0x00 <cid> empty; orders blocks by (rev, cid)
const (
	rootPrefix  = 'r'
	blockPrefix = 'b'
	indexPrefix = 'i'
)

type rootRecord struct {
	CID       dagcbor.Link `cbor:"cid"`
	Rev       string       `cbor:"rev"`
	IndexedAt int64        `cbor:"indexedAt"`
}

// Store is a Backend over one BadgerDB.
type Store struct {
	db   *badger.DB
	gc   *gcRunner
	opts storage.Options
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config, opts storage.Options) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, opts: opts.WithDefaults()}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc, err = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, s.opts.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("start gc: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Name() string { return backendName }

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func (s *Store) ForDID(did string) storage.RepoStorage {
	return &handle{
		store:  s,
		did:    did,
		root:   append([]byte{rootPrefix, '/'}, did...),
		blocks: append(append([]byte{blockPrefix, '/'}, did...), 0),
		index:  append(append([]byte{indexPrefix, '/'}, did...), 0),
	}
}

type handle struct {
	store  *Store
	did    string
	root   []byte
	blocks []byte
	index  []byte
}

func (h *handle) DID() string { return h.did }

func (h *handle) blockKey(c gocid.Cid) []byte {
	k := make([]byte, 0, len(h.blocks)+c.ByteLen())
	k = append(k, h.blocks...)
	return append(k, c.Bytes()...)
}

func (h *handle) indexKey(rev string, c gocid.Cid) []byte {
	k := make([]byte, 0, len(h.index)+len(rev)+1+c.ByteLen())
	k = append(k, h.index...)
	k = append(k, rev...)
	k = append(k, 0)
	return append(k, c.Bytes()...)
}

func encodeBlockValue(rev string, data []byte) []byte {
	v := varint.ToUvarint(uint64(len(rev)))
	v = append(v, rev...)
	return append(v, data...)
}

func decodeBlockValue(v []byte) (rev string, data []byte, err error) {
	n, used, err := varint.FromUvarint(v)
	if err != nil || uint64(len(v)-used) < n {
		return "", nil, fmt.Errorf("corrupt block record")
	}
	rev = string(v[used : used+int(n)])
	return rev, v[used+int(n):], nil
}

func (h *handle) GetRoot(ctx context.Context) (gocid.Cid, error) {
	root, err := h.GetRootDetailed(ctx)
	return root.CID, err
}

func (h *handle) GetRootDetailed(_ context.Context) (storage.Root, error) {
	var root *storage.Root
	err := h.store.db.View(func(txn *badger.Txn) error {
		var err error
		root, err = h.readRoot(txn)
		return err
	})
	if err != nil {
		return storage.Root{}, err
	}
	if root == nil {
		return storage.Root{}, storage.ErrRepoRootNotFound
	}
	return *root, nil
}

func (h *handle) readRoot(txn *badger.Txn) (*storage.Root, error) {
	item, err := txn.Get(h.root)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}
	var rec rootRecord
	err = item.Value(func(v []byte) error {
		return dagcbor.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode root: %w", err)
	}
	return &storage.Root{CID: rec.CID.CID, Rev: rec.Rev, IndexedAt: time.UnixMicro(rec.IndexedAt)}, nil
}

func (h *handle) getBlock(txn *badger.Txn, c gocid.Cid) (rev string, data []byte, found bool, err error) {
	item, err := txn.Get(h.blockKey(c))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("read block %s: %w", c, err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", nil, false, fmt.Errorf("read block %s: %w", c, err)
	}
	rev, data, err = decodeBlockValue(v)
	if err != nil {
		return "", nil, false, fmt.Errorf("block %s: %w", c, err)
	}
	return rev, data, true, nil
}

func (h *handle) GetBytes(_ context.Context, c gocid.Cid) ([]byte, error) {
	var data []byte
	err := h.store.db.View(func(txn *badger.Txn) error {
		var err error
		_, data, _, err = h.getBlock(txn, c)
		return err
	})
	return data, err
}

func (h *handle) Has(_ context.Context, c gocid.Cid) (bool, error) {
	var found bool
	err := h.store.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(h.blockKey(c))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

func (h *handle) GetBlocks(ctx context.Context, cids []gocid.Cid) (*blocks.BlockMap, []gocid.Cid, error) {
	found := blocks.NewBlockMap()
	var missing []gocid.Cid
	for _, batch := range storage.BatchCids(cids, h.store.opts.GetBlocksBatch) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		err := h.store.db.View(func(txn *badger.Txn) error {
			for _, c := range batch {
				_, data, ok, err := h.getBlock(txn, c)
				if err != nil {
					return err
				}
				if ok {
					found.Set(c, data)
				} else {
					missing = append(missing, c)
				}
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return found, missing, nil
}

// put inserts the blocks of bm that are absent and returns how many
// it wrote.
func (h *handle) put(txn *badger.Txn, bm *blocks.BlockMap, rev string) (int, error) {
	n := 0
	err := bm.ForEach(func(c gocid.Cid, data []byte) error {
		key := h.blockKey(c)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, encodeBlockValue(rev, data)); err != nil {
			return err
		}
		if err := txn.Set(h.indexKey(rev, c), nil); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func (h *handle) remove(txn *badger.Txn, cids []gocid.Cid) error {
	for _, c := range cids {
		rev, _, ok, err := h.getBlock(txn, c)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := txn.Delete(h.blockKey(c)); err != nil {
			return err
		}
		if err := txn.Delete(h.indexKey(rev, c)); err != nil {
			return err
		}
	}
	return nil
}

func (h *handle) PutBlock(ctx context.Context, c gocid.Cid, data []byte, rev string) error {
	bm := blocks.NewBlockMap()
	bm.Set(c, data)
	return h.PutMany(ctx, bm, rev)
}

func (h *handle) PutMany(_ context.Context, bm *blocks.BlockMap, rev string) error {
	var n int
	err := h.store.db.Update(func(txn *badger.Txn) error {
		var err error
		n, err = h.put(txn, bm, rev)
		return err
	})
	if err != nil {
		return fmt.Errorf("put blocks: %w", mapConflict(err))
	}
	h.store.opts.Metrics.BlocksWritten(backendName, n)
	return nil
}

func (h *handle) DeleteMany(_ context.Context, cids []gocid.Cid) error {
	err := h.store.db.Update(func(txn *badger.Txn) error {
		return h.remove(txn, cids)
	})
	if err != nil {
		return fmt.Errorf("delete blocks: %w", mapConflict(err))
	}
	return nil
}

func (h *handle) ApplyCommit(_ context.Context, commit storage.CommitData) (err error) {
	start := time.Now()
	defer func() {
		h.store.opts.Metrics.CommitApplied(backendName, storage.ResultLabel(err), time.Since(start))
	}()

	var written int
	err = h.store.db.Update(func(txn *badger.Txn) error {
		cur, err := h.readRoot(txn)
		if err != nil {
			return err
		}
		applied, err := storage.CheckAdvance(cur, commit)
		if err != nil || applied {
			return err
		}
		if commit.RemovedCids != nil {
			if err := h.remove(txn, commit.RemovedCids.List()); err != nil {
				return err
			}
		}
		if commit.NewBlocks != nil {
			if written, err = h.put(txn, commit.NewBlocks, commit.Rev); err != nil {
				return err
			}
		}
		if err := h.store.opts.Faults.Check(storage.FaultAfterBlocks); err != nil {
			return err
		}
		rec, err := dagcbor.Marshal(rootRecord{
			CID:       dagcbor.NewLink(commit.CID),
			Rev:       commit.Rev,
			IndexedAt: h.store.opts.Now().UnixMicro(),
		})
		if err != nil {
			return err
		}
		return txn.Set(h.root, rec)
	})
	if err != nil {
		return mapConflict(err)
	}
	h.store.opts.Metrics.BlocksWritten(backendName, written)
	h.store.opts.Logger.Debug("commit applied",
		slog.String("component", "storage"),
		slog.String("did", h.did),
		slog.String("rev", commit.Rev),
		slog.String("cid", commit.CID.String()))
	return nil
}

func (h *handle) GetBlockRange(ctx context.Context, since string, cursor *blocks.RevCursor, limit int) ([]blocks.RepoBlock, error) {
	var out []blocks.RepoBlock
	err := h.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = h.index
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), h.index...), 0xff)
		var skip []byte
		if cursor != nil {
			seek = h.indexKey(cursor.Rev, cursor.CID)
			skip = seek
		}
		for it.Seek(seek); it.ValidForPrefix(h.index); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			if skip != nil && bytes.Equal(key, skip) {
				continue
			}
			rest := key[len(h.index):]
			sep := bytes.IndexByte(rest, 0)
			if sep < 0 {
				return fmt.Errorf("corrupt index key %x", key)
			}
			rev := string(rest[:sep])
			if since != "" && rev <= since {
				return nil
			}
			c, err := gocid.Cast(rest[sep+1:])
			if err != nil {
				return fmt.Errorf("corrupt index key %x: %w", key, err)
			}
			_, data, ok, err := h.getBlock(txn, c)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("index entry without block %s", c)
			}
			out = append(out, blocks.RepoBlock{CID: c, Rev: rev, Data: data})
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *handle) GetCarStream(ctx context.Context, since string, w io.Writer) error {
	return storage.WriteCarStream(ctx, h, since, w, h.store.opts.ExportOptions())
}

func mapConflict(err error) error {
	switch {
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", storage.ErrConcurrentWrite, err)
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v (raise badger.memtable-size)", storage.ErrCommitTooLarge, err)
	}
	return err
}
