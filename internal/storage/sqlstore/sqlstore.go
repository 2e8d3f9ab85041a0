// Package sqlstore keeps repositories in SQLite through database/sql. CIDs
// are stored as BLOBs so the (repoRev DESC, cid DESC) index matches the
// raw-byte block order used by the other backends.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gocid "github.com/ipfs/go-cid"
	_ "modernc.org/sqlite"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/storage"
)

const backendName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS repo_root (
	did       TEXT PRIMARY KEY,
	cid       BLOB NOT NULL,
	rev       TEXT NOT NULL,
	indexedAt INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS repo_block (
	did     TEXT NOT NULL,
	cid     BLOB NOT NULL,
	repoRev TEXT NOT NULL,
	size    INTEGER NOT NULL,
	content BLOB NOT NULL,
	PRIMARY KEY (did, cid)
);
CREATE INDEX IF NOT EXISTS repo_block_rev ON repo_block (did, repoRev DESC, cid DESC);
`

// Store is a Backend over one SQLite database.
type Store struct {
	db   *sql.DB
	opts storage.Options
}

// Open opens the database at dsn, creating the schema if needed. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, dsn string, opts storage.Options) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// SQLite serializes writers anyway; one connection also keeps a
	// :memory: database shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, opts: opts.WithDefaults()}, nil
}

func (s *Store) Name() string { return backendName }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ForDID(did string) storage.RepoStorage {
	return &handle{store: s, did: did}
}

type handle struct {
	store *Store
	did   string
}

func (h *handle) DID() string { return h.did }

func (h *handle) GetRoot(ctx context.Context) (gocid.Cid, error) {
	root, err := h.GetRootDetailed(ctx)
	return root.CID, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (h *handle) GetRootDetailed(ctx context.Context) (storage.Root, error) {
	root, err := h.readRoot(ctx, h.store.db)
	if err != nil {
		return storage.Root{}, err
	}
	if root == nil {
		return storage.Root{}, storage.ErrRepoRootNotFound
	}
	return *root, nil
}

func (h *handle) readRoot(ctx context.Context, q querier) (*storage.Root, error) {
	var (
		raw       []byte
		rev       string
		indexedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT cid, rev, indexedAt FROM repo_root WHERE did = ?`, h.did).
		Scan(&raw, &rev, &indexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}
	c, err := gocid.Cast(raw)
	if err != nil {
		return nil, fmt.Errorf("decode root cid: %w", err)
	}
	return &storage.Root{CID: c, Rev: rev, IndexedAt: time.UnixMicro(indexedAt)}, nil
}

func (h *handle) GetBytes(ctx context.Context, c gocid.Cid) ([]byte, error) {
	var data []byte
	err := h.store.db.QueryRowContext(ctx,
		`SELECT content FROM repo_block WHERE did = ? AND cid = ?`, h.did, c.Bytes()).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read block %s: %w", c, err)
	}
	return data, nil
}

func (h *handle) Has(ctx context.Context, c gocid.Cid) (bool, error) {
	var one int
	err := h.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM repo_block WHERE did = ? AND cid = ?`, h.did, c.Bytes()).
		Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has block %s: %w", c, err)
	}
	return true, nil
}

func (h *handle) GetBlocks(ctx context.Context, cids []gocid.Cid) (*blocks.BlockMap, []gocid.Cid, error) {
	found := blocks.NewBlockMap()
	for _, batch := range storage.BatchCids(cids, h.store.opts.GetBlocksBatch) {
		args := make([]any, 0, len(batch)+1)
		args = append(args, h.did)
		for _, c := range batch {
			args = append(args, c.Bytes())
		}
		query := `SELECT cid, content FROM repo_block WHERE did = ? AND cid IN (` +
			placeholders(len(batch)) + `)`
		rows, err := h.store.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, nil, fmt.Errorf("get blocks: %w", err)
		}
		for rows.Next() {
			var raw, data []byte
			if err := rows.Scan(&raw, &data); err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("get blocks: %w", err)
			}
			c, err := gocid.Cast(raw)
			if err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("get blocks: %w", err)
			}
			found.Set(c, data)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("get blocks: %w", err)
		}
	}
	var missing []gocid.Cid
	for _, c := range cids {
		if !found.Has(c) {
			missing = append(missing, c)
		}
	}
	return found, missing, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (h *handle) insert(ctx context.Context, ex execer, bm *blocks.BlockMap, rev string) (int, error) {
	n := 0
	err := bm.ForEach(func(c gocid.Cid, data []byte) error {
		res, err := ex.ExecContext(ctx,
			`INSERT OR IGNORE INTO repo_block (did, cid, repoRev, size, content) VALUES (?, ?, ?, ?, ?)`,
			h.did, c.Bytes(), rev, len(data), data)
		if err != nil {
			return fmt.Errorf("insert block %s: %w", c, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
		return nil
	})
	return n, err
}

func (h *handle) remove(ctx context.Context, ex execer, cids []gocid.Cid) error {
	for _, batch := range storage.BatchCids(cids, h.store.opts.GetBlocksBatch) {
		args := make([]any, 0, len(batch)+1)
		args = append(args, h.did)
		for _, c := range batch {
			args = append(args, c.Bytes())
		}
		_, err := ex.ExecContext(ctx,
			`DELETE FROM repo_block WHERE did = ? AND cid IN (`+placeholders(len(batch))+`)`, args...)
		if err != nil {
			return fmt.Errorf("delete blocks: %w", err)
		}
	}
	return nil
}

func (h *handle) PutBlock(ctx context.Context, c gocid.Cid, data []byte, rev string) error {
	bm := blocks.NewBlockMap()
	bm.Set(c, data)
	return h.PutMany(ctx, bm, rev)
}

func (h *handle) PutMany(ctx context.Context, bm *blocks.BlockMap, rev string) error {
	var n int
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = h.insert(ctx, tx, bm, rev)
		return err
	})
	if err != nil {
		return err
	}
	h.store.opts.Metrics.BlocksWritten(backendName, n)
	return nil
}

func (h *handle) DeleteMany(ctx context.Context, cids []gocid.Cid) error {
	return h.remove(ctx, h.store.db, cids)
}

func (h *handle) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (h *handle) ApplyCommit(ctx context.Context, commit storage.CommitData) (err error) {
	start := time.Now()
	defer func() {
		h.store.opts.Metrics.CommitApplied(backendName, storage.ResultLabel(err), time.Since(start))
	}()

	var written int
	err = h.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := h.readRoot(ctx, tx)
		if err != nil {
			return err
		}
		applied, err := storage.CheckAdvance(cur, commit)
		if err != nil || applied {
			return err
		}
		if commit.RemovedCids != nil {
			if err := h.remove(ctx, tx, commit.RemovedCids.List()); err != nil {
				return err
			}
		}
		if commit.NewBlocks != nil {
			if written, err = h.insert(ctx, tx, commit.NewBlocks, commit.Rev); err != nil {
				return err
			}
		}
		if err := h.store.opts.Faults.Check(storage.FaultAfterBlocks); err != nil {
			return err
		}
		return h.swapRoot(ctx, tx, cur, commit)
	})
	if err != nil {
		return err
	}
	h.store.opts.Metrics.BlocksWritten(backendName, written)
	h.store.opts.Logger.Debug("commit applied",
		slog.String("component", "storage"),
		slog.String("did", h.did),
		slog.String("rev", commit.Rev),
		slog.String("cid", commit.CID.String()))
	return nil
}

// swapRoot moves the root, conditioned on it still being cur.
func (h *handle) swapRoot(ctx context.Context, tx *sql.Tx, cur *storage.Root, commit storage.CommitData) error {
	now := h.store.opts.Now().UnixMicro()
	var (
		res sql.Result
		err error
	)
	if cur == nil {
		res, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO repo_root (did, cid, rev, indexedAt) VALUES (?, ?, ?, ?)`,
			h.did, commit.CID.Bytes(), commit.Rev, now)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE repo_root SET cid = ?, rev = ?, indexedAt = ? WHERE did = ? AND cid = ?`,
			commit.CID.Bytes(), commit.Rev, now, h.did, cur.CID.Bytes())
	}
	if err != nil {
		return fmt.Errorf("update root: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update root: %w", err)
	}
	if affected != 1 {
		return storage.ErrConcurrentWrite
	}
	return nil
}

func (h *handle) GetBlockRange(ctx context.Context, since string, cursor *blocks.RevCursor, limit int) ([]blocks.RepoBlock, error) {
	var (
		sb   strings.Builder
		args = []any{h.did}
	)
	sb.WriteString(`SELECT cid, repoRev, content FROM repo_block WHERE did = ?`)
	if since != "" {
		sb.WriteString(` AND repoRev > ?`)
		args = append(args, since)
	}
	if cursor != nil {
		sb.WriteString(` AND (repoRev < ? OR (repoRev = ? AND cid < ?))`)
		args = append(args, cursor.Rev, cursor.Rev, cursor.CID.Bytes())
	}
	sb.WriteString(` ORDER BY repoRev DESC, cid DESC`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := h.store.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("block range: %w", err)
	}
	defer rows.Close()

	var out []blocks.RepoBlock
	for rows.Next() {
		var (
			raw, data []byte
			rev       string
		)
		if err := rows.Scan(&raw, &rev, &data); err != nil {
			return nil, fmt.Errorf("block range: %w", err)
		}
		c, err := gocid.Cast(raw)
		if err != nil {
			return nil, fmt.Errorf("block range: %w", err)
		}
		out = append(out, blocks.RepoBlock{CID: c, Rev: rev, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("block range: %w", err)
	}
	return out, nil
}

func (h *handle) GetCarStream(ctx context.Context, since string, w io.Writer) error {
	return storage.WriteCarStream(ctx, h, since, w, h.store.opts.ExportOptions())
}
