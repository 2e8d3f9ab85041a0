// Package storage defines the persistence contract for account
// repositories: immutable blocks stamped with the revision that introduced
// them, plus one root pointer per account that only ever moves by an atomic
// compare-and-swap in ApplyCommit.
//
// Backends live in subpackages (memstore, badgerstore, sqlstore) and are all
// held to the same behaviour by the storagetest conformance suite.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/car"
)

var (
	ErrRepoRootNotFound = errors.New("repo root not found")
	ErrConcurrentWrite  = errors.New("concurrent write: repo root changed")
	ErrNonMonotonicRev  = errors.New("commit rev is not greater than current rev")
	ErrClosed           = errors.New("storage closed")

	// ErrCommitTooLarge means a backend cannot apply the commit in one
	// atomic write. Nothing is persisted.
	ErrCommitTooLarge = errors.New("commit too large for one write")
)

// DefaultGetBlocksBatch is how many CIDs a backend looks up per round trip.
const DefaultGetBlocksBatch = 500

// Root is the durable per-account head.
type Root struct {
	CID       gocid.Cid
	Rev       string
	IndexedAt time.Time
}

// CommitData is everything one write contributes: the new commit, the
// blocks it created and the blocks it made unreachable. Prev is the commit
// the write was computed against (undefined for the genesis commit) and is
// what ApplyCommit compares the current root with.
type CommitData struct {
	CID         gocid.Cid
	Rev         string
	Since       string
	Prev        gocid.Cid
	NewBlocks   *blocks.BlockMap
	RemovedCids *blocks.CidSet
}

// ReadableBlockstore is the read side used by tree loading and CAR import.
type ReadableBlockstore interface {
	blocks.Getter
	Has(ctx context.Context, c gocid.Cid) (bool, error)
	GetBlocks(ctx context.Context, cids []gocid.Cid) (*blocks.BlockMap, []gocid.Cid, error)
}

// RepoStorage is one account's view of a backend.
type RepoStorage interface {
	ReadableBlockstore
	car.BlockRanger

	DID() string

	// GetRoot returns the current commit CID or ErrRepoRootNotFound.
	GetRoot(ctx context.Context) (gocid.Cid, error)
	GetRootDetailed(ctx context.Context) (Root, error)

	// PutBlock and PutMany insert blocks that are not already present;
	// an existing CID is never overwritten.
	PutBlock(ctx context.Context, c gocid.Cid, data []byte, rev string) error
	PutMany(ctx context.Context, bm *blocks.BlockMap, rev string) error
	DeleteMany(ctx context.Context, cids []gocid.Cid) error

	// ApplyCommit removes RemovedCids, inserts NewBlocks and advances the
	// root to CID in one transaction. It fails with ErrConcurrentWrite if
	// the root is no longer Prev and with ErrNonMonotonicRev if Rev does
	// not sort after the current rev. Re-applying the commit that is
	// already the root is a no-op.
	ApplyCommit(ctx context.Context, commit CommitData) error

	// GetCarStream writes a CAR of every block with rev > since ("" for
	// all blocks), rooted at the current commit.
	GetCarStream(ctx context.Context, since string, w io.Writer) error
}

// Backend owns the durable resources shared by many accounts.
type Backend interface {
	ForDID(did string) RepoStorage
	Name() string
	Close() error
}

// CheckAdvance validates moving from cur (nil when the account has no root)
// to commit. Backends call it inside their write transaction.
func CheckAdvance(cur *Root, commit CommitData) (alreadyApplied bool, err error) {
	if cur == nil {
		if commit.Prev.Defined() {
			return false, ErrConcurrentWrite
		}
		return false, nil
	}
	if cur.CID.Equals(commit.CID) && cur.Rev == commit.Rev {
		return true, nil
	}
	if !commit.Prev.Defined() || !cur.CID.Equals(commit.Prev) {
		return false, ErrConcurrentWrite
	}
	if commit.Rev <= cur.Rev {
		return false, ErrNonMonotonicRev
	}
	return false, nil
}

// ResultLabel maps an ApplyCommit error to a metrics label.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConcurrentWrite):
		return "conflict"
	case errors.Is(err, ErrNonMonotonicRev):
		return "non_monotonic"
	case errors.Is(err, ErrCommitTooLarge):
		return "too_large"
	default:
		return "error"
	}
}

// BatchCids splits cids into chunks of at most size.
func BatchCids(cids []gocid.Cid, size int) [][]gocid.Cid {
	if size <= 0 {
		size = DefaultGetBlocksBatch
	}
	var out [][]gocid.Cid
	for len(cids) > size {
		out = append(out, cids[:size])
		cids = cids[size:]
	}
	if len(cids) > 0 {
		out = append(out, cids)
	}
	return out
}
