package repo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/car"
	"github.com/systemshift/atrepo/internal/identity"
	"github.com/systemshift/atrepo/internal/mst"
	"github.com/systemshift/atrepo/internal/storage"
)

// VerifiedRepo is a repository checked end to end: signed commit, complete
// MST and every record it references.
type VerifiedRepo struct {
	CID    gocid.Cid
	Commit *Commit
	Data   *mst.MST

	// Blocks holds exactly the blocks reachable from the commit.
	Blocks *blocks.BlockMap

	// Unreachable lists supplied blocks nothing references. They are not an
	// error; a caller may discard them.
	Unreachable []gocid.Cid
}

// VerifyRepo checks the repository rooted at commit root inside bm.
// Any reachable block that is absent fails with a *blocks.MissingBlockError.
func VerifyRepo(ctx context.Context, root gocid.Cid, bm *blocks.BlockMap, did string, resolver identity.Resolver) (*VerifiedRepo, error) {
	commit, err := ReadCommit(ctx, bm, root)
	if err != nil {
		return nil, err
	}
	if err := VerifyCommit(ctx, commit, did, resolver); err != nil {
		return nil, err
	}
	tree, err := mst.Load(ctx, bm, commit.DataCID())
	if err != nil {
		return nil, err
	}

	reachable := blocks.NewBlockMap()
	raw, _ := bm.Get(root)
	reachable.Set(root, raw)
	err = tree.WalkBlocks(ctx, func(c gocid.Cid, data []byte) error {
		reachable.Set(c, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = tree.Walk(ctx, func(l mst.Leaf) error {
		data, ok := bm.Get(l.CID)
		if !ok {
			return blocks.NewMissingBlockError(l.CID)
		}
		reachable.Set(l.CID, data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var extra []gocid.Cid
	for _, c := range bm.CIDs() {
		if !reachable.Has(c) {
			extra = append(extra, c)
		}
	}
	return &VerifiedRepo{CID: root, Commit: commit, Data: tree, Blocks: reachable, Unreachable: extra}, nil
}

// ExportReachable writes a CAR of the commit at root, its MST and its
// records, read from bs. It does not depend on per-block revisions.
func ExportReachable(ctx context.Context, bs blocks.Getter, root gocid.Cid, w io.Writer) error {
	commit, err := ReadCommit(ctx, bs, root)
	if err != nil {
		return err
	}
	tree, err := mst.Load(ctx, bs, commit.DataCID())
	if err != nil {
		return err
	}
	raw, err := bs.GetBytes(ctx, root)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	cw, err := car.NewWriter(bw, root)
	if err != nil {
		return err
	}
	if err := cw.WriteBlock(root, raw); err != nil {
		return err
	}
	err = tree.WalkBlocks(ctx, func(c gocid.Cid, data []byte) error {
		return cw.WriteBlock(c, data)
	})
	if err != nil {
		return err
	}
	seen := blocks.NewCidSet()
	err = tree.Walk(ctx, func(l mst.Leaf) error {
		if seen.Has(l.CID) {
			return nil
		}
		seen.Add(l.CID)
		data, err := bs.GetBytes(ctx, l.CID)
		if err != nil {
			return err
		}
		if data == nil {
			return blocks.NewMissingBlockError(l.CID)
		}
		return cw.WriteBlock(l.CID, data)
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}

// ExportCar streams every block stored for the account with rev greater than
// since ("" for all), rooted at the current commit.
func (r *Repo) ExportCar(ctx context.Context, since string, w io.Writer) error {
	return r.storage.GetCarStream(ctx, since, w)
}

// ImportRepo verifies a full repository CAR and makes it s's head. If s
// already has a head, the imported commit must have a greater rev and the
// blocks only the old head referenced are removed.
func ImportRepo(ctx context.Context, s storage.RepoStorage, r io.Reader, resolver identity.Resolver, opts Options) (*Repo, error) {
	opts = opts.withDefaults()
	root, bm, err := car.ReadAll(r)
	if err != nil {
		return nil, opts.importFailed(err)
	}
	v, err := VerifyRepo(ctx, root, bm, s.DID(), resolver)
	if err != nil {
		return nil, opts.importFailed(err)
	}

	cd := storage.CommitData{CID: root, Rev: v.Commit.Rev, NewBlocks: v.Blocks, RemovedCids: blocks.NewCidSet()}
	cur, err := Load(ctx, s, opts)
	switch {
	case errors.Is(err, storage.ErrRepoRootNotFound):
	case err != nil:
		return nil, opts.importFailed(err)
	case cur.CID().Equals(root):
		return cur, nil
	default:
		if v.Commit.Rev <= cur.Rev() {
			return nil, opts.importFailed(fmt.Errorf("%w: importing %s over %s", ErrNonMonotonicRev, v.Commit.Rev, cur.Rev()))
		}
		diff, err := mst.Diff(ctx, cur.Data(), v.Data)
		if err != nil {
			return nil, opts.importFailed(err)
		}
		cd.Prev, cd.Since = cur.CID(), cur.Rev()
		cd.RemovedCids.AddSet(diff.RemovedMSTCids)
		cd.RemovedCids.AddSet(diff.RemovedLeafCids)
		// v.Blocks holds every block the new root reaches, records shared
		// by several keys included.
		for _, c := range v.Blocks.CIDs() {
			cd.RemovedCids.Delete(c)
		}
	}
	if err := s.ApplyCommit(ctx, cd); err != nil {
		return nil, opts.importFailed(err)
	}
	opts.Logger.Info("imported repo",
		slog.String("component", "sync"),
		slog.String("did", s.DID()),
		slog.String("rev", v.Commit.Rev),
		slog.Int("blocks", v.Blocks.Len()),
		slog.Int("unreachable", len(v.Unreachable)))
	return &Repo{storage: s, opts: opts, head: RootState{CID: root, Commit: v.Commit, Data: loadedFrom(v.Data, s)}}, nil
}

// ImportDiff merges an incremental CAR, as produced by ExportCar with since
// set to the replica's rev, into s. The CAR's root must descend from s's
// head; intermediate commits must be in the CAR.
func ImportDiff(ctx context.Context, s storage.RepoStorage, r io.Reader, resolver identity.Resolver, opts Options) (*Repo, error) {
	opts = opts.withDefaults()
	cur, err := Load(ctx, s, opts)
	if err != nil {
		return nil, opts.importFailed(err)
	}
	root, diffBlocks, err := car.ReadAll(r)
	if err != nil {
		return nil, opts.importFailed(err)
	}
	if root.Equals(cur.CID()) {
		return cur, nil
	}

	over := blocks.Overlay{Primary: diffBlocks, Fallback: s}
	commit, err := ReadCommit(ctx, over, root)
	if err != nil {
		return nil, opts.importFailed(err)
	}
	if err := VerifyCommit(ctx, commit, s.DID(), resolver); err != nil {
		return nil, opts.importFailed(err)
	}

	newBlocks := blocks.NewBlockMap()
	if err := linkChain(ctx, diffBlocks, cur, root, commit, newBlocks); err != nil {
		return nil, opts.importFailed(err)
	}

	tree, err := mst.Load(ctx, over, commit.DataCID())
	if err != nil {
		return nil, opts.importFailed(err)
	}
	diff, err := mst.Diff(ctx, cur.Data(), tree)
	if err != nil {
		return nil, opts.importFailed(err)
	}
	newBlocks.AddMap(diff.NewMSTBlocks)
	for _, c := range diff.NewLeafCids.List() {
		data, err := over.GetBytes(ctx, c)
		if err != nil {
			return nil, opts.importFailed(err)
		}
		if data == nil {
			return nil, opts.importFailed(blocks.NewMissingBlockError(c))
		}
		newBlocks.Set(c, data)
	}

	removed, err := unreachableAfter(ctx, tree, diff, newBlocks)
	if err != nil {
		return nil, opts.importFailed(err)
	}
	err = s.ApplyCommit(ctx, storage.CommitData{
		CID:         root,
		Rev:         commit.Rev,
		Since:       cur.Rev(),
		Prev:        cur.CID(),
		NewBlocks:   newBlocks,
		RemovedCids: removed,
	})
	if err != nil {
		return nil, opts.importFailed(err)
	}
	opts.Logger.Info("imported diff",
		slog.String("component", "sync"),
		slog.String("did", s.DID()),
		slog.String("since", cur.Rev()),
		slog.String("rev", commit.Rev),
		slog.Int("blocks", newBlocks.Len()),
		slog.Int("removed", removed.Len()))
	return &Repo{storage: s, opts: opts, head: RootState{CID: root, Commit: commit, Data: loadedFrom(tree, s)}}, nil
}

// linkChain follows prev links from head back to cur's commit through
// commits carried in diff, adding every commit block on the way to out.
func linkChain(ctx context.Context, diff *blocks.BlockMap, cur *Repo, headCID gocid.Cid, head *Commit, out *blocks.BlockMap) error {
	c, commit := headCID, head
	for {
		if data, ok := diff.Get(c); ok {
			out.Set(c, data)
		}
		prev := commit.PrevCID()
		if !prev.Defined() || prev.Equals(cur.CID()) {
			return VerifyCommitChain(cur.CID(), cur.Commit(), commit)
		}
		older, err := ReadCommit(ctx, diff, prev)
		if errors.Is(err, blocks.ErrMissingBlock) {
			return fmt.Errorf("%w: %s does not reach %s", ErrBrokenChain, headCID, cur.CID())
		}
		if err != nil {
			return err
		}
		if err := VerifyCommitChain(prev, older, commit); err != nil {
			return err
		}
		c, commit = prev, older
	}
}

// loadedFrom re-roots tree onto s, so later reads go to storage rather than
// the import buffer.
func loadedFrom(tree *mst.MST, s storage.RepoStorage) *mst.MST {
	return tree.WithStore(s)
}

func (o Options) importFailed(err error) error {
	o.Metrics.ImportFailed(importReason(err))
	return err
}

func importReason(err error) string {
	switch {
	case errors.Is(err, car.ErrMalformedCar):
		return "malformed"
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrDIDMismatch):
		return "did"
	case errors.Is(err, blocks.ErrMissingBlock):
		return "missing_block"
	case errors.Is(err, ErrBrokenChain), errors.Is(err, ErrNonMonotonicRev):
		return "chain"
	case errors.Is(err, storage.ErrConcurrentWrite):
		return "conflict"
	case errors.Is(err, storage.ErrCommitTooLarge):
		return "too_large"
	case errors.Is(err, storage.ErrRepoRootNotFound):
		return "no_root"
	default:
		return "error"
	}
}
