// Package repo is the commit engine: it turns batches of record writes into
// signed commits over an MST, persists them through storage.ApplyCommit and
// verifies repositories received from elsewhere.
//
// A *Repo is an immutable view of one commit. ApplyWrites returns the view
// of the commit it created.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/dagcbor"
	"github.com/systemshift/atrepo/internal/identity"
	"github.com/systemshift/atrepo/internal/metrics"
	"github.com/systemshift/atrepo/internal/mst"
	"github.com/systemshift/atrepo/internal/storage"
)

// Options configure a Repo. The zero value is usable.
type Options struct {
	// Clock mints revisions. Default: a clock with a random identifier.
	Clock *TIDClock

	// Logger is optional.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = NewRandomTIDClock()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// WriteOp is one record mutation. Record is encoded as DAG-CBOR and is
// ignored for deletes.
type WriteOp struct {
	Action     Action
	Collection string
	RKey       string
	Record     any
}

// Path is the MST key of the record.
func (w WriteOp) Path() string {
	return w.Collection + "/" + w.RKey
}

// Record is a stored record with its raw DAG-CBOR bytes.
type Record struct {
	Collection string
	RKey       string
	CID        gocid.Cid
	Data       []byte
}

// Value decodes the record.
func (r Record) Value() (any, error) {
	return dagcbor.UnmarshalAny(r.Data)
}

// RootState is the head a commit is computed against.
type RootState struct {
	CID    gocid.Cid
	Commit *Commit
	Data   *mst.MST
}

// Repo is one account's repository at a given commit.
type Repo struct {
	storage storage.RepoStorage
	opts    Options
	head    RootState
}

// InitRepo creates the genesis commit for s's account holding the given
// writes, which may be empty.
func InitRepo(ctx context.Context, s storage.RepoStorage, signer identity.Signer, writes []WriteOp, opts Options) (*Repo, error) {
	opts = opts.withDefaults()
	if signer.DID() != s.DID() {
		return nil, fmt.Errorf("%w: signer is %s, storage is %s", ErrDIDMismatch, signer.DID(), s.DID())
	}
	r := &Repo{
		storage: s,
		opts:    opts,
		head:    RootState{Data: mst.New(s)},
	}
	commit, err := r.format(ctx, writes, signer, true)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, commit)
}

// Load opens s's account at its current root.
func Load(ctx context.Context, s storage.RepoStorage, opts Options) (*Repo, error) {
	opts = opts.withDefaults()
	root, err := s.GetRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load repo %s: %w", s.DID(), err)
	}
	return loadAt(ctx, s, root, opts)
}

func loadAt(ctx context.Context, s storage.RepoStorage, root gocid.Cid, opts Options) (*Repo, error) {
	commit, err := ReadCommit(ctx, s, root)
	if err != nil {
		return nil, err
	}
	if commit.DID != s.DID() {
		return nil, fmt.Errorf("%w: commit %s is for %s", ErrDIDMismatch, root, commit.DID)
	}
	data, err := mst.Load(ctx, s, commit.DataCID())
	if err != nil {
		return nil, fmt.Errorf("load data for %s: %w", root, err)
	}
	return &Repo{storage: s, opts: opts, head: RootState{CID: root, Commit: commit, Data: data}}, nil
}

func (r *Repo) DID() string { return r.storage.DID() }
func (r *Repo) CID() gocid.Cid { return r.head.CID }
func (r *Repo) Commit() *Commit { return r.head.Commit }
func (r *Repo) Rev() string { return r.head.Commit.Rev }
func (r *Repo) Data() *mst.MST { return r.head.Data }
func (r *Repo) Head() RootState { return r.head }
func (r *Repo) Storage() storage.RepoStorage { return r.storage }

// GetRecord returns the record at collection/rkey, or an error matching
// ErrRecordNotFound.
func (r *Repo) GetRecord(ctx context.Context, collection, rkey string) (Record, error) {
	path := collection + "/" + rkey
	c, err := r.head.Data.Get(ctx, path)
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", path, err)
	}
	data, err := r.storage.GetBytes(ctx, c)
	if err != nil {
		return Record{}, fmt.Errorf("read record %s: %w", path, err)
	}
	if data == nil {
		return Record{}, blocks.NewMissingBlockError(c)
	}
	return Record{Collection: collection, RKey: rkey, CID: c, Data: data}, nil
}

// ListRecords returns every record of a collection in key order.
func (r *Repo) ListRecords(ctx context.Context, collection string) ([]Record, error) {
	leaves, err := r.head.Data.ListPrefix(ctx, collection+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	cids := make([]gocid.Cid, len(leaves))
	for i, l := range leaves {
		cids[i] = l.CID
	}
	found, missing, err := r.storage.GetBlocks(ctx, cids)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if len(missing) > 0 {
		return nil, blocks.NewMissingBlockError(missing[0])
	}
	out := make([]Record, len(leaves))
	for i, l := range leaves {
		data, _ := found.Get(l.CID)
		out[i] = Record{Collection: collection, RKey: l.Key[len(collection)+1:], CID: l.CID, Data: data}
	}
	return out, nil
}

// FormatCommit computes and signs the commit that applies writes on top of
// r without persisting it.
func (r *Repo) FormatCommit(ctx context.Context, writes []WriteOp, signer identity.Signer) (*PreparedCommit, error) {
	return r.format(ctx, writes, signer, false)
}

// ApplyWrites commits writes and returns the repository at the new commit.
// If the account's root moved since r was loaded the write fails with
// storage.ErrConcurrentWrite and nothing is persisted.
func (r *Repo) ApplyWrites(ctx context.Context, writes []WriteOp, signer identity.Signer) (*Repo, error) {
	if signer.DID() != r.DID() {
		return nil, fmt.Errorf("%w: signer is %s, repo is %s", ErrDIDMismatch, signer.DID(), r.DID())
	}
	p, err := r.format(ctx, writes, signer, false)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, p)
}

// PreparedCommit is a signed, not yet persisted commit together with the
// state it leads to.
type PreparedCommit struct {
	Data   storage.CommitData
	Commit *Commit
	Tree   *mst.MST
}

func (r *Repo) apply(ctx context.Context, p *PreparedCommit) (*Repo, error) {
	if err := r.storage.ApplyCommit(ctx, p.Data); err != nil {
		return nil, fmt.Errorf("apply commit %s: %w", p.Data.Rev, err)
	}
	r.opts.Logger.Info("commit",
		slog.String("component", "repo"),
		slog.String("did", r.DID()),
		slog.String("rev", p.Data.Rev),
		slog.String("cid", p.Data.CID.String()),
		slog.Int("blocks", p.Data.NewBlocks.Len()),
		slog.Int("removed", p.Data.RemovedCids.Len()))
	return &Repo{
		storage: r.storage,
		opts:    r.opts,
		head:    RootState{CID: p.Data.CID, Commit: p.Commit, Data: p.Tree},
	}, nil
}

func (r *Repo) format(ctx context.Context, writes []WriteOp, signer identity.Signer, genesis bool) (*PreparedCommit, error) {
	if len(writes) == 0 && !genesis {
		return nil, ErrNoWrites
	}
	tree := r.head.Data
	records := blocks.NewBlockMap()
	for _, w := range writes {
		var err error
		tree, err = applyWrite(ctx, tree, w, records)
		if err != nil {
			return nil, err
		}
	}
	var prev *RootState
	if !genesis {
		prev = &r.head
	}
	return CreateCommit(ctx, r.DID(), prev, tree, records, signer, r.opts.Clock)
}

func applyWrite(ctx context.Context, tree *mst.MST, w WriteOp, records *blocks.BlockMap) (*mst.MST, error) {
	path := w.Path()
	if err := mst.ValidateKey(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWrite, err)
	}
	switch w.Action {
	case ActionCreate, ActionUpdate:
		if w.Record == nil {
			return nil, fmt.Errorf("%w: %s %s without a record", ErrInvalidWrite, w.Action, path)
		}
		b, err := dagcbor.Encode(w.Record)
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", path, err)
		}
		records.Add(b)
		if w.Action == ActionCreate {
			return tree.Add(ctx, path, b.CID)
		}
		return tree.Update(ctx, path, b.CID)
	case ActionDelete:
		if _, err := tree.Get(ctx, path); err != nil {
			return nil, fmt.Errorf("delete %s: %w", path, err)
		}
		return tree.Delete(ctx, path)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidWrite, w.Action)
	}
}

// CreateCommit signs a commit moving prev (nil for genesis) to tree. The
// returned CommitData carries every MST node and record block the new head
// references that prev did not, plus the commit block itself; RemovedCids
// holds the nodes and records that only prev referenced. Entries of
// records that tree does not reference are dropped.
func CreateCommit(ctx context.Context, did string, prev *RootState, tree *mst.MST, records *blocks.BlockMap, signer identity.Signer, clock *TIDClock) (*PreparedCommit, error) {
	var (
		from    *mst.MST
		prevCID gocid.Cid
		prevRev string
	)
	if prev != nil {
		from, prevCID, prevRev = prev.Data, prev.CID, prev.Commit.Rev
	}
	diff, err := mst.Diff(ctx, from, tree)
	if err != nil {
		return nil, fmt.Errorf("diff data: %w", err)
	}

	rev, err := clock.NextAfter(prevRev)
	if err != nil {
		return nil, err
	}
	commit, err := UnsignedCommit{
		DID:     did,
		Version: CommitVersion,
		Data:    dagcbor.NewLink(tree.Root()),
		Rev:     rev,
		Prev:    dagcbor.LinkPtr(prevCID),
	}.Sign(signer)
	if err != nil {
		return nil, err
	}
	cb, err := commit.Block()
	if err != nil {
		return nil, err
	}

	newBlocks := blocks.NewBlockMap()
	newBlocks.AddMap(diff.NewMSTBlocks)
	for _, c := range diff.NewLeafCids.List() {
		if data, ok := records.Get(c); ok {
			newBlocks.Set(c, data)
		}
	}
	newBlocks.Add(cb)

	removed, err := unreachableAfter(ctx, tree, diff, newBlocks)
	if err != nil {
		return nil, err
	}

	return &PreparedCommit{
		Data: storage.CommitData{
			CID:         cb.CID,
			Rev:         rev,
			Since:       prevRev,
			Prev:        prevCID,
			NewBlocks:   newBlocks,
			RemovedCids: removed,
		},
		Commit: commit,
		Tree:   tree,
	}, nil
}

// unreachableAfter returns the nodes and records diff dropped that are not
// reachable from to. A record CID leaves the diff whenever one key stops
// holding it, so it only counts as removed once no other key of to holds
// the same value. Blocks in keep are never removed.
func unreachableAfter(ctx context.Context, to *mst.MST, diff *mst.DataDiff, keep *blocks.BlockMap) (*blocks.CidSet, error) {
	removed := blocks.NewCidSet()
	removed.AddSet(diff.RemovedMSTCids)
	if diff.RemovedLeafCids.Len() > 0 {
		leaves := blocks.NewCidSet(diff.RemovedLeafCids.List()...)
		live, err := to.ReferencedValues(ctx, leaves)
		if err != nil {
			return nil, fmt.Errorf("check removed records: %w", err)
		}
		leaves.SubtractSet(live)
		removed.AddSet(leaves)
	}
	for _, c := range keep.CIDs() {
		removed.Delete(c)
	}
	return removed, nil
}

// IsNotFound reports whether err means a record or repo root is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, storage.ErrRepoRootNotFound)
}
