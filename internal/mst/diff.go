package mst

import (
	"context"
	"sort"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
)

type DataAdd struct {
	Key string
	CID gocid.Cid
}

type DataUpdate struct {
	Key  string
	Prev gocid.Cid
	CID  gocid.Cid
}

type DataDelete struct {
	Key string
	CID gocid.Cid
}

// DataDiff describes how to get from one tree to another: the key-level
// changes plus the node and leaf blocks that appear or disappear.
type DataDiff struct {
	Adds    []DataAdd
	Updates []DataUpdate
	Deletes []DataDelete

	NewMSTBlocks    *blocks.BlockMap
	RemovedMSTCids  *blocks.CidSet
	NewLeafCids     *blocks.CidSet
	RemovedLeafCids *blocks.CidSet
}

// Ops returns the number of key-level changes.
func (d *DataDiff) Ops() int {
	return len(d.Adds) + len(d.Updates) + len(d.Deletes)
}

// Diff compares from and to. A nil from is treated as having no nodes at
// all, so every node of to is new.
//
// Both trees are walked one layer at a time. At each layer the nodes whose
// CID occurs on both sides are dropped before descending, so shared subtrees
// are never read and the cost tracks the size of the change rather than the
// size of the trees.
func Diff(ctx context.Context, from, to *MST) (*DataDiff, error) {
	d := &DataDiff{
		NewMSTBlocks:    blocks.NewBlockMap(),
		RemovedMSTCids:  blocks.NewCidSet(),
		NewLeafCids:     blocks.NewCidSet(),
		RemovedLeafCids: blocks.NewCidSet(),
	}
	oldLeaves := map[string]gocid.Cid{}
	newLeaves := map[string]gocid.Cid{}

	top := to.layer
	if from != nil && from.layer > top {
		top = from.layer
	}
	var olds, news []*ref
	for layer := top; layer >= 0; layer-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if from != nil && from.layer == layer {
			olds = append(olds, from.root)
		}
		if to.layer == layer {
			news = append(news, to.root)
		}
		inOld := cidKeys(olds)
		inNew := cidKeys(news)

		var nextOld, nextNew []*ref
		for _, r := range olds {
			if inNew[r.cid.KeyString()] {
				continue
			}
			n, err := from.load(ctx, r, layer)
			if err != nil {
				return nil, err
			}
			d.RemovedMSTCids.Add(r.cid)
			nextOld = collect(n, oldLeaves, nextOld)
		}
		for _, r := range news {
			if inOld[r.cid.KeyString()] {
				continue
			}
			n, err := to.load(ctx, r, layer)
			if err != nil {
				return nil, err
			}
			d.NewMSTBlocks.Set(r.cid, n.raw)
			nextNew = collect(n, newLeaves, nextNew)
		}
		olds, news = nextOld, nextNew
	}

	for key, c := range newLeaves {
		prev, ok := oldLeaves[key]
		switch {
		case !ok:
			d.Adds = append(d.Adds, DataAdd{Key: key, CID: c})
			d.NewLeafCids.Add(c)
		case !prev.Equals(c):
			d.Updates = append(d.Updates, DataUpdate{Key: key, Prev: prev, CID: c})
			d.NewLeafCids.Add(c)
			d.RemovedLeafCids.Add(prev)
		}
	}
	for key, c := range oldLeaves {
		if _, ok := newLeaves[key]; !ok {
			d.Deletes = append(d.Deletes, DataDelete{Key: key, CID: c})
			d.RemovedLeafCids.Add(c)
		}
	}
	d.RemovedLeafCids.SubtractSet(d.NewLeafCids)
	for _, c := range d.NewMSTBlocks.CIDs() {
		d.RemovedMSTCids.Delete(c)
	}

	sort.Slice(d.Adds, func(i, j int) bool { return d.Adds[i].Key < d.Adds[j].Key })
	sort.Slice(d.Updates, func(i, j int) bool { return d.Updates[i].Key < d.Updates[j].Key })
	sort.Slice(d.Deletes, func(i, j int) bool { return d.Deletes[i].Key < d.Deletes[j].Key })
	return d, nil
}

func cidKeys(refs []*ref) map[string]bool {
	out := make(map[string]bool, len(refs))
	for _, r := range refs {
		out[r.cid.KeyString()] = true
	}
	return out
}

// collect records the entries of n and appends its subtrees to next.
func collect(n *node, leaves map[string]gocid.Cid, next []*ref) []*ref {
	if n.left != nil {
		next = append(next, n.left)
	}
	for _, e := range n.entries {
		leaves[e.key] = e.val
		if e.right != nil {
			next = append(next, e.right)
		}
	}
	return next
}
