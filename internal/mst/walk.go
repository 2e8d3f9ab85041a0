package mst

import (
	"context"
	"errors"
	"strings"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
)

// Walk calls fn for every leaf in key order. Returning ErrStopWalk from fn
// ends the walk without error.
func (m *MST) Walk(ctx context.Context, fn func(Leaf) error) error {
	return m.walkFrom(ctx, "", fn)
}

func (m *MST) walkFrom(ctx context.Context, from string, fn func(Leaf) error) error {
	err := m.walk(ctx, m.root, m.layer, from, fn)
	if errors.Is(err, ErrStopWalk) {
		return nil
	}
	return err
}

// walk visits the leaves of r with key >= from.
func (m *MST) walk(ctx context.Context, r *ref, layer int, from string, fn func(Leaf) error) error {
	if r == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := m.load(ctx, r, layer)
	if err != nil {
		return err
	}
	for i := n.find(from); i <= len(n.entries); i++ {
		if err := m.walk(ctx, n.region(i), layer-1, from, fn); err != nil {
			return err
		}
		if i < len(n.entries) {
			e := n.entries[i]
			if err := fn(Leaf{Key: e.key, CID: e.val}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Leaves returns every leaf in key order.
func (m *MST) Leaves(ctx context.Context) ([]Leaf, error) {
	var out []Leaf
	err := m.Walk(ctx, func(l Leaf) error {
		out = append(out, l)
		return nil
	})
	return out, err
}

// List returns up to limit leaves whose key sorts strictly after after.
// A limit <= 0 means no limit.
func (m *MST) List(ctx context.Context, after string, limit int) ([]Leaf, error) {
	from := ""
	if after != "" {
		from = after + "\x00"
	}
	var out []Leaf
	err := m.walkFrom(ctx, from, func(l Leaf) error {
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			return ErrStopWalk
		}
		return nil
	})
	return out, err
}

// ListPrefix returns every leaf whose key starts with prefix.
func (m *MST) ListPrefix(ctx context.Context, prefix string) ([]Leaf, error) {
	var out []Leaf
	err := m.walkFrom(ctx, prefix, func(l Leaf) error {
		if !strings.HasPrefix(l.Key, prefix) {
			return ErrStopWalk
		}
		out = append(out, l)
		return nil
	})
	return out, err
}

// WalkBlocks calls fn with every node block reachable from the root, parents
// before children.
func (m *MST) WalkBlocks(ctx context.Context, fn func(c gocid.Cid, data []byte) error) error {
	err := m.walkBlocks(ctx, m.root, m.layer, fn)
	if errors.Is(err, ErrStopWalk) {
		return nil
	}
	return err
}

func (m *MST) walkBlocks(ctx context.Context, r *ref, layer int, fn func(gocid.Cid, []byte) error) error {
	if r == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := m.load(ctx, r, layer)
	if err != nil {
		return err
	}
	if err := fn(r.cid, n.raw); err != nil {
		return err
	}
	if err := m.walkBlocks(ctx, n.left, layer-1, fn); err != nil {
		return err
	}
	for _, e := range n.entries {
		if err := m.walkBlocks(ctx, e.right, layer-1, fn); err != nil {
			return err
		}
	}
	return nil
}

// AllNodes returns the CIDs of every node reachable from the root.
func (m *MST) AllNodes(ctx context.Context) (*blocks.CidSet, error) {
	set := blocks.NewCidSet()
	err := m.WalkBlocks(ctx, func(c gocid.Cid, _ []byte) error {
		set.Add(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Reachable returns every node CID and every leaf value CID reachable from
// the root.
func (m *MST) Reachable(ctx context.Context) (*blocks.CidSet, error) {
	set, err := m.AllNodes(ctx)
	if err != nil {
		return nil, err
	}
	err = m.Walk(ctx, func(l Leaf) error {
		set.Add(l.CID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ReferencedValues returns the members of cids that some leaf of the tree
// still holds as its value. The walk ends as soon as every candidate is
// found.
func (m *MST) ReferencedValues(ctx context.Context, cids *blocks.CidSet) (*blocks.CidSet, error) {
	found := blocks.NewCidSet()
	if cids == nil || cids.Len() == 0 {
		return found, nil
	}
	err := m.Walk(ctx, func(l Leaf) error {
		if cids.Has(l.CID) {
			found.Add(l.CID)
			if found.Len() == cids.Len() {
				return ErrStopWalk
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
