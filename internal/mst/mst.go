// Package mst implements the Merkle Search Tree that maps record keys to
// record CIDs. The tree shape is a pure function of its contents, so two
// trees holding the same key/value pairs always share a root CID.
//
// An *MST is immutable. Every mutation returns a new tree that shares all
// untouched subtrees with its parent; only the nodes on the path to the
// changed key are re-serialized. Nodes are loaded lazily from a
// blocks.Getter, and a missing node is always reported as a
// *blocks.MissingBlockError.
package mst

import (
	"context"
	"errors"
	"fmt"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
)

var emptyRoot *ref

func init() {
	r, err := newRef(&node{})
	if err != nil {
		panic(fmt.Sprintf("mst: encode empty node: %v", err))
	}
	emptyRoot = r
}

// MST is a persistent Merkle Search Tree.
type MST struct {
	store blocks.Getter
	root  *ref
	layer int
}

// Leaf is one key/value pair of the tree.
type Leaf struct {
	Key string
	CID gocid.Cid
}

// New returns an empty tree backed by store.
func New(store blocks.Getter) *MST {
	return &MST{store: store, root: emptyRoot}
}

// Load opens the tree rooted at root. The root node is fetched eagerly so a
// missing or malformed root fails here rather than on first use.
func Load(ctx context.Context, store blocks.Getter, root gocid.Cid) (*MST, error) {
	if !root.Defined() {
		return nil, fmt.Errorf("load mst: %w", blocks.ErrUndefinedCID)
	}
	r := &ref{cid: root}
	n, err := fetch(ctx, store, r)
	if err != nil {
		return nil, err
	}
	layer := 0
	switch {
	case len(n.entries) > 0:
		layer = LayerForKey(n.entries[0].key)
	case n.left != nil:
		return nil, fmt.Errorf("%w: root %s has no entries but a subtree", ErrInvalidTree, root)
	}
	if err := validate(n, layer); err != nil {
		return nil, err
	}
	r.n.Store(n)
	return &MST{store: store, root: r, layer: layer}, nil
}

func fetch(ctx context.Context, store blocks.Getter, r *ref) (*node, error) {
	data, err := store.GetBytes(ctx, r.cid)
	if err != nil {
		return nil, fmt.Errorf("read mst node %s: %w", r.cid, err)
	}
	if data == nil {
		return nil, blocks.NewMissingBlockError(r.cid)
	}
	n, err := decodeNode(data)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", r.cid, err)
	}
	return n, nil
}

// load returns the node behind r, which must sit at layer.
func (m *MST) load(ctx context.Context, r *ref, layer int) (*node, error) {
	if n := r.n.Load(); n != nil {
		return n, nil
	}
	n, err := fetch(ctx, m.store, r)
	if err != nil {
		return nil, err
	}
	if n.empty() {
		return nil, fmt.Errorf("%w: empty interior node %s", ErrInvalidTree, r.cid)
	}
	if err := validate(n, layer); err != nil {
		return nil, fmt.Errorf("node %s: %w", r.cid, err)
	}
	r.n.Store(n)
	return n, nil
}

func (m *MST) derive(root *ref, layer int) *MST {
	if root == nil {
		return New(m.store)
	}
	return &MST{store: m.store, root: root, layer: layer}
}

// WithStore returns the same tree reading unloaded nodes from store. Nodes
// already in memory are shared.
func (m *MST) WithStore(store blocks.Getter) *MST {
	return &MST{store: store, root: m.root, layer: m.layer}
}

// Root returns the CID of the root node.
func (m *MST) Root() gocid.Cid {
	return m.root.cid
}

// Layer returns the layer of the root node.
func (m *MST) Layer() int {
	return m.layer
}

// IsEmpty reports whether the tree holds no keys.
func (m *MST) IsEmpty() bool {
	n := m.root.n.Load()
	return n != nil && n.empty()
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (m *MST) Get(ctx context.Context, key string) (gocid.Cid, error) {
	r, layer := m.root, m.layer
	for r != nil && layer >= 0 {
		n, err := m.load(ctx, r, layer)
		if err != nil {
			return gocid.Undef, err
		}
		i := n.find(key)
		if i < len(n.entries) && n.entries[i].key == key {
			return n.entries[i].val, nil
		}
		r = n.region(i)
		layer--
	}
	return gocid.Undef, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

// Add inserts a new key. Adding a key that is already present fails with
// ErrKeyExists; use Put to upsert.
func (m *MST) Add(ctx context.Context, key string, val gocid.Cid) (*MST, error) {
	if _, err := m.Get(ctx, key); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, key)
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	return m.Put(ctx, key, val)
}

// Update replaces the value of an existing key.
func (m *MST) Update(ctx context.Context, key string, val gocid.Cid) (*MST, error) {
	if _, err := m.Get(ctx, key); err != nil {
		return nil, err
	}
	return m.Put(ctx, key, val)
}

// Put inserts key or replaces its value. Replacing a value with itself
// returns m unchanged.
func (m *MST) Put(ctx context.Context, key string, val gocid.Cid) (*MST, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if !val.Defined() {
		return nil, fmt.Errorf("put %s: %w", key, ErrInvalidCID)
	}
	kl := LayerForKey(key)
	root, layer := m.root, m.layer
	if m.IsEmpty() {
		root, layer = nil, kl
	}
	for ; layer < kl; layer++ {
		wrapped, err := newRef(&node{left: root})
		if err != nil {
			return nil, err
		}
		root = wrapped
	}
	next, err := m.insert(ctx, root, layer, key, kl, val)
	if err != nil {
		return nil, err
	}
	if next == m.root {
		return m, nil
	}
	return m.derive(next, layer), nil
}

// Delete removes key. Deleting an absent key returns m unchanged.
func (m *MST) Delete(ctx context.Context, key string) (*MST, error) {
	kl := LayerForKey(key)
	if kl > m.layer || m.IsEmpty() {
		return m, nil
	}
	next, changed, err := m.remove(ctx, m.root, m.layer, key, kl)
	if err != nil {
		return nil, err
	}
	if !changed {
		return m, nil
	}
	layer := m.layer
	for next != nil {
		n, err := m.load(ctx, next, layer)
		if err != nil {
			return nil, err
		}
		if len(n.entries) > 0 || n.left == nil {
			break
		}
		next = n.left
		layer--
	}
	return m.derive(next, layer), nil
}

func (m *MST) insert(ctx context.Context, r *ref, layer int, key string, kl int, val gocid.Cid) (*ref, error) {
	if r == nil {
		if kl == layer {
			return newRef(&node{entries: []entry{{key: key, val: val}}})
		}
		child, err := m.insert(ctx, nil, layer-1, key, kl, val)
		if err != nil {
			return nil, err
		}
		return newRef(&node{left: child})
	}
	n, err := m.load(ctx, r, layer)
	if err != nil {
		return nil, err
	}
	i := n.find(key)
	if i < len(n.entries) && n.entries[i].key == key {
		if n.entries[i].val.Equals(val) {
			return r, nil
		}
		c := n.clone()
		c.entries[i].val = val
		return newRef(c)
	}
	if kl == layer {
		lo, hi, err := m.split(ctx, n.region(i), layer-1, key)
		if err != nil {
			return nil, err
		}
		c := n.clone()
		c.setRegion(i, lo)
		c.entries = append(c.entries, entry{})
		copy(c.entries[i+1:], c.entries[i:])
		c.entries[i] = entry{key: key, val: val, right: hi}
		return newRef(c)
	}
	region := n.region(i)
	child, err := m.insert(ctx, region, layer-1, key, kl, val)
	if err != nil {
		return nil, err
	}
	if child == region {
		return r, nil
	}
	c := n.clone()
	c.setRegion(i, child)
	return newRef(c)
}

// split divides the subtree r at layer into the keys below and above key,
// which must not be present.
func (m *MST) split(ctx context.Context, r *ref, layer int, key string) (lo, hi *ref, err error) {
	if r == nil {
		return nil, nil, nil
	}
	n, err := m.load(ctx, r, layer)
	if err != nil {
		return nil, nil, err
	}
	i := n.find(key)
	region := n.region(i)
	sl, sh, err := m.split(ctx, region, layer-1, key)
	if err != nil {
		return nil, nil, err
	}
	if i == len(n.entries) && sh == nil && sl == region {
		return r, nil, nil
	}
	if i == 0 && sl == nil && sh == region {
		return nil, r, nil
	}
	loNode := &node{left: n.left, entries: cloneEntries(n.entries[:i])}
	loNode.setRegion(i, sl)
	hiNode := &node{left: sh, entries: cloneEntries(n.entries[i:])}
	if lo, err = mk(loNode); err != nil {
		return nil, nil, err
	}
	if hi, err = mk(hiNode); err != nil {
		return nil, nil, err
	}
	return lo, hi, nil
}

func (m *MST) remove(ctx context.Context, r *ref, layer int, key string, kl int) (*ref, bool, error) {
	if r == nil || kl > layer {
		return r, false, nil
	}
	n, err := m.load(ctx, r, layer)
	if err != nil {
		return nil, false, err
	}
	i := n.find(key)
	if kl == layer {
		if i == len(n.entries) || n.entries[i].key != key {
			return r, false, nil
		}
		merged, err := m.merge(ctx, n.region(i), n.entries[i].right, layer-1)
		if err != nil {
			return nil, false, err
		}
		c := &node{left: n.left, entries: make([]entry, 0, len(n.entries)-1)}
		c.entries = append(c.entries, n.entries[:i]...)
		c.entries = append(c.entries, n.entries[i+1:]...)
		c.setRegion(i, merged)
		next, err := mk(c)
		return next, true, err
	}
	child, changed, err := m.remove(ctx, n.region(i), layer-1, key, kl)
	if err != nil || !changed {
		return r, false, err
	}
	c := n.clone()
	c.setRegion(i, child)
	next, err := mk(c)
	return next, true, err
}

// merge joins two adjacent subtrees at layer; every key of a sorts before
// every key of b.
func (m *MST) merge(ctx context.Context, a, b *ref, layer int) (*ref, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	na, err := m.load(ctx, a, layer)
	if err != nil {
		return nil, err
	}
	nb, err := m.load(ctx, b, layer)
	if err != nil {
		return nil, err
	}
	last := len(na.entries)
	mid, err := m.merge(ctx, na.region(last), nb.left, layer-1)
	if err != nil {
		return nil, err
	}
	c := na.clone()
	c.setRegion(last, mid)
	c.entries = append(c.entries, nb.entries...)
	return mk(c)
}

// GetUnstoredBlocks returns the root CID together with every node built in
// memory since the tree was loaded and still reachable from the root.
func (m *MST) GetUnstoredBlocks() (gocid.Cid, *blocks.BlockMap) {
	bm := blocks.NewBlockMap()
	var visit func(r *ref)
	visit = func(r *ref) {
		if r == nil || !r.dirty || bm.Has(r.cid) {
			return
		}
		n := r.n.Load()
		bm.Set(r.cid, n.raw)
		visit(n.left)
		for _, e := range n.entries {
			visit(e.right)
		}
	}
	visit(m.root)
	return m.root.cid, bm
}
