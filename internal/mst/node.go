package mst

import (
	"fmt"
	"sort"
	"sync/atomic"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/dagcbor"
)

// nodeData is the wire form of a tree node.
type nodeData struct {
	Left    *dagcbor.Link `cbor:"l"`
	Entries []entryData   `cbor:"e"`
}

// entryData is one key/value pair inside a node. The key is stored as the
// length of the prefix shared with the previous entry (P) plus the remaining
// bytes (K). T is the subtree holding keys between this entry and the next.
type entryData struct {
	P int           `cbor:"p"`
	K []byte        `cbor:"k"`
	V dagcbor.Link  `cbor:"v"`
	T *dagcbor.Link `cbor:"t"`
}

// ref points at a node by CID. The node is decoded on first use and cached;
// dirty refs were built in memory and are not yet known to any store.
type ref struct {
	cid   gocid.Cid
	dirty bool
	n     atomic.Pointer[node]
}

type node struct {
	left    *ref
	entries []entry
	raw     []byte
}

type entry struct {
	key   string
	val   gocid.Cid
	right *ref
}

// region returns the subtree left of entry i; region(len) is the subtree
// after the last entry.
func (n *node) region(i int) *ref {
	if i == 0 {
		return n.left
	}
	return n.entries[i-1].right
}

func (n *node) setRegion(i int, r *ref) {
	if i == 0 {
		n.left = r
		return
	}
	n.entries[i-1].right = r
}

// find returns the index of the first entry whose key is >= key.
func (n *node) find(key string) int {
	return sort.Search(len(n.entries), func(i int) bool {
		return n.entries[i].key >= key
	})
}

func (n *node) clone() *node {
	return &node{left: n.left, entries: cloneEntries(n.entries)}
}

func cloneEntries(es []entry) []entry {
	out := make([]entry, len(es), len(es)+1)
	copy(out, es)
	return out
}

func (n *node) empty() bool {
	return len(n.entries) == 0 && n.left == nil
}

func linkOf(r *ref) *dagcbor.Link {
	if r == nil {
		return nil
	}
	return dagcbor.LinkPtr(r.cid)
}

func (n *node) encode() ([]byte, error) {
	nd := nodeData{
		Left:    linkOf(n.left),
		Entries: make([]entryData, 0, len(n.entries)),
	}
	prev := ""
	for _, e := range n.entries {
		p := commonPrefixLen(prev, e.key)
		nd.Entries = append(nd.Entries, entryData{
			P: p,
			K: []byte(e.key[p:]),
			V: dagcbor.NewLink(e.val),
			T: linkOf(e.right),
		})
		prev = e.key
	}
	return dagcbor.Marshal(nd)
}

// newRef serializes n and returns a dirty ref to it. Children must already
// carry their CIDs, which holds because trees are built bottom-up.
func newRef(n *node) (*ref, error) {
	data, err := n.encode()
	if err != nil {
		return nil, fmt.Errorf("encode mst node: %w", err)
	}
	c, err := blocks.ComputeCID(blocks.CodecDagCBOR, data)
	if err != nil {
		return nil, err
	}
	n.raw = data
	r := &ref{cid: c, dirty: true}
	r.n.Store(n)
	return r, nil
}

// mk returns a ref for n, or nil when n holds nothing.
func mk(n *node) (*ref, error) {
	if n.empty() {
		return nil, nil
	}
	return newRef(n)
}

func decodeNode(data []byte) (*node, error) {
	var nd nodeData
	if err := dagcbor.Unmarshal(data, &nd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTree, err)
	}
	n := &node{raw: data, entries: make([]entry, 0, len(nd.Entries))}
	if nd.Left != nil {
		n.left = &ref{cid: nd.Left.CID}
	}
	prev := ""
	for i, ed := range nd.Entries {
		if ed.P < 0 || ed.P > len(prev) || (i == 0 && ed.P != 0) {
			return nil, fmt.Errorf("%w: entry %d prefix length %d", ErrInvalidTree, i, ed.P)
		}
		key := prev[:ed.P] + string(ed.K)
		if i > 0 && key <= prev {
			return nil, fmt.Errorf("%w: entry %d key %q out of order", ErrInvalidTree, i, key)
		}
		if !ed.V.CID.Defined() {
			return nil, fmt.Errorf("%w: entry %d has no value", ErrInvalidTree, i)
		}
		e := entry{key: key, val: ed.V.CID}
		if ed.T != nil {
			e.right = &ref{cid: ed.T.CID}
		}
		n.entries = append(n.entries, e)
		prev = key
	}
	return n, nil
}

// validate checks that every entry of n belongs at layer and that layer-0
// nodes carry no subtrees.
func validate(n *node, layer int) error {
	for _, e := range n.entries {
		if l := LayerForKey(e.key); l != layer {
			return fmt.Errorf("%w: key %q has layer %d in a layer %d node", ErrInvalidTree, e.key, l, layer)
		}
	}
	if layer == 0 {
		if n.left != nil {
			return fmt.Errorf("%w: layer 0 node has a subtree", ErrInvalidTree)
		}
		for _, e := range n.entries {
			if e.right != nil {
				return fmt.Errorf("%w: layer 0 node has a subtree", ErrInvalidTree)
			}
		}
	}
	return nil
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
