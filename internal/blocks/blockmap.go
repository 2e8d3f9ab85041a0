package blocks

import (
	"bytes"
	"context"
	"sort"

	gocid "github.com/ipfs/go-cid"
)

// Getter is the read side of a block source. GetBytes returns (nil, nil)
// when the block is absent; a non-nil error is reserved for transport or
// backend failures.
type Getter interface {
	GetBytes(ctx context.Context, c gocid.Cid) ([]byte, error)
}

// BlockMap maps CIDs to block bytes. The zero value is not usable; use
// NewBlockMap.
type BlockMap struct {
	m    map[string]Block
	size int
}

// NewBlockMap returns an empty BlockMap.
func NewBlockMap() *BlockMap {
	return &BlockMap{m: make(map[string]Block)}
}

// Set stores data under c. Setting an existing CID is a no-op since equal
// CIDs always carry equal bytes.
func (bm *BlockMap) Set(c gocid.Cid, data []byte) {
	k := c.KeyString()
	if _, ok := bm.m[k]; ok {
		return
	}
	bm.m[k] = Block{CID: c, Data: data}
	bm.size += len(data)
}

// Add stores a block.
func (bm *BlockMap) Add(b Block) {
	bm.Set(b.CID, b.Data)
}

// Get returns the bytes for c.
func (bm *BlockMap) Get(c gocid.Cid) ([]byte, bool) {
	b, ok := bm.m[c.KeyString()]
	return b.Data, ok
}

// GetBytes implements Getter.
func (bm *BlockMap) GetBytes(_ context.Context, c gocid.Cid) ([]byte, error) {
	data, _ := bm.Get(c)
	return data, nil
}

// Has reports whether c is present.
func (bm *BlockMap) Has(c gocid.Cid) bool {
	_, ok := bm.m[c.KeyString()]
	return ok
}

// Delete removes c.
func (bm *BlockMap) Delete(c gocid.Cid) {
	k := c.KeyString()
	if b, ok := bm.m[k]; ok {
		bm.size -= len(b.Data)
		delete(bm.m, k)
	}
}

// GetMany partitions cids into the blocks found here and the CIDs missing.
func (bm *BlockMap) GetMany(cids []gocid.Cid) (*BlockMap, []gocid.Cid) {
	found := NewBlockMap()
	var missing []gocid.Cid
	for _, c := range cids {
		if data, ok := bm.Get(c); ok {
			found.Set(c, data)
		} else {
			missing = append(missing, c)
		}
	}
	return found, missing
}

// AddMap unions other into bm.
func (bm *BlockMap) AddMap(other *BlockMap) {
	if other == nil {
		return
	}
	for _, b := range other.m {
		bm.Set(b.CID, b.Data)
	}
}

// Len returns the number of blocks.
func (bm *BlockMap) Len() int {
	return len(bm.m)
}

// Size returns the total payload size in bytes.
func (bm *BlockMap) Size() int {
	return bm.size
}

// CIDs returns every CID in byte order.
func (bm *BlockMap) CIDs() []gocid.Cid {
	out := make([]gocid.Cid, 0, len(bm.m))
	for _, b := range bm.m {
		out = append(out, b.CID)
	}
	sortCids(out)
	return out
}

// Blocks returns every block in CID byte order.
func (bm *BlockMap) Blocks() []Block {
	out := make([]Block, 0, len(bm.m))
	for _, c := range bm.CIDs() {
		out = append(out, bm.m[c.KeyString()])
	}
	return out
}

// ForEach calls fn for each block in CID byte order, stopping at the first
// error.
func (bm *BlockMap) ForEach(fn func(c gocid.Cid, data []byte) error) error {
	for _, b := range bm.Blocks() {
		if err := fn(b.CID, b.Data); err != nil {
			return err
		}
	}
	return nil
}

// Equal reports whether both maps hold exactly the same blocks.
func (bm *BlockMap) Equal(other *BlockMap) bool {
	if bm.Len() != other.Len() {
		return false
	}
	for k, b := range bm.m {
		ob, ok := other.m[k]
		if !ok || !bytes.Equal(b.Data, ob.Data) {
			return false
		}
	}
	return true
}

// Overlay reads from Primary first and falls back to Fallback.
type Overlay struct {
	Primary  Getter
	Fallback Getter
}

// GetBytes implements Getter.
func (o Overlay) GetBytes(ctx context.Context, c gocid.Cid) ([]byte, error) {
	data, err := o.Primary.GetBytes(ctx, c)
	if err != nil || data != nil {
		return data, err
	}
	if o.Fallback == nil {
		return nil, nil
	}
	return o.Fallback.GetBytes(ctx, c)
}

func sortCids(cids []gocid.Cid) {
	sort.Slice(cids, func(i, j int) bool {
		return cids[i].KeyString() < cids[j].KeyString()
	})
}
