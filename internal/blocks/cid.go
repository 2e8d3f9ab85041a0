// Package blocks holds the content-addressing primitives shared by the
// repository engine: CIDs, immutable blocks, and the in-memory BlockMap and
// CidSet collections used while diffing and batching writes.
package blocks

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// CidUndef is the undefined/zero CID value.
var CidUndef = gocid.Undef

// Codecs used for repository blocks.
const (
	CodecDagCBOR = gocid.DagCBOR
	CodecRaw     = gocid.Raw
)

// ComputeCID computes a CIDv1 (SHA2-256) over data for the given codec.
func ComputeCID(codec uint64, data []byte) (gocid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(codec, mh), nil
}

// Block is an immutable payload together with the CID derived from it.
type Block struct {
	CID  gocid.Cid
	Data []byte
}

// NewBlock content-addresses data under codec.
func NewBlock(codec uint64, data []byte) (Block, error) {
	c, err := ComputeCID(codec, data)
	if err != nil {
		return Block{}, err
	}
	return Block{CID: c, Data: data}, nil
}

// VerifyBlock recomputes the hash of data using the prefix (version, codec,
// hash function) carried by c and reports ErrHashMismatch if they disagree.
func VerifyBlock(c gocid.Cid, data []byte) error {
	if !c.Defined() {
		return fmt.Errorf("verify block: %w", ErrUndefinedCID)
	}
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("verify block %s: %w", c, err)
	}
	if !got.Equals(c) {
		return fmt.Errorf("%w: claimed %s, computed %s", ErrHashMismatch, c, got)
	}
	return nil
}

// RepoBlock is a stored block stamped with the revision that introduced it.
type RepoBlock struct {
	CID  gocid.Cid
	Rev  string
	Data []byte
}

// RevCursor is an exclusive upper bound for (rev desc, cid desc) pagination.
type RevCursor struct {
	Rev string
	CID gocid.Cid
}

// EncodeCID returns the base32lower multibase text form of c.
func EncodeCID(c gocid.Cid) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

// DecodeCID parses any multibase-encoded CID string.
func DecodeCID(s string) (gocid.Cid, error) {
	_, raw, err := multibase.Decode(s)
	if err != nil {
		return gocid.Undef, fmt.Errorf("decode CID %q: %w", s, err)
	}
	return gocid.Cast(raw)
}
