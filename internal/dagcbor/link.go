package dagcbor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	gocid "github.com/ipfs/go-cid"
)

// Link is a CID reference inside a DAG-CBOR struct. Use *Link for nullable
// links; a nil *Link encodes as CBOR null.
type Link struct {
	CID gocid.Cid
}

// NewLink wraps c.
func NewLink(c gocid.Cid) Link {
	return Link{CID: c}
}

// LinkPtr returns a *Link for c, or nil when c is undefined.
func LinkPtr(c gocid.Cid) *Link {
	if !c.Defined() {
		return nil
	}
	return &Link{CID: c}
}

// CidOf returns the CID behind l, or cid.Undef for a nil link.
func CidOf(l *Link) gocid.Cid {
	if l == nil {
		return gocid.Undef
	}
	return l.CID
}

func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.CID.Defined() {
		return nil, ErrUndefinedLink
	}
	raw := make([]byte, 0, 1+l.CID.ByteLen())
	raw = append(raw, 0x00)
	raw = append(raw, l.CID.Bytes()...)
	return encMode.Marshal(cbor.Tag{Number: linkTag, Content: raw})
}

func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := tag.UnmarshalCBOR(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if tag.Number != linkTag {
		return fmt.Errorf("%w: tag %d", ErrInvalidLink, tag.Number)
	}
	var raw []byte
	if err := decMode.Unmarshal(tag.Content, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	c, err := castLink(raw)
	if err != nil {
		return err
	}
	l.CID = c
	return nil
}

func (l Link) String() string {
	return l.CID.String()
}
