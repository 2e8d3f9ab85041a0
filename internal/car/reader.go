package car

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/dagcbor"
)

// Reader decodes a CAR archive one record at a time. Every record's payload
// is checked against its CID before it is returned.
type Reader struct {
	br    *bufio.Reader
	Roots []gocid.Cid
}

// NewReader parses the header from r.
func NewReader(r io.Reader) (*Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	n, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: header length: %v", ErrMalformedCar, err)
	}
	if n == 0 || n > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d", ErrMalformedCar, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrMalformedCar, err)
	}
	var h header
	if err := dagcbor.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedCar, err)
	}
	if h.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedCar, h.Version)
	}
	if len(h.Roots) == 0 {
		return nil, fmt.Errorf("%w: no roots", ErrMalformedCar)
	}
	cr := &Reader{br: br, Roots: make([]gocid.Cid, len(h.Roots))}
	for i, l := range h.Roots {
		cr.Roots[i] = l.CID
	}
	return cr, nil
}

// Next returns the next verified block, or io.EOF after the last one.
func (cr *Reader) Next() (blocks.Block, error) {
	if _, err := cr.br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return blocks.Block{}, io.EOF
		}
		return blocks.Block{}, fmt.Errorf("read car: %w", err)
	}
	n, err := varint.ReadUvarint(cr.br)
	if err != nil {
		return blocks.Block{}, fmt.Errorf("%w: block length: %v", ErrMalformedCar, err)
	}
	if n == 0 || n > MaxBlockSize {
		return blocks.Block{}, fmt.Errorf("%w: block length %d", ErrMalformedCar, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(cr.br, raw); err != nil {
		return blocks.Block{}, fmt.Errorf("%w: truncated block: %v", ErrMalformedCar, err)
	}
	used, c, err := gocid.CidFromBytes(raw)
	if err != nil {
		return blocks.Block{}, fmt.Errorf("%w: block cid: %v", ErrMalformedCar, err)
	}
	data := raw[used:]
	if err := blocks.VerifyBlock(c, data); err != nil {
		return blocks.Block{}, fmt.Errorf("%w: %w", ErrMalformedCar, err)
	}
	return blocks.Block{CID: c, Data: data}, nil
}

// ReadAll consumes r entirely and returns the first root and every block.
// On any error nothing is returned.
func ReadAll(r io.Reader) (gocid.Cid, *blocks.BlockMap, error) {
	cr, err := NewReader(r)
	if err != nil {
		return gocid.Undef, nil, err
	}
	bm := blocks.NewBlockMap()
	for {
		b, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return gocid.Undef, nil, err
		}
		bm.Add(b)
	}
	return cr.Roots[0], bm, nil
}
