// Package car reads and writes CAR v1 archives: a DAG-CBOR header naming
// the root followed by length-prefixed (CID, payload) records.
//
//	[varint len][header {version: 1, roots: [Link]}]
//	[varint len(cid)+len(data)][cid][data] ...
package car

import (
	"errors"
	"fmt"
	"io"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/systemshift/atrepo/internal/dagcbor"
)

const (
	// MaxHeaderSize bounds the declared header length.
	MaxHeaderSize = 1 << 20
	// MaxBlockSize bounds a single record (CID plus payload).
	MaxBlockSize = 4 << 20
)

var ErrMalformedCar = errors.New("malformed car")

type header struct {
	Roots   []dagcbor.Link `cbor:"roots"`
	Version uint64         `cbor:"version"`
}

// AppendHeader appends the encoded CAR header for roots to dst.
func AppendHeader(dst []byte, roots ...gocid.Cid) ([]byte, error) {
	h := header{Version: 1, Roots: make([]dagcbor.Link, 0, len(roots))}
	for _, r := range roots {
		h.Roots = append(h.Roots, dagcbor.NewLink(r))
	}
	data, err := dagcbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode car header: %w", err)
	}
	dst = append(dst, varint.ToUvarint(uint64(len(data)))...)
	return append(dst, data...), nil
}

// AppendBlock appends one CAR record to dst.
func AppendBlock(dst []byte, c gocid.Cid, data []byte) []byte {
	cb := c.Bytes()
	dst = append(dst, varint.ToUvarint(uint64(len(cb)+len(data)))...)
	dst = append(dst, cb...)
	return append(dst, data...)
}

// Writer streams a CAR archive to an io.Writer.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter writes the header for roots and returns a Writer for the
// records that follow.
func NewWriter(w io.Writer, roots ...gocid.Cid) (*Writer, error) {
	hdr, err := AppendHeader(nil, roots...)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("write car header: %w", err)
	}
	return &Writer{w: w}, nil
}

// WriteBlock writes one record in a single Write call.
func (cw *Writer) WriteBlock(c gocid.Cid, data []byte) error {
	cw.buf = AppendBlock(cw.buf[:0], c, data)
	if _, err := cw.w.Write(cw.buf); err != nil {
		return fmt.Errorf("write car block %s: %w", c, err)
	}
	return nil
}
