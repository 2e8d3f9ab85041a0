// Package dagcbor encodes and decodes the deterministic DAG-CBOR subset used
// for every structured repository block: map keys sorted length-first then
// bytewise, definite lengths only, and CID links carried as CBOR tag 42.
package dagcbor

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
)

// linkTag is the CBOR tag number reserved for IPLD links.
const linkTag = 42

var (
	ErrUndefinedLink = errors.New("link to undefined CID")
	ErrInvalidLink   = errors.New("invalid CID link")
	ErrUnsupported   = errors.New("value not representable in DAG-CBOR")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = EncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dagcbor: build enc mode: %v", err))
	}
	decMode, err = DecOptions().DecMode()
	if err != nil {
		panic(fmt.Sprintf("dagcbor: build dec mode: %v", err))
	}
}

// EncOptions returns the canonical encoder configuration.
func EncOptions() cbor.EncOptions {
	return cbor.EncOptions{
		Sort:          cbor.SortLengthFirst,
		ShortestFloat: cbor.ShortestFloatNone,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
}

// DecOptions returns the strict decoder configuration.
func DecOptions() cbor.DecOptions {
	return cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		IndefLength:    cbor.IndefLengthForbidden,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
}

// Marshal returns the canonical DAG-CBOR encoding of v. Generic maps and
// slices may carry cid.Cid values; they are encoded as links.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("dagcbor marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes DAG-CBOR data into v.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("dagcbor unmarshal: %w", err)
	}
	return nil
}

// UnmarshalAny decodes data into generic values: map[string]any, []any,
// string, []byte, int64/uint64, float64, bool, nil and cid.Cid for links.
func UnmarshalAny(data []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("dagcbor unmarshal: %w", err)
	}
	return denormalize(v)
}

// Encode marshals v and content-addresses the result as a DAG-CBOR block.
func Encode(v any) (blocks.Block, error) {
	data, err := Marshal(v)
	if err != nil {
		return blocks.Block{}, err
	}
	return blocks.NewBlock(blocks.CodecDagCBOR, data)
}

func normalize(v any) any {
	switch val := v.(type) {
	case gocid.Cid:
		return Link{CID: val}
	case *gocid.Cid:
		if val == nil {
			return nil
		}
		return Link{CID: *val}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func denormalize(v any) (any, error) {
	switch val := v.(type) {
	case cbor.Tag:
		if val.Number != linkTag {
			return nil, fmt.Errorf("%w: tag %d", ErrUnsupported, val.Number)
		}
		raw, ok := val.Content.([]byte)
		if !ok {
			return nil, ErrInvalidLink
		}
		return castLink(raw)
	case map[string]any:
		for k, item := range val {
			d, err := denormalize(item)
			if err != nil {
				return nil, err
			}
			val[k] = d
		}
		return val, nil
	case []any:
		for i, item := range val {
			d, err := denormalize(item)
			if err != nil {
				return nil, err
			}
			val[i] = d
		}
		return val, nil
	default:
		return v, nil
	}
}

func castLink(raw []byte) (gocid.Cid, error) {
	if len(raw) < 2 || raw[0] != 0x00 {
		return gocid.Undef, ErrInvalidLink
	}
	c, err := gocid.Cast(raw[1:])
	if err != nil {
		return gocid.Undef, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	return c, nil
}
