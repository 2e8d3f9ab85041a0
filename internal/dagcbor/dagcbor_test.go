package dagcbor

import (
	"testing"

	gocid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/atrepo/internal/blocks"
)

type emptyNode struct {
	Left    *Link `cbor:"l"`
	Entries []any `cbor:"e"`
}

func TestEncode_EmptyTreeNodeVector(t *testing.T) {
	blk, err := Encode(emptyNode{Entries: []any{}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xa2, 0x61, 0x65, 0x80, 0x61, 0x6c, 0xf6}, blk.Data)
	assert.Equal(t, "bafyreie5737gdxlw5i64vzichcalba3z2v5n6icifvx5xytvske7mr3hpm", blk.CID.String())
}

func TestMarshal_MapKeysLengthFirst(t *testing.T) {
	data, err := Marshal(map[string]any{"bb": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	// {"a":2,"c":3,"bb":1}
	want := []byte{0xa3, 0x61, 'a', 0x02, 0x61, 'c', 0x03, 0x62, 'b', 'b', 0x01}
	assert.Equal(t, want, data)
}

func TestLink_RoundTrip(t *testing.T) {
	c, err := blocks.ComputeCID(blocks.CodecRaw, []byte("hello world"))
	require.NoError(t, err)

	type holder struct {
		Ref  Link  `cbor:"ref"`
		Opt  *Link `cbor:"opt"`
		None *Link `cbor:"none"`
	}
	in := holder{Ref: NewLink(c), Opt: LinkPtr(c)}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out holder
	require.NoError(t, Unmarshal(data, &out))
	assert.True(t, out.Ref.CID.Equals(c))
	require.NotNil(t, out.Opt)
	assert.True(t, out.Opt.CID.Equals(c))
	assert.Nil(t, out.None)
}

func TestMarshal_UndefinedLinkFails(t *testing.T) {
	_, err := Marshal(map[string]any{"x": Link{}})
	assert.ErrorIs(t, err, ErrUndefinedLink)
}

func TestUnmarshalAny_DecodesLinks(t *testing.T) {
	c, err := blocks.ComputeCID(blocks.CodecDagCBOR, []byte("record"))
	require.NoError(t, err)

	data, err := Marshal(map[string]any{
		"text":  "hi",
		"embed": []any{c},
		"n":     int64(-3),
	})
	require.NoError(t, err)

	v, err := UnmarshalAny(data)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", m["text"])
	assert.Equal(t, int64(-3), m["n"])
	list, ok := m["embed"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	got, ok := list[0].(gocid.Cid)
	require.True(t, ok)
	assert.True(t, got.Equals(c))
}

func TestUnmarshal_RejectsDuplicateKeys(t *testing.T) {
	// {"a":1,"a":2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	_, err := UnmarshalAny(data)
	assert.Error(t, err)
}

func TestEncode_Deterministic(t *testing.T) {
	a, err := Encode(map[string]any{"x": "1", "y": []any{"a", "b"}})
	require.NoError(t, err)
	b, err := Encode(map[string]any{"y": []any{"a", "b"}, "x": "1"})
	require.NoError(t, err)
	assert.True(t, a.CID.Equals(b.CID))
}
