package car

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gocid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/atrepo/internal/blocks"
)

func rawBlock(t *testing.T, s string) blocks.Block {
	t.Helper()
	b, err := blocks.NewBlock(blocks.CodecRaw, []byte(s))
	require.NoError(t, err)
	return b
}

func writeCar(t *testing.T, root gocid.Cid, bs ...blocks.Block) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, root)
	require.NoError(t, err)
	for _, b := range bs {
		require.NoError(t, w.WriteBlock(b.CID, b.Data))
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	a, b, c := rawBlock(t, "a"), rawBlock(t, "bb"), rawBlock(t, "ccc")
	data := writeCar(t, a.CID, c, a, b)

	root, bm, err := ReadAll(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, root.Equals(a.CID))
	assert.Equal(t, 3, bm.Len())
	got, ok := bm.Get(c.CID)
	require.True(t, ok)
	assert.Equal(t, c.Data, got)
}

func TestReader_Streams(t *testing.T) {
	a, b := rawBlock(t, "a"), rawBlock(t, "b")
	cr, err := NewReader(bytes.NewReader(writeCar(t, a.CID, a, b)))
	require.NoError(t, err)
	require.Len(t, cr.Roots, 1)

	first, err := cr.Next()
	require.NoError(t, err)
	assert.True(t, first.CID.Equals(a.CID))
	second, err := cr.Next()
	require.NoError(t, err)
	assert.True(t, second.CID.Equals(b.CID))
	_, err = cr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadAll_Malformed(t *testing.T) {
	a, b := rawBlock(t, "a"), rawBlock(t, "payload")
	good := writeCar(t, a.CID, a, b)
	hdr, err := AppendHeader(nil, a.CID)
	require.NoError(t, err)

	tampered := append([]byte(nil), good...)
	tampered[len(tampered)-1] ^= 0x01

	noRoots, err := AppendHeader(nil)
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":              {},
		"truncated header":   hdr[:len(hdr)-2],
		"garbage header":     {0x03, 0xff, 0xff, 0xff},
		"no roots":           noRoots,
		"truncated block":    good[:len(good)-3],
		"tampered payload":   tampered,
		"zero length record": append(append([]byte(nil), hdr...), 0x00),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			root, bm, err := ReadAll(bytes.NewReader(data))
			assert.ErrorIs(t, err, ErrMalformedCar)
			assert.False(t, root.Defined())
			assert.Nil(t, bm)
		})
	}

	_, _, err = ReadAll(bytes.NewReader(tampered))
	assert.ErrorIs(t, err, blocks.ErrHashMismatch)
}

// ranger serves RepoBlocks in (rev desc, cid desc) order.
type ranger struct {
	mu     sync.Mutex
	blocks []blocks.RepoBlock
	calls  atomic.Int32
}

func newRanger(t *testing.T, revs int, perRev int) *ranger {
	r := &ranger{}
	for i := 0; i < revs; i++ {
		rev := fmt.Sprintf("rev%03d", i)
		for j := 0; j < perRev; j++ {
			b := rawBlock(t, fmt.Sprintf("%s/%d", rev, j))
			r.blocks = append(r.blocks, blocks.RepoBlock{CID: b.CID, Rev: rev, Data: b.Data})
		}
	}
	sort.Slice(r.blocks, func(i, j int) bool {
		if r.blocks[i].Rev != r.blocks[j].Rev {
			return r.blocks[i].Rev > r.blocks[j].Rev
		}
		return r.blocks[i].CID.KeyString() > r.blocks[j].CID.KeyString()
	})
	return r
}

func (r *ranger) GetBlockRange(ctx context.Context, since string, cursor *blocks.RevCursor, limit int) ([]blocks.RepoBlock, error) {
	r.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []blocks.RepoBlock
	for _, b := range r.blocks {
		if since != "" && b.Rev <= since {
			continue
		}
		if cursor != nil {
			if b.Rev > cursor.Rev || (b.Rev == cursor.Rev && b.CID.KeyString() >= cursor.CID.KeyString()) {
				continue
			}
		}
		out = append(out, b)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestExport_FullAndSince(t *testing.T) {
	ctx := context.Background()
	src := newRanger(t, 10, 7)
	root := src.blocks[0].CID

	var full bytes.Buffer
	require.NoError(t, Export(ctx, src, root, "", &full, ExportOptions{PageSize: 4}))
	gotRoot, bm, err := ReadAll(&full)
	require.NoError(t, err)
	assert.True(t, gotRoot.Equals(root))
	assert.Equal(t, 70, bm.Len())

	var inc bytes.Buffer
	require.NoError(t, Export(ctx, src, root, "rev006", &inc, ExportOptions{PageSize: 4}))
	_, bm, err = ReadAll(&inc)
	require.NoError(t, err)
	assert.Equal(t, 21, bm.Len())
	for _, b := range src.blocks {
		assert.Equal(t, b.Rev > "rev006", bm.Has(b.CID), b.Rev)
	}
}

func TestExport_EmptyRange(t *testing.T) {
	src := newRanger(t, 1, 1)
	var buf bytes.Buffer
	require.NoError(t, Export(context.Background(), src, src.blocks[0].CID, "rev999", &buf, ExportOptions{}))
	_, bm, err := ReadAll(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, bm.Len())
}

// gateWriter blocks every Write after the first (the header) until released.
type gateWriter struct {
	buf     bytes.Buffer
	writes  int
	release chan struct{}
	onPage  func()
}

func (g *gateWriter) Write(p []byte) (int, error) {
	g.writes++
	if g.writes > 1 {
		if g.onPage != nil {
			g.onPage()
		}
		if g.release != nil {
			<-g.release
		}
	}
	return g.buf.Write(p)
}

func TestExport_BoundedLookahead(t *testing.T) {
	src := newRanger(t, 20, 5)
	gw := &gateWriter{release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		done <- Export(context.Background(), src, src.blocks[0].CID, "", gw, ExportOptions{PageSize: 5})
	}()

	// the writer is stuck on page 1: page 2 sits in the channel and the
	// producer can have fetched at most page 3
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, src.calls.Load(), int32(3))

	close(gw.release)
	require.NoError(t, <-done)
	_, bm, err := ReadAll(&gw.buf)
	require.NoError(t, err)
	assert.Equal(t, 100, bm.Len())
}

func TestExport_CancelAtPageBoundary(t *testing.T) {
	src := newRanger(t, 20, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &gateWriter{onPage: cancel}

	err := Export(ctx, src, src.blocks[0].CID, "", gw, ExportOptions{PageSize: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// output is the header plus whole pages only
	cr, err := NewReader(bytes.NewReader(gw.buf.Bytes()))
	require.NoError(t, err)
	n := 0
	for {
		_, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 0, n%5)
	assert.Less(t, n, 100)
}

type failingRanger struct{}

func (failingRanger) GetBlockRange(context.Context, string, *blocks.RevCursor, int) ([]blocks.RepoBlock, error) {
	return nil, errors.New("backend down")
}

func TestExport_SourceError(t *testing.T) {
	var buf bytes.Buffer
	err := Export(context.Background(), failingRanger{}, rawBlock(t, "x").CID, "", &buf, ExportOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

type brokenWriter struct{ writes int }

func (b *brokenWriter) Write(p []byte) (int, error) {
	b.writes++
	if b.writes > 1 {
		return 0, errors.New("disk full")
	}
	return len(p), nil
}

func TestExport_WriterError(t *testing.T) {
	src := newRanger(t, 20, 5)
	err := Export(context.Background(), src, src.blocks[0].CID, "", &brokenWriter{}, ExportOptions{PageSize: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Less(t, src.calls.Load(), int32(20))
}
