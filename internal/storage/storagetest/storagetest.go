// Package storagetest is the behaviour every storage backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	gocid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/car"
	"github.com/systemshift/atrepo/internal/storage"
)

// Factory opens a fresh, empty backend wired to faults. Run closes it.
type Factory func(t *testing.T, faults *storage.Faults) storage.Backend

// Run executes the conformance suite against backends built by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend, f *storage.Faults)
	}{
		{"RootNotFound", testRootNotFound},
		{"PutNeverOverwrites", testPutNeverOverwrites},
		{"GetBlocksPartitions", testGetBlocksPartitions},
		{"ApplyCommitGenesis", testApplyCommitGenesis},
		{"ApplyCommitAdvances", testApplyCommitAdvances},
		{"ApplyCommitConflict", testApplyCommitConflict},
		{"ApplyCommitNonMonotonic", testApplyCommitNonMonotonic},
		{"ApplyCommitReapply", testApplyCommitReapply},
		{"ApplyCommitAtomic", testApplyCommitAtomic},
		{"ApplyCommitRace", testApplyCommitRace},
		{"BlockRangePaging", testBlockRangePaging},
		{"BlockRangeSince", testBlockRangeSince},
		{"DIDIsolation", testDIDIsolation},
		{"DeleteMany", testDeleteMany},
		{"CarStream", testCarStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			faults := &storage.Faults{}
			b := open(t, faults)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b, faults)
		})
	}
}

const did = "did:example:alice"

func block(t *testing.T, s string) blocks.Block {
	t.Helper()
	b, err := blocks.NewBlock(blocks.CodecRaw, []byte(s))
	require.NoError(t, err)
	return b
}

func blockMap(bs ...blocks.Block) *blocks.BlockMap {
	bm := blocks.NewBlockMap()
	for _, b := range bs {
		bm.Add(b)
	}
	return bm
}

// commit builds CommitData whose commit block is included in NewBlocks.
func commit(t *testing.T, rev string, prev gocid.Cid, extra ...blocks.Block) (storage.CommitData, blocks.Block) {
	t.Helper()
	c := block(t, "commit "+rev)
	return storage.CommitData{
		CID:       c.CID,
		Rev:       rev,
		Prev:      prev,
		NewBlocks: blockMap(append(extra, c)...),
	}, c
}

func testRootNotFound(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	_, err := s.GetRoot(ctx)
	assert.ErrorIs(t, err, storage.ErrRepoRootNotFound)
	_, err = s.GetRootDetailed(ctx)
	assert.ErrorIs(t, err, storage.ErrRepoRootNotFound)
	assert.Equal(t, did, s.DID())
}

func testPutNeverOverwrites(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	x := block(t, "x")

	require.NoError(t, s.PutBlock(ctx, x.CID, x.Data, "rev1"))
	require.NoError(t, s.PutBlock(ctx, x.CID, x.Data, "rev2"))

	got, err := s.GetBytes(ctx, x.CID)
	require.NoError(t, err)
	assert.Equal(t, x.Data, got)

	rng, err := s.GetBlockRange(ctx, "", nil, 0)
	require.NoError(t, err)
	require.Len(t, rng, 1)
	assert.Equal(t, "rev1", rng[0].Rev)

	ok, err := s.Has(ctx, x.CID)
	require.NoError(t, err)
	assert.True(t, ok)

	absent := block(t, "absent")
	got, err = s.GetBytes(ctx, absent.CID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testGetBlocksPartitions(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)

	var stored, all []gocid.Cid
	bm := blocks.NewBlockMap()
	for i := 0; i < 7; i++ {
		x := block(t, fmt.Sprintf("stored-%d", i))
		bm.Add(x)
		stored = append(stored, x.CID)
	}
	require.NoError(t, s.PutMany(ctx, bm, "rev1"))
	missing := []gocid.Cid{block(t, "m1").CID, block(t, "m2").CID}
	all = append(all, stored...)
	all = append(all, missing...)

	found, miss, err := s.GetBlocks(ctx, all)
	require.NoError(t, err)
	assert.Equal(t, len(stored), found.Len())
	assert.ElementsMatch(t, missing, miss)
	for _, c := range stored {
		assert.True(t, found.Has(c))
	}
}

func testApplyCommitGenesis(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	data := block(t, "data")
	cd, c := commit(t, "rev1", blocks.CidUndef, data)

	require.NoError(t, s.ApplyCommit(ctx, cd))

	root, err := s.GetRootDetailed(ctx)
	require.NoError(t, err)
	assert.True(t, root.CID.Equals(c.CID))
	assert.Equal(t, "rev1", root.Rev)
	assert.False(t, root.IndexedAt.IsZero())

	for _, x := range []blocks.Block{data, c} {
		got, err := s.GetBytes(ctx, x.CID)
		require.NoError(t, err)
		assert.Equal(t, x.Data, got)
	}
}

func testApplyCommitAdvances(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	old := block(t, "old")
	cd1, c1 := commit(t, "rev1", blocks.CidUndef, old)
	require.NoError(t, s.ApplyCommit(ctx, cd1))

	fresh := block(t, "new")
	cd2, c2 := commit(t, "rev2", c1.CID, fresh)
	cd2.Since = "rev1"
	cd2.RemovedCids = blocks.NewCidSet(old.CID)
	require.NoError(t, s.ApplyCommit(ctx, cd2))

	root, err := s.GetRoot(ctx)
	require.NoError(t, err)
	assert.True(t, root.Equals(c2.CID))

	ok, err := s.Has(ctx, old.CID)
	require.NoError(t, err)
	assert.False(t, ok, "removed block still present")
	ok, err = s.Has(ctx, fresh.CID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Has(ctx, c1.CID)
	require.NoError(t, err)
	assert.True(t, ok, "previous commit block must survive")
}

func testApplyCommitConflict(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	cd1, _ := commit(t, "rev1", blocks.CidUndef)
	require.NoError(t, s.ApplyCommit(ctx, cd1))

	// a second genesis
	cd, _ := commit(t, "rev2", blocks.CidUndef)
	assert.ErrorIs(t, s.ApplyCommit(ctx, cd), storage.ErrConcurrentWrite)

	// built on a commit that was never the root
	stray := block(t, "stray")
	orphan := block(t, "orphan")
	cd, _ = commit(t, "rev3", stray.CID, orphan)
	assert.ErrorIs(t, s.ApplyCommit(ctx, cd), storage.ErrConcurrentWrite)

	ok, err := s.Has(ctx, orphan.CID)
	require.NoError(t, err)
	assert.False(t, ok, "rejected commit leaked blocks")
}

func testApplyCommitNonMonotonic(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	cd1, c1 := commit(t, "rev5", blocks.CidUndef)
	require.NoError(t, s.ApplyCommit(ctx, cd1))

	for _, rev := range []string{"rev5", "rev4"} {
		cd, _ := commit(t, rev+"-again", c1.CID)
		cd.Rev = rev
		assert.ErrorIs(t, s.ApplyCommit(ctx, cd), storage.ErrNonMonotonicRev, rev)
	}
	root, err := s.GetRootDetailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rev5", root.Rev)
}

func testApplyCommitReapply(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	cd1, c1 := commit(t, "rev1", blocks.CidUndef)
	require.NoError(t, s.ApplyCommit(ctx, cd1))
	require.NoError(t, s.ApplyCommit(ctx, cd1))

	root, err := s.GetRoot(ctx)
	require.NoError(t, err)
	assert.True(t, root.Equals(c1.CID))
}

func testApplyCommitAtomic(t *testing.T, b storage.Backend, faults *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	old := block(t, "old")
	cd1, c1 := commit(t, "rev1", blocks.CidUndef, old)
	require.NoError(t, s.ApplyCommit(ctx, cd1))

	boom := errors.New("disk on fire")
	faults.Set(func(p storage.FaultPoint) error {
		if p == storage.FaultAfterBlocks {
			return boom
		}
		return nil
	})
	fresh := block(t, "fresh")
	cd2, c2 := commit(t, "rev2", c1.CID, fresh)
	cd2.RemovedCids = blocks.NewCidSet(old.CID)
	require.ErrorIs(t, s.ApplyCommit(ctx, cd2), boom)

	root, err := s.GetRootDetailed(ctx)
	require.NoError(t, err)
	assert.True(t, root.CID.Equals(c1.CID))
	assert.Equal(t, "rev1", root.Rev)

	for _, c := range []gocid.Cid{fresh.CID, c2.CID} {
		ok, err := s.Has(ctx, c)
		require.NoError(t, err)
		assert.False(t, ok, "block %s from failed commit is visible", c)
	}
	ok, err := s.Has(ctx, old.CID)
	require.NoError(t, err)
	assert.True(t, ok, "failed commit removed a block")

	faults.Set(nil)
	require.NoError(t, s.ApplyCommit(ctx, cd2))
}

func testApplyCommitRace(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	cd1, c1 := commit(t, "rev1", blocks.CidUndef)
	require.NoError(t, s.ApplyCommit(ctx, cd1))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		cd, _ := commit(t, fmt.Sprintf("rev2-%d", i), c1.CID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ApplyCommit(ctx, cd)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, storage.ErrConcurrentWrite)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one writer may advance from the same root")
}

// seedRevs stores n blocks under each of revs and returns them in
// (rev desc, cid desc) order.
func seedRevs(t *testing.T, s storage.RepoStorage, n int, revs ...string) []blocks.RepoBlock {
	t.Helper()
	ctx := context.Background()
	var all []blocks.RepoBlock
	for _, rev := range revs {
		bm := blocks.NewBlockMap()
		for i := 0; i < n; i++ {
			x := block(t, fmt.Sprintf("%s-%d", rev, i))
			bm.Add(x)
			all = append(all, blocks.RepoBlock{CID: x.CID, Rev: rev, Data: x.Data})
		}
		require.NoError(t, s.PutMany(ctx, bm, rev))
	}
	sortRange(all)
	return all
}

func sortRange(bs []blocks.RepoBlock) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Rev != bs[j].Rev {
			return bs[i].Rev > bs[j].Rev
		}
		return bytes.Compare(bs[i].CID.Bytes(), bs[j].CID.Bytes()) > 0
	})
}

func testBlockRangePaging(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	want := seedRevs(t, s, 5, "rev1", "rev2", "rev3")

	var (
		got    []blocks.RepoBlock
		cursor *blocks.RevCursor
	)
	for {
		page, err := s.GetBlockRange(ctx, "", cursor, 4)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page), 4)
		if len(page) == 0 {
			break
		}
		got = append(got, page...)
		last := page[len(page)-1]
		cursor = &blocks.RevCursor{Rev: last.Rev, CID: last.CID}
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].CID.Equals(got[i].CID), "position %d", i)
		assert.Equal(t, want[i].Rev, got[i].Rev)
		assert.Equal(t, want[i].Data, got[i].Data)
	}
}

func testBlockRangeSince(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	seedRevs(t, s, 3, "rev1", "rev2", "rev3")

	got, err := s.GetBlockRange(ctx, "rev1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, got, 6)
	for _, rb := range got {
		assert.Greater(t, rb.Rev, "rev1")
	}

	got, err = s.GetBlockRange(ctx, "rev3", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDIDIsolation(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	alice := b.ForDID(did)
	bob := b.ForDID("did:example:bob")

	cd, _ := commit(t, "rev1", blocks.CidUndef, block(t, "alice data"))
	require.NoError(t, alice.ApplyCommit(ctx, cd))

	_, err := bob.GetRoot(ctx)
	assert.ErrorIs(t, err, storage.ErrRepoRootNotFound)
	rng, err := bob.GetBlockRange(ctx, "", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, rng)
	ok, err := bob.Has(ctx, cd.CID)
	require.NoError(t, err)
	assert.False(t, ok)

	// the same block may live in both accounts independently
	data, _ := cd.NewBlocks.Get(cd.CID)
	require.NoError(t, bob.PutBlock(ctx, cd.CID, data, "rev9"))
	require.NoError(t, bob.DeleteMany(ctx, []gocid.Cid{cd.CID}))
	ok, err = alice.Has(ctx, cd.CID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testDeleteMany(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)
	all := seedRevs(t, s, 4, "rev1")

	doomed := []gocid.Cid{all[0].CID, all[2].CID, block(t, "never stored").CID}
	require.NoError(t, s.DeleteMany(ctx, doomed))

	rng, err := s.GetBlockRange(ctx, "", nil, 0)
	require.NoError(t, err)
	require.Len(t, rng, 2)
	assert.True(t, rng[0].CID.Equals(all[1].CID))
	assert.True(t, rng[1].CID.Equals(all[3].CID))
}

func testCarStream(t *testing.T, b storage.Backend, _ *storage.Faults) {
	ctx := context.Background()
	s := b.ForDID(did)

	var buf bytes.Buffer
	assert.ErrorIs(t, s.GetCarStream(ctx, "", &buf), storage.ErrRepoRootNotFound)

	cd1, c1 := commit(t, "rev1", blocks.CidUndef, block(t, "one"), block(t, "two"))
	require.NoError(t, s.ApplyCommit(ctx, cd1))
	cd2, c2 := commit(t, "rev2", c1.CID, block(t, "three"))
	require.NoError(t, s.ApplyCommit(ctx, cd2))

	buf.Reset()
	require.NoError(t, s.GetCarStream(ctx, "", &buf))
	root, bm, err := car.ReadAll(&buf)
	require.NoError(t, err)
	assert.True(t, root.Equals(c2.CID))
	assert.Equal(t, 5, bm.Len())

	buf.Reset()
	require.NoError(t, s.GetCarStream(ctx, "rev1", &buf))
	root, bm, err = car.ReadAll(&buf)
	require.NoError(t, err)
	assert.True(t, root.Equals(c2.CID))
	assert.Equal(t, 2, bm.Len())
	assert.True(t, bm.Has(c2.CID))
}
