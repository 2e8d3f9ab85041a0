package badgerstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/storage"
	"github.com/systemshift/atrepo/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, faults *storage.Faults) storage.Backend {
		s, err := Open(InMemoryConfig(), storage.Options{Faults: faults})
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsRoot(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0

	s, err := Open(cfg, storage.Options{})
	require.NoError(t, err)
	b, err := blocks.NewBlock(blocks.CodecRaw, []byte("commit"))
	require.NoError(t, err)
	bm := blocks.NewBlockMap()
	bm.Add(b)
	err = s.ForDID("did:example:alice").ApplyCommit(ctx, storage.CommitData{CID: b.CID, Rev: "rev1", NewBlocks: bm})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(cfg, storage.Options{})
	require.NoError(t, err)
	defer s.Close()
	root, err := s.ForDID("did:example:alice").GetRootDetailed(ctx)
	require.NoError(t, err)
	assert.True(t, root.CID.Equals(b.CID))
	assert.Equal(t, "rev1", root.Rev)
}

func TestBlockValueRoundTrip(t *testing.T) {
	rev, data, err := decodeBlockValue(encodeBlockValue("3kabc", []byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, "3kabc", rev)
	assert.Equal(t, []byte("payload"), data)

	_, _, err = decodeBlockValue([]byte{0x09, 'a'})
	assert.Error(t, err)
}

func TestStartGCValidates(t *testing.T) {
	_, err := Open(Config{Path: t.TempDir(), GCInterval: 1, GCDiscardRatio: 2}, storage.Options{})
	assert.Error(t, err)
}

// rawCommit builds a commit of n raw blocks rooted at the first one.
func rawCommit(t *testing.T, n int) storage.CommitData {
	t.Helper()
	bm := blocks.NewBlockMap()
	var root blocks.Block
	for i := 0; i < n; i++ {
		b, err := blocks.NewBlock(blocks.CodecRaw, []byte(fmt.Sprintf("block %d", i)))
		require.NoError(t, err)
		if i == 0 {
			root = b
		}
		bm.Add(b)
	}
	return storage.CommitData{CID: root.CID, Rev: "rev1", NewBlocks: bm}
}

func TestApplyCommit_LargeCommit(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	cfg.GCInterval = 0
	s, err := Open(cfg, storage.Options{})
	require.NoError(t, err)
	defer s.Close()

	// Larger than badger's default 64MB memtable accepts in one transaction.
	h := s.ForDID("did:example:alice")
	commit := rawCommit(t, 60000)
	require.NoError(t, h.ApplyCommit(ctx, commit))
	root, err := h.GetRoot(ctx)
	require.NoError(t, err)
	assert.True(t, root.Equals(commit.CID))
	all, err := h.GetBlockRange(ctx, "", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 60000)
}

func TestApplyCommit_TooLarge(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	cfg.GCInterval = 0
	cfg.MemTableSize = 1 << 20
	cfg.ValueThreshold = 1 << 10
	s, err := Open(cfg, storage.Options{})
	require.NoError(t, err)
	defer s.Close()

	h := s.ForDID("did:example:alice")
	err = h.ApplyCommit(ctx, rawCommit(t, 5000))
	require.ErrorIs(t, err, storage.ErrCommitTooLarge)
	_, err = h.GetRoot(ctx)
	assert.ErrorIs(t, err, storage.ErrRepoRootNotFound)
}
