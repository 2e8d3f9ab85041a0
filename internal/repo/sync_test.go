package repo

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	gocid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/car"
	"github.com/systemshift/atrepo/internal/identity"
	"github.com/systemshift/atrepo/internal/storage"
	"github.com/systemshift/atrepo/internal/storage/memstore"
)

type carBuffer struct{ bytes.Buffer }

func (b *carBuffer) read(t *testing.T) (gocid.Cid, *blocks.BlockMap) {
	t.Helper()
	root, bm, err := car.ReadAll(bytes.NewReader(b.Bytes()))
	require.NoError(t, err)
	return root, bm
}

func exportReachable(t *testing.T, r *Repo) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, ExportReachable(context.Background(), r.Storage(), r.CID(), &buf))
	return buf.Bytes()
}

func assertSameRecords(t *testing.T, want, got *Repo) {
	t.Helper()
	ctx := context.Background()
	a, err := want.ListRecords(ctx, posts)
	require.NoError(t, err)
	b, err := got.ListRecords(ctx, posts)
	require.NoError(t, err)
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].RKey, b[i].RKey)
		assert.True(t, a[i].CID.Equals(b[i].CID))
		assert.Equal(t, a[i].Data, b[i].Data)
	}
}

func TestExportReachable_ImportRepo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src, err := InitRepo(ctx, f.s, f.signer, manyPosts(50), Options{})
	require.NoError(t, err)
	src, err = src.ApplyWrites(ctx, []WriteOp{del("post0007"), update("post0010", "edited")}, f.signer)
	require.NoError(t, err)

	raw := exportReachable(t, src)
	root, bm, err := car.ReadAll(bytes.NewReader(raw))
	require.NoError(t, err)
	v, err := VerifyRepo(ctx, root, bm, alice, f.resolver)
	require.NoError(t, err)
	assert.Empty(t, v.Unreachable)
	assert.Equal(t, bm.Len(), v.Blocks.Len())

	dst := f.replica()
	got, err := ImportRepo(ctx, dst, bytes.NewReader(raw), f.resolver, Options{})
	require.NoError(t, err)
	assert.True(t, got.CID().Equals(src.CID()))
	assert.Equal(t, src.Rev(), got.Rev())
	assertSameRecords(t, src, got)

	again, err := ImportRepo(ctx, dst, bytes.NewReader(raw), f.resolver, Options{})
	require.NoError(t, err)
	assert.True(t, again.CID().Equals(src.CID()))

	loaded, err := Load(ctx, dst, Options{})
	require.NoError(t, err)
	assertSameRecords(t, src, loaded)
}

func TestExportCar_FullCarriesOldCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, err := InitRepo(ctx, f.s, f.signer, manyPosts(10), Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		r, err = r.ApplyWrites(ctx, []WriteOp{update("post0001", string(rune('a'+i)))}, f.signer)
		require.NoError(t, err)
	}

	var buf carBuffer
	require.NoError(t, r.ExportCar(ctx, "", &buf))
	root, bm := buf.read(t)
	assert.True(t, root.Equals(r.CID()))

	v, err := VerifyRepo(ctx, root, bm, alice, f.resolver)
	require.NoError(t, err)
	assert.Len(t, v.Unreachable, 3, "one per superseded commit")

	got, err := ImportRepo(ctx, f.replica(), bytes.NewReader(buf.Bytes()), f.resolver, Options{})
	require.NoError(t, err)
	assertSameRecords(t, r, got)
}

func TestImportRepo_OverExistingHead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1, err := InitRepo(ctx, f.s, f.signer, manyPosts(20), Options{})
	require.NoError(t, err)
	old := exportReachable(t, r1)
	r2, err := r1.ApplyWrites(ctx, []WriteOp{del("post0003"), create("new", "n")}, f.signer)
	require.NoError(t, err)

	dst := f.replica()
	_, err = ImportRepo(ctx, dst, bytes.NewReader(old), f.resolver, Options{})
	require.NoError(t, err)
	got, err := ImportRepo(ctx, dst, bytes.NewReader(exportReachable(t, r2)), f.resolver, Options{})
	require.NoError(t, err)
	assertSameRecords(t, r2, got)

	want, err := r2.Data().Reachable(ctx)
	require.NoError(t, err)
	want.Add(r1.CID())
	want.Add(r2.CID())
	assert.ElementsMatch(t, want.List(), storedCids(t, dst).List(), "blocks only the old head used are gone")

	_, err = ImportRepo(ctx, dst, bytes.NewReader(old), f.resolver, Options{})
	assert.ErrorIs(t, err, ErrNonMonotonicRev)
}

func TestImportDiff_Incremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1, err := InitRepo(ctx, f.s, f.signer, manyPosts(100), Options{})
	require.NoError(t, err)

	dst := f.replica()
	_, err = ImportRepo(ctx, dst, bytes.NewReader(exportReachable(t, r1)), f.resolver, Options{})
	require.NoError(t, err)

	r2, err := r1.ApplyWrites(ctx, []WriteOp{create("fresh", "hello"), del("post0042")}, f.signer)
	require.NoError(t, err)
	r3, err := r2.ApplyWrites(ctx, []WriteOp{update("fresh", "hello again"), update("post0001", "changed")}, f.signer)
	require.NoError(t, err)

	var buf carBuffer
	require.NoError(t, r3.ExportCar(ctx, r1.Rev(), &buf))
	got, err := ImportDiff(ctx, dst, bytes.NewReader(buf.Bytes()), f.resolver, Options{})
	require.NoError(t, err)
	assert.True(t, got.CID().Equals(r3.CID()))
	assert.Equal(t, r3.Rev(), got.Rev())
	assert.Equal(t, exportReachable(t, r3), exportReachable(t, got))

	root, err := dst.GetRootDetailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, r3.Rev(), root.Rev)

	hist, err := got.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 3, "r3, r2 and the imported r1")

	same, err := ImportDiff(ctx, dst, bytes.NewReader(buf.Bytes()), f.resolver, Options{})
	require.NoError(t, err)
	assert.True(t, same.CID().Equals(r3.CID()))
}

func TestImportDiff_SharedRecordContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1, err := InitRepo(ctx, f.s, f.signer, []WriteOp{create("a", "same"), create("b", "same"), create("c", "other")}, Options{})
	require.NoError(t, err)
	dst := f.replica()
	_, err = ImportRepo(ctx, dst, bytes.NewReader(exportReachable(t, r1)), f.resolver, Options{})
	require.NoError(t, err)

	r2, err := r1.ApplyWrites(ctx, []WriteOp{del("a"), update("c", "same")}, f.signer)
	require.NoError(t, err)
	var buf carBuffer
	require.NoError(t, r2.ExportCar(ctx, r1.Rev(), &buf))
	_, err = ImportDiff(ctx, dst, bytes.NewReader(buf.Bytes()), f.resolver, Options{})
	require.NoError(t, err)

	got, err := Load(ctx, dst, Options{})
	require.NoError(t, err)
	for _, rkey := range []string{"b", "c"} {
		rec, err := got.GetRecord(ctx, posts, rkey)
		require.NoError(t, err, rkey)
		assert.Equal(t, "same", text(t, rec))
	}
	assert.Equal(t, exportReachable(t, r2), exportReachable(t, got))
}

func TestImportDiff_MissingIntermediateCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1, err := InitRepo(ctx, f.s, f.signer, manyPosts(10), Options{})
	require.NoError(t, err)
	dst := f.replica()
	_, err = ImportRepo(ctx, dst, bytes.NewReader(exportReachable(t, r1)), f.resolver, Options{})
	require.NoError(t, err)

	r2, err := r1.ApplyWrites(ctx, []WriteOp{create("x", "1")}, f.signer)
	require.NoError(t, err)
	r3, err := r2.ApplyWrites(ctx, []WriteOp{create("y", "2")}, f.signer)
	require.NoError(t, err)

	var full carBuffer
	require.NoError(t, r3.ExportCar(ctx, r1.Rev(), &full))
	_, bm := full.read(t)
	bm.Delete(r2.CID())

	var cut bytes.Buffer
	cw, err := car.NewWriter(&cut, r3.CID())
	require.NoError(t, err)
	require.NoError(t, bm.ForEach(cw.WriteBlock))

	_, err = ImportDiff(ctx, dst, &cut, f.resolver, Options{})
	assert.ErrorIs(t, err, ErrBrokenChain)

	root, err := dst.GetRoot(ctx)
	require.NoError(t, err)
	assert.True(t, root.Equals(r1.CID()))
}

func TestImport_Rejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, err := InitRepo(ctx, f.s, f.signer, manyPosts(10), Options{})
	require.NoError(t, err)
	raw := exportReachable(t, r)

	t.Run("tampered block", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[len(bad)-1] ^= 0x01
		dst := f.replica()
		_, err := ImportRepo(ctx, dst, bytes.NewReader(bad), f.resolver, Options{})
		assert.ErrorIs(t, err, car.ErrMalformedCar)
		_, err = dst.GetRoot(ctx)
		assert.ErrorIs(t, err, storage.ErrRepoRootNotFound)
	})

	t.Run("missing record", func(t *testing.T) {
		root, bm, err := car.ReadAll(bytes.NewReader(raw))
		require.NoError(t, err)
		rec, err := r.GetRecord(ctx, posts, "post0004")
		require.NoError(t, err)
		bm.Delete(rec.CID)

		_, err = VerifyRepo(ctx, root, bm, alice, f.resolver)
		var missing *blocks.MissingBlockError
		require.True(t, errors.As(err, &missing), "got %v", err)
		assert.True(t, missing.CID.Equals(rec.CID))
	})

	t.Run("wrong key", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		other := identity.NewStaticResolver()
		other.Set(alice, identity.Ed25519PublicKey(pub))

		dst := f.replica()
		_, err = ImportRepo(ctx, dst, bytes.NewReader(raw), other, Options{})
		assert.ErrorIs(t, err, ErrInvalidSignature)
		_, err = dst.GetRoot(ctx)
		assert.ErrorIs(t, err, storage.ErrRepoRootNotFound)
	})

	t.Run("other account", func(t *testing.T) {
		bob := memstore.New(storage.Options{}).ForDID("did:example:bob")
		_, err := ImportRepo(ctx, bob, bytes.NewReader(raw), f.resolver, Options{})
		assert.ErrorIs(t, err, ErrDIDMismatch)
	})
}

func TestImportReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{car.ErrMalformedCar, "malformed"},
		{ErrInvalidSignature, "signature"},
		{ErrDIDMismatch, "did"},
		{blocks.NewMissingBlockError(gocid.Undef), "missing_block"},
		{ErrBrokenChain, "chain"},
		{ErrNonMonotonicRev, "chain"},
		{storage.ErrConcurrentWrite, "conflict"},
		{storage.ErrCommitTooLarge, "too_large"},
		{storage.ErrRepoRootNotFound, "no_root"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, importReason(tt.err), "%v", tt.err)
	}
}
