package repo

import (
	"context"
	"fmt"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/dagcbor"
	"github.com/systemshift/atrepo/internal/identity"
)

// CommitVersion is the only commit format this package reads or writes.
const CommitVersion = 3

// UnsignedCommit is a commit without its signature. Its DAG-CBOR encoding
// is what gets signed.
type UnsignedCommit struct {
	DID     string        `cbor:"did"`
	Version int64         `cbor:"version"`
	Data    dagcbor.Link  `cbor:"data"`
	Rev     string        `cbor:"rev"`
	Prev    *dagcbor.Link `cbor:"prev"`
}

// Commit is a signed snapshot tying an account to an MST root. Commits
// form a chain through Prev.
type Commit struct {
	DID     string        `cbor:"did"`
	Version int64         `cbor:"version"`
	Data    dagcbor.Link  `cbor:"data"`
	Rev     string        `cbor:"rev"`
	Prev    *dagcbor.Link `cbor:"prev"`
	Sig     []byte        `cbor:"sig"`
}

// Bytes returns the canonical encoding that signatures cover.
func (u UnsignedCommit) Bytes() ([]byte, error) {
	return dagcbor.Marshal(u)
}

// Sign attaches s's signature.
func (u UnsignedCommit) Sign(s identity.Signer) (*Commit, error) {
	data, err := u.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode unsigned commit: %w", err)
	}
	sig, err := s.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("sign commit: %w", err)
	}
	return &Commit{
		DID:     u.DID,
		Version: u.Version,
		Data:    u.Data,
		Rev:     u.Rev,
		Prev:    u.Prev,
		Sig:     sig,
	}, nil
}

// Unsigned strips the signature.
func (c *Commit) Unsigned() UnsignedCommit {
	return UnsignedCommit{DID: c.DID, Version: c.Version, Data: c.Data, Rev: c.Rev, Prev: c.Prev}
}

// DataCID is the MST root the commit points at.
func (c *Commit) DataCID() gocid.Cid { return c.Data.CID }

// PrevCID is the previous commit, undefined for a genesis commit.
func (c *Commit) PrevCID() gocid.Cid { return dagcbor.CidOf(c.Prev) }

// Block encodes the commit as a content-addressed block.
func (c *Commit) Block() (blocks.Block, error) {
	b, err := dagcbor.Encode(c)
	if err != nil {
		return blocks.Block{}, fmt.Errorf("encode commit: %w", err)
	}
	return b, nil
}

// DecodeCommit parses a commit block and checks its shape. It does not
// check the signature; see VerifyCommit.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := dagcbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommit, err)
	}
	switch {
	case c.Version != CommitVersion:
		return nil, fmt.Errorf("%w: version %d", ErrInvalidCommit, c.Version)
	case c.DID == "":
		return nil, fmt.Errorf("%w: missing did", ErrInvalidCommit)
	case c.Rev == "":
		return nil, fmt.Errorf("%w: missing rev", ErrInvalidCommit)
	case !c.Data.CID.Defined():
		return nil, fmt.Errorf("%w: missing data", ErrInvalidCommit)
	case len(c.Sig) == 0:
		return nil, fmt.Errorf("%w: missing sig", ErrInvalidCommit)
	}
	return &c, nil
}

// ReadCommit fetches and decodes the commit stored under c.
func ReadCommit(ctx context.Context, bs blocks.Getter, c gocid.Cid) (*Commit, error) {
	data, err := bs.GetBytes(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", c, err)
	}
	if data == nil {
		return nil, blocks.NewMissingBlockError(c)
	}
	if err := blocks.VerifyBlock(c, data); err != nil {
		return nil, err
	}
	commit, err := DecodeCommit(data)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", c, err)
	}
	return commit, nil
}

// VerifyCommit checks that commit belongs to expectedDID and carries a
// valid signature from the key resolver returns for that DID.
func VerifyCommit(ctx context.Context, commit *Commit, expectedDID string, resolver identity.Resolver) error {
	if commit.DID != expectedDID {
		return fmt.Errorf("%w: commit is for %s, expected %s", ErrDIDMismatch, commit.DID, expectedDID)
	}
	if commit.Version != CommitVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidCommit, commit.Version)
	}
	key, err := resolver.ResolveSigningKey(ctx, expectedDID)
	if err != nil {
		return fmt.Errorf("resolve signing key for %s: %w", expectedDID, err)
	}
	data, err := commit.Unsigned().Bytes()
	if err != nil {
		return fmt.Errorf("encode unsigned commit: %w", err)
	}
	if err := key.Verify(data, commit.Sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// VerifyCommitChain checks that next directly follows prev, whose block
// CID is prevCID.
func VerifyCommitChain(prevCID gocid.Cid, prev, next *Commit) error {
	if !next.PrevCID().Equals(prevCID) {
		return fmt.Errorf("%w: prev is %s, head is %s", ErrBrokenChain, next.PrevCID(), prevCID)
	}
	if next.DID != prev.DID {
		return fmt.Errorf("%w: %s follows %s", ErrDIDMismatch, next.DID, prev.DID)
	}
	if next.Rev <= prev.Rev {
		return fmt.Errorf("%w: %s after %s", ErrNonMonotonicRev, next.Rev, prev.Rev)
	}
	return nil
}
