package repo

import (
	"context"
	"errors"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
)

// HistoryEntry is one commit of the chain with its block CID.
type HistoryEntry struct {
	CID    gocid.Cid
	Commit *Commit
}

// History walks the prev chain from r's head, returning up to n commits
// newest first. A replica may not hold commits older than the one it was
// imported at; the walk stops quietly at the first missing commit.
func (r *Repo) History(ctx context.Context, n int) ([]HistoryEntry, error) {
	var out []HistoryEntry
	current, commit := r.head.CID, r.head.Commit
	for len(out) < n {
		out = append(out, HistoryEntry{CID: current, Commit: commit})
		prev := commit.PrevCID()
		if !prev.Defined() {
			break
		}
		older, err := ReadCommit(ctx, r.storage, prev)
		if errors.Is(err, blocks.ErrMissingBlock) {
			break
		}
		if err != nil {
			return out, err
		}
		if err := VerifyCommitChain(prev, older, commit); err != nil {
			return out, err
		}
		current, commit = prev, older
	}
	return out, nil
}
