package fuse

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"syscall"

	"github.com/systemshift/atrepo/internal/mst"
	"github.com/systemshift/atrepo/internal/repo"
	"github.com/systemshift/atrepo/internal/storage"
)

// view renders the current head of one account. Every call reloads the
// root, so the mount follows new commits without remounting.
type view struct {
	storage storage.RepoStorage
	opts    repo.Options
	logger  *slog.Logger
}

type commitJSON struct {
	CID     string  `json:"cid"`
	DID     string  `json:"did"`
	Version int64   `json:"version"`
	Data    string  `json:"data"`
	Rev     string  `json:"rev"`
	Prev    *string `json:"prev"`
	Sig     []byte  `json:"sig"`
}

func (v *view) load(ctx context.Context) (*repo.Repo, error) {
	return repo.Load(ctx, v.storage, v.opts)
}

func (v *view) head(ctx context.Context) ([]byte, error) {
	r, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(r.CID().String() + "\n"), nil
}

func (v *view) rev(ctx context.Context) ([]byte, error) {
	r, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(r.Rev() + "\n"), nil
}

func (v *view) commit(ctx context.Context) ([]byte, error) {
	r, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	c := r.Commit()
	out := commitJSON{
		CID:     r.CID().String(),
		DID:     c.DID,
		Version: c.Version,
		Data:    c.DataCID().String(),
		Rev:     c.Rev,
		Sig:     c.Sig,
	}
	if prev := c.PrevCID(); prev.Defined() {
		s := prev.String()
		out.Prev = &s
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// collections lists the distinct collections in key order. Keys are
// sorted, so each collection's records are contiguous.
func (v *view) collections(ctx context.Context) ([]string, error) {
	r, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	err = r.Data().Walk(ctx, func(l mst.Leaf) error {
		coll, _, ok := strings.Cut(l.Key, "/")
		if ok && (len(out) == 0 || out[len(out)-1] != coll) {
			out = append(out, coll)
		}
		return nil
	})
	return out, err
}

func (v *view) rkeys(ctx context.Context, collection string) ([]string, error) {
	r, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	leaves, err := r.Data().ListPrefix(ctx, collection+"/")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(leaves))
	for i, l := range leaves {
		out[i] = l.Key[len(collection)+1:]
	}
	return out, nil
}

func (v *view) record(ctx context.Context, collection, rkey string) ([]byte, error) {
	r, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := r.GetRecord(ctx, collection, rkey)
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// errno maps an engine error to the errno a reader sees.
func (v *view) errno(op string, err error) syscall.Errno {
	if repo.IsNotFound(err) {
		return syscall.ENOENT
	}
	v.logger.Warn("read failed",
		slog.String("component", "fuse"),
		slog.String("did", v.storage.DID()),
		slog.String("op", op),
		slog.Any("error", err))
	return syscall.EIO
}
