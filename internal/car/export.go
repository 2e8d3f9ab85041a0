package car

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gocid "github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/atrepo/internal/blocks"
	"github.com/systemshift/atrepo/internal/metrics"
)

// DefaultPageSize is the number of blocks fetched per GetBlockRange call.
const DefaultPageSize = 500

// BlockRanger pages through stored blocks in (rev desc, cid desc) order.
// since is an exclusive lower bound on rev ("" for none) and cursor an
// exclusive upper bound (nil for the start).
type BlockRanger interface {
	GetBlockRange(ctx context.Context, since string, cursor *blocks.RevCursor, limit int) ([]blocks.RepoBlock, error)
}

type ExportOptions struct {
	PageSize int
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Export writes a CAR rooted at root holding every block of src with rev
// greater than since (all blocks when since is "").
//
// A producer goroutine fetches pages while Export writes them on the
// calling goroutine. The channel between them holds a single page, so
// fetching runs at most one page ahead of writing. Each page is encoded up
// front and written with one Write call; cancellation is observed between
// pages, so a partial page is never emitted.
func Export(ctx context.Context, src BlockRanger, root gocid.Cid, since string, w io.Writer, opts ExportOptions) error {
	size := opts.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	hdr, err := AppendHeader(nil, root)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	pages := make(chan []blocks.RepoBlock, 1)

	g.Go(func() error {
		defer close(pages)
		var cursor *blocks.RevCursor
		for {
			page, err := src.GetBlockRange(gctx, since, cursor, size)
			if err != nil {
				return fmt.Errorf("fetch block page: %w", err)
			}
			if len(page) == 0 {
				return nil
			}
			select {
			case pages <- page:
			case <-gctx.Done():
				return gctx.Err()
			}
			if len(page) < size {
				return nil
			}
			last := page[len(page)-1]
			cursor = &blocks.RevCursor{Rev: last.Rev, CID: last.CID}
		}
	})

	written, werr := writePages(gctx, w, hdr, pages, opts.Metrics)
	if werr != nil {
		// unblock the producer
		cancel()
	}
	gerr := g.Wait()
	switch {
	case werr != nil && !errors.Is(werr, context.Canceled) && !errors.Is(werr, context.DeadlineExceeded):
		return werr
	case gerr != nil:
		return gerr
	case werr != nil:
		return werr
	}
	logger.Debug("car export finished",
		slog.String("root", root.String()),
		slog.String("since", since),
		slog.Int("blocks", written))
	return nil
}

// writePages writes hdr and then every page until pages is closed, and
// returns the number of blocks written.
func writePages(ctx context.Context, w io.Writer, hdr []byte, pages <-chan []blocks.RepoBlock, m *metrics.Metrics) (int, error) {
	if _, err := w.Write(hdr); err != nil {
		return 0, fmt.Errorf("write car header: %w", err)
	}
	var buf []byte
	written := 0
	for page := range pages {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		buf = buf[:0]
		for _, b := range page {
			buf = AppendBlock(buf, b.CID, b.Data)
			m.CarBlock(len(b.Data))
		}
		if _, err := w.Write(buf); err != nil {
			return written, fmt.Errorf("write car page: %w", err)
		}
		written += len(page)
	}
	return written, nil
}
