package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/systemshift/atrepo/internal/car"
)

// WriteCarStream exports s as a CAR rooted at its current commit. Backends
// implement GetCarStream with it.
func WriteCarStream(ctx context.Context, s RepoStorage, since string, w io.Writer, opts car.ExportOptions) error {
	root, err := s.GetRoot(ctx)
	if err != nil {
		return fmt.Errorf("car stream for %s: %w", s.DID(), err)
	}
	return car.Export(ctx, s, root, since, w, opts)
}
