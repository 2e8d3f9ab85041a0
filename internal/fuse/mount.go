package fuse

import (
	"log/slog"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/atrepo/internal/repo"
	"github.com/systemshift/atrepo/internal/storage"
)

type Options struct {
	// Debug logs every FUSE request.
	Debug bool

	// Logger is optional.
	Logger *slog.Logger

	// Repo configures how the head is loaded on each read.
	Repo repo.Options
}

// Mount mounts s's repository read-only at mountpoint. Call Wait on the
// returned server to block and Unmount to stop.
func Mount(mountpoint string, s storage.RepoStorage, opts Options) (*gofuse.Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	root := &RootNode{view: &view{storage: s, opts: opts.Repo, logger: opts.Logger}}

	mo := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "atrepo",
			Name:          "atrepo",
			DisableXAttrs: true,
			Debug:         opts.Debug,
			Options:       []string{"ro"},
		},
	}
	server, err := fs.Mount(mountpoint, root, mo)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("mounted",
		slog.String("component", "fuse"),
		slog.String("did", s.DID()),
		slog.String("mountpoint", mountpoint))
	return server, nil
}
