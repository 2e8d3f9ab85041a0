package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FileNode is a read-only file whose content is rendered on every access.
type FileNode struct {
	fs.Inode
	view *view
	path string
	read func(context.Context) ([]byte, error)
}

var _ = (fs.NodeGetattrer)((*FileNode)(nil))
var _ = (fs.NodeOpener)((*FileNode)(nil))
var _ = (fs.NodeReader)((*FileNode)(nil))

func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, err := f.read(ctx)
	if err != nil {
		return f.view.errno("getattr "+f.path, err)
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = stableIno(f.view.storage.DID(), f.path)
	return fs.OK
}

func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	// the head may move between reads
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *FileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.read(ctx)
	if err != nil {
		return nil, f.view.errno("read "+f.path, err)
	}
	return fuse.ReadResultData(window(data, dest, off)), fs.OK
}

// window returns the part of data a read of len(dest) bytes at off sees.
func window(data, dest []byte, off int64) []byte {
	if off >= int64(len(data)) {
		return nil
	}
	end := min(off+int64(len(dest)), int64(len(data)))
	return data[off:end]
}
