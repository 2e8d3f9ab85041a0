// Package fuse exposes one account's repository as a read-only
// filesystem:
//
//	HEAD                          current commit CID
//	rev                           current revision
//	commit.json                   the signed commit
//	records/<collection>/<rkey>   raw DAG-CBOR record bytes
package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// RootNode is the mountpoint directory.
type RootNode struct {
	fs.Inode
	view *view
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	did := r.view.storage.DID()
	files := []struct {
		name string
		read func(context.Context) ([]byte, error)
	}{
		{"HEAD", r.view.head},
		{"rev", r.view.rev},
		{"commit.json", r.view.commit},
	}
	for _, f := range files {
		node := &FileNode{view: r.view, path: f.name, read: f.read}
		r.AddChild(f.name, r.NewPersistentInode(ctx, node, fs.StableAttr{
			Mode: syscall.S_IFREG,
			Ino:  stableIno(did, f.name),
		}), true)
	}

	records := &RecordsDir{view: r.view}
	r.AddChild("records", r.NewPersistentInode(ctx, records, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(did, "records"),
	}), true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(r.view.storage.DID(), "/")
	return fs.OK
}

// RecordsDir lists the collections present at the head.
type RecordsDir struct {
	fs.Inode
	view *view
}

var _ = (fs.NodeLookuper)((*RecordsDir)(nil))
var _ = (fs.NodeReaddirer)((*RecordsDir)(nil))
var _ = (fs.NodeGetattrer)((*RecordsDir)(nil))

func (d *RecordsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.view.storage.DID(), "records")
	return fs.OK
}

func (d *RecordsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	colls, err := d.view.collections(ctx)
	if err != nil {
		return nil, d.view.errno("readdir records", err)
	}
	did := d.view.storage.DID()
	entries := make([]fuse.DirEntry, len(colls))
	for i, c := range colls {
		entries[i] = fuse.DirEntry{
			Name: c,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(did, "records/"+c),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *RecordsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rkeys, err := d.view.rkeys(ctx, name)
	if err != nil {
		return nil, d.view.errno("lookup collection", err)
	}
	if len(rkeys) == 0 {
		return nil, syscall.ENOENT
	}
	dir := &CollectionDir{view: d.view, collection: name}
	return d.NewInode(ctx, dir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(d.view.storage.DID(), "records/"+name),
	}), fs.OK
}

// CollectionDir lists the records of one collection.
type CollectionDir struct {
	fs.Inode
	view       *view
	collection string
}

var _ = (fs.NodeLookuper)((*CollectionDir)(nil))
var _ = (fs.NodeReaddirer)((*CollectionDir)(nil))
var _ = (fs.NodeGetattrer)((*CollectionDir)(nil))

func (d *CollectionDir) path(rkey string) string {
	return "records/" + d.collection + "/" + rkey
}

func (d *CollectionDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.view.storage.DID(), "records/"+d.collection)
	return fs.OK
}

func (d *CollectionDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	rkeys, err := d.view.rkeys(ctx, d.collection)
	if err != nil {
		return nil, d.view.errno("readdir collection", err)
	}
	did := d.view.storage.DID()
	entries := make([]fuse.DirEntry, len(rkeys))
	for i, k := range rkeys {
		entries[i] = fuse.DirEntry{
			Name: k,
			Mode: syscall.S_IFREG,
			Ino:  stableIno(did, d.path(k)),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *CollectionDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	read := func(ctx context.Context) ([]byte, error) {
		return d.view.record(ctx, d.collection, name)
	}
	if _, err := read(ctx); err != nil {
		return nil, d.view.errno("lookup record", err)
	}
	f := &FileNode{view: d.view, path: d.path(name), read: read}
	return d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(d.view.storage.DID(), f.path),
	}), fs.OK
}
