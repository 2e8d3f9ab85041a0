package fuse

import "hash/fnv"

// stableIno returns a stable inode number for path within one account's
// mount, so remounting the same account yields the same numbers.
func stableIno(did, path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(did))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return h.Sum64()
}
