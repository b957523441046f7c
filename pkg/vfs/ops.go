package vfs

// Kind is the closed set of backends a node can belong to. Operations that
// take a second node (rename) match on it instead of inspecting dynamic
// types.
type Kind uint8

const (
	KindExt4 Kind = iota + 1
	KindFAT
)

// String returns the backend name.
func (k Kind) String() string {
	switch k {
	case KindExt4:
		return "ext4"
	case KindFAT:
		return "vfat"
	default:
		return "unknown"
	}
}

// NodeOps is implemented by every node adapter.
type NodeOps interface {
	// Inode returns the node's inode number, unique among live nodes of the
	// same filesystem.
	Inode() uint64

	Metadata() (Metadata, error)
	UpdateMetadata(update MetadataUpdate) error
	Filesystem() FilesystemOps

	// Sync flushes pending writes. dataOnly may be ignored by backends
	// without a separate metadata journal.
	Sync(dataOnly bool) error

	Len() (uint64, error)

	// Kind identifies the backend the node belongs to.
	Kind() Kind

	// Release frees the adapter's resources. It is called exactly once, when
	// the last reference to the owning DirEntry is dropped, and never while
	// the filesystem's lock is held.
	Release()
}

// FileNodeOps is implemented by adapters of non-directory nodes.
type FileNodeOps interface {
	NodeOps

	ReadAt(buf []byte, offset uint64) (int, error)
	WriteAt(buf []byte, offset uint64) (int, error)

	// Append writes buf at the end of the file and returns the number of
	// bytes written and the new length, atomically with respect to every
	// other operation on the same filesystem.
	Append(buf []byte) (int, uint64, error)

	SetLen(length uint64) error
	SetSymlink(target string) error
}

// DirEntrySink receives one directory entry per call during ReadDir and
// returns false to stop the listing.
type DirEntrySink func(name string, ino uint64, nodeType NodeType, nextOffset uint64) bool

// DirNodeOps is implemented by directory adapters.
type DirNodeOps interface {
	NodeOps

	// ReadDir lists entries starting at offset and returns how many were
	// accepted by sink. sink runs with the filesystem locked and must not
	// call back into it.
	ReadDir(offset uint64, sink DirEntrySink) (int, error)

	// Lookup returns the entry for name. The caller owns one reference.
	Lookup(name string) (*DirEntry, error)

	// Create makes a new node. The caller owns one reference to the result.
	Create(name string, nodeType NodeType, perm NodePermission) (*DirEntry, error)

	// Link adds name as a new hard link to existing.
	Link(name string, existing *DirEntry) (*DirEntry, error)

	Unlink(name string) error

	// Rename moves srcName in this directory to dstName in dstDir,
	// replacing dstName if it exists.
	Rename(srcName string, dstDir *DirEntry, dstName string) error
}

// FilesystemOps is implemented by filesystem containers.
type FilesystemOps interface {
	Name() string

	// RootDir returns the root entry. The caller owns one reference.
	RootDir() *DirEntry

	Stat() (StatFs, error)
}
