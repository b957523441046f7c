package vfs

import (
	"io/fs"
	"time"
)

// NodeType is the type of a filesystem node.
type NodeType uint8

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeFifo
	NodeTypeCharacterDevice
	NodeTypeDirectory
	NodeTypeBlockDevice
	NodeTypeRegularFile
	NodeTypeSymlink
	NodeTypeSocket
)

// String returns the string representation of the node type
func (t NodeType) String() string {
	switch t {
	case NodeTypeFifo:
		return "fifo"
	case NodeTypeCharacterDevice:
		return "chardev"
	case NodeTypeDirectory:
		return "dir"
	case NodeTypeBlockDevice:
		return "blockdev"
	case NodeTypeRegularFile:
		return "file"
	case NodeTypeSymlink:
		return "symlink"
	case NodeTypeSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// FileMode returns the io/fs type bits for t.
func (t NodeType) FileMode() fs.FileMode {
	switch t {
	case NodeTypeFifo:
		return fs.ModeNamedPipe
	case NodeTypeCharacterDevice:
		return fs.ModeDevice | fs.ModeCharDevice
	case NodeTypeDirectory:
		return fs.ModeDir
	case NodeTypeBlockDevice:
		return fs.ModeDevice
	case NodeTypeSymlink:
		return fs.ModeSymlink
	case NodeTypeSocket:
		return fs.ModeSocket
	case NodeTypeRegularFile:
		return 0
	default:
		return fs.ModeIrregular
	}
}

// NodePermission holds the permission bits of a node (0o7777).
type NodePermission uint16

const (
	// PermissionMask covers rwx for user/group/other plus setuid, setgid
	// and sticky.
	PermissionMask NodePermission = 0o7777

	DefaultFilePermission NodePermission = 0o644
	DefaultDirPermission  NodePermission = 0o755
)

// PermissionFromBits keeps only the permission bits of mode.
func PermissionFromBits(mode uint32) NodePermission {
	return NodePermission(mode) & PermissionMask
}

// DeviceID identifies a device for special files.
type DeviceID struct {
	Major uint32
	Minor uint32
}

// Metadata is the generic attribute record of a node.
type Metadata struct {
	Inode     uint64
	Device    uint64
	Nlink     uint64
	Mode      NodePermission
	NodeType  NodeType
	UID       uint32
	GID       uint32
	Size      uint64
	BlockSize uint64
	Blocks    uint64
	Rdev      DeviceID
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// Owner is a uid/gid pair.
type Owner struct {
	UID uint32
	GID uint32
}

// MetadataUpdate is a partial metadata change. Nil fields are left alone.
type MetadataUpdate struct {
	Mode  *NodePermission
	Owner *Owner
	Atime *time.Time
	Mtime *time.Time
}

// Empty reports whether the update changes nothing.
func (u MetadataUpdate) Empty() bool {
	return u.Mode == nil && u.Owner == nil && u.Atime == nil && u.Mtime == nil
}

// StatFs describes a mounted filesystem.
type StatFs struct {
	FsType          uint64
	BlockSize       uint64
	Blocks          uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	FileCount       uint64
	FreeFileCount   uint64
	NameLength      uint32
	FragmentSize    uint64
	MountFlags      uint64
}

// MaxNameLen is the longest single path component accepted by the VFS.
const MaxNameLen = 255

// Epoch is reported for timestamps a backend does not track.
var Epoch = time.Unix(0, 0).UTC()
