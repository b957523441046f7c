package ext4

import (
	"github.com/scttfrdmn/diskvfs/internal/backend/extfs"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// intoVFSErr translates an engine error into the vfs taxonomy.
func intoVFSErr(err error) error {
	if err == nil {
		return nil
	}
	var code errors.ErrorCode
	var errno extfs.Errno
	if !errors.As(err, &errno) {
		errno = extfs.EIO
	}
	switch errno {
	case extfs.ENOENT:
		code = errors.ErrCodeNotFound
	case extfs.EEXIST:
		code = errors.ErrCodeAlreadyExists
	case extfs.EINVAL:
		code = errors.ErrCodeInvalidArgument
	case extfs.EPERM, extfs.EMLINK:
		code = errors.ErrCodeNotPermitted
	case extfs.ENOSPC, extfs.EFBIG:
		code = errors.ErrCodeNoSpace
	case extfs.ENOTDIR:
		code = errors.ErrCodeNotDirectory
	case extfs.EISDIR:
		code = errors.ErrCodeIsDirectory
	case extfs.ENOTEMPTY:
		code = errors.ErrCodeNotEmpty
	case extfs.ENAMETOOLONG:
		code = errors.ErrCodeNameTooLong
	default:
		code = errors.ErrCodeIO
	}

	fsErr := errors.New(code, "").WithComponent("ext4").WithCause(err)
	var engineErr *extfs.Error
	if errors.As(err, &engineErr) {
		fsErr.WithOperation(engineErr.Op)
	}
	return fsErr
}

func intoVFSType(t extfs.InodeType) vfs.NodeType {
	switch t {
	case extfs.InodeTypeFifo:
		return vfs.NodeTypeFifo
	case extfs.InodeTypeCharacterDevice:
		return vfs.NodeTypeCharacterDevice
	case extfs.InodeTypeDirectory:
		return vfs.NodeTypeDirectory
	case extfs.InodeTypeBlockDevice:
		return vfs.NodeTypeBlockDevice
	case extfs.InodeTypeRegularFile:
		return vfs.NodeTypeRegularFile
	case extfs.InodeTypeSymlink:
		return vfs.NodeTypeSymlink
	case extfs.InodeTypeSocket:
		return vfs.NodeTypeSocket
	default:
		return vfs.NodeTypeUnknown
	}
}

// fromVFSType maps a generic node type onto the engine's. Unknown has no
// engine counterpart.
func fromVFSType(t vfs.NodeType) (extfs.InodeType, bool) {
	switch t {
	case vfs.NodeTypeFifo:
		return extfs.InodeTypeFifo, true
	case vfs.NodeTypeCharacterDevice:
		return extfs.InodeTypeCharacterDevice, true
	case vfs.NodeTypeDirectory:
		return extfs.InodeTypeDirectory, true
	case vfs.NodeTypeBlockDevice:
		return extfs.InodeTypeBlockDevice, true
	case vfs.NodeTypeRegularFile:
		return extfs.InodeTypeRegularFile, true
	case vfs.NodeTypeSymlink:
		return extfs.InodeTypeSymlink, true
	case vfs.NodeTypeSocket:
		return extfs.InodeTypeSocket, true
	default:
		return extfs.InodeTypeUnknown, false
	}
}

func intoMetadata(ino uint32, attr extfs.FileAttr) vfs.Metadata {
	return vfs.Metadata{
		Inode:     uint64(ino),
		Device:    attr.Device,
		Nlink:     attr.Nlink,
		Mode:      vfs.PermissionFromBits(attr.Mode),
		NodeType:  intoVFSType(attr.NodeType),
		UID:       attr.UID,
		GID:       attr.GID,
		Size:      attr.Size,
		BlockSize: attr.BlockSize,
		Blocks:    attr.Blocks,
		Atime:     attr.Atime,
		Mtime:     attr.Mtime,
		Ctime:     attr.Ctime,
	}
}
