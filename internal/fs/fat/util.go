package fat

import (
	"github.com/scttfrdmn/diskvfs/internal/backend/fatfs"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// intoVFSErr translates an engine error raised by op into the vfs
// taxonomy.
func intoVFSErr(op string, err error) error {
	if err == nil {
		return nil
	}
	code := errors.ErrCodeIO
	var fe *fatfs.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fatfs.KindNotFound:
			code = errors.ErrCodeNotFound
		case fatfs.KindAlreadyExists:
			code = errors.ErrCodeAlreadyExists
		case fatfs.KindInvalidInput, fatfs.KindInvalidFileNameLength, fatfs.KindUnsupportedFileNameCharacter:
			code = errors.ErrCodeInvalidArgument
		case fatfs.KindDirectoryIsNotEmpty:
			code = errors.ErrCodeNotEmpty
		case fatfs.KindNotEnoughSpace, fatfs.KindFileTooLarge:
			code = errors.ErrCodeNoSpace
		}
	}
	return errors.New(code, "").WithComponent("vfat").WithOperation(op).WithCause(err)
}

func notPermitted(op string) error {
	return errors.New(errors.ErrCodeNotPermitted, "").WithComponent("vfat").WithOperation(op)
}

func invalidArgument(op, msg string) error {
	return errors.New(errors.ErrCodeInvalidArgument, msg).WithComponent("vfat").WithOperation(op)
}

// fileMetadata builds metadata from the engine's file view of an entry.
// Block counts are in 512-byte units.
func fileMetadata(ino uint64, f *fatfs.File, sectorSize uint16, isDir bool) vfs.Metadata {
	size := uint64(f.Size())
	md := vfs.Metadata{
		Inode:     ino,
		Nlink:     1,
		Mode:      vfs.DefaultFilePermission,
		NodeType:  vfs.NodeTypeRegularFile,
		Size:      size,
		BlockSize: uint64(sectorSize),
		Blocks:    (size + 511) / 512,
		Atime:     f.Accessed(),
		Mtime:     f.Modified(),
		Ctime:     f.Created(),
	}
	if isDir {
		md.Mode = vfs.DefaultDirPermission
		md.NodeType = vfs.NodeTypeDirectory
	}
	return md
}

// rootMetadata synthesizes metadata for the root directory, which has no
// entry of its own on a FAT volume.
func rootMetadata(ino uint64, sectorSize uint16) vfs.Metadata {
	return vfs.Metadata{
		Inode:     ino,
		Nlink:     1,
		Mode:      vfs.DefaultDirPermission,
		NodeType:  vfs.NodeTypeDirectory,
		Size:      uint64(sectorSize),
		BlockSize: uint64(sectorSize),
		Blocks:    1,
		Atime:     vfs.Epoch,
		Mtime:     vfs.Epoch,
		Ctime:     vfs.Epoch,
	}
}

// applyTimes sets the access and modification times requested by update.
// FAT keeps no owner or permission bits, so those fields are ignored.
func applyTimes(f *fatfs.File, update vfs.MetadataUpdate) {
	if update.Atime != nil {
		f.SetAccessed(*update.Atime)
	}
	if update.Mtime != nil {
		f.SetModified(*update.Mtime)
	}
}

// dropAll releases entries collected while the mount lock was held.
func dropAll(entries ...*vfs.DirEntry) {
	for _, e := range entries {
		if e != nil {
			e.DecRef()
		}
	}
}
