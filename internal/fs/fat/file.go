package fat

import (
	"io"
	"sync/atomic"

	"github.com/scttfrdmn/diskvfs/internal/backend/fatfs"
	"github.com/scttfrdmn/diskvfs/internal/guarded"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// FileNode is the adapter of a FAT regular file.
type FileNode struct {
	fs       *Filesystem
	file     *guarded.Cursor[*fatfs.File]
	ino      uint64
	released atomic.Bool
}

var _ vfs.FileNodeOps = (*FileNode)(nil)

func newFileNode(fs *Filesystem, file *guarded.Cursor[*fatfs.File], ino uint64) *FileNode {
	return &FileNode{fs: fs, file: file, ino: ino}
}

func (f *FileNode) Inode() uint64 {
	return f.ino
}

func (f *FileNode) Kind() vfs.Kind {
	return vfs.KindFAT
}

func (f *FileNode) Filesystem() vfs.FilesystemOps {
	return f.fs
}

func (f *FileNode) Metadata() (vfs.Metadata, error) {
	g := f.fs.acquire("getattr")
	defer g.Release()

	return fileMetadata(f.ino, f.file.Borrow(g), f.fs.engine.BytesPerSector(), false), nil
}

// UpdateMetadata applies the access and modification times.
func (f *FileNode) UpdateMetadata(update vfs.MetadataUpdate) error {
	g := f.fs.acquire("setattr")
	defer g.Release()

	applyTimes(f.file.Borrow(g), update)
	return nil
}

// Sync flushes the volume. FAT keeps no separate metadata, so dataOnly is
// ignored.
func (f *FileNode) Sync(dataOnly bool) error {
	g := f.fs.acquire("fsync")
	defer g.Release()

	return intoVFSErr("fsync", f.file.Borrow(g).Flush())
}

func (f *FileNode) Len() (uint64, error) {
	g := f.fs.acquire("len")
	defer g.Release()

	return uint64(f.file.Borrow(g).Size()), nil
}

// Release returns the inode number. Only the first call has an effect.
func (f *FileNode) Release() {
	if f.released.CompareAndSwap(false, true) {
		f.fs.releaseIno(f.ino)
	}
}

// ReadAt reads until buf is full, the end of file is reached or the
// engine makes no progress.
func (f *FileNode) ReadAt(buf []byte, offset uint64) (int, error) {
	g := f.fs.acquire("read")
	defer g.Release()

	file := f.file.Borrow(g)
	if offset >= uint64(file.Size()) {
		return 0, nil
	}
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, intoVFSErr("read", err)
	}
	total := 0
	for total < len(buf) {
		n, err := file.Read(buf[total:])
		total += n
		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return total, intoVFSErr("read", err)
		}
	}
	return total, nil
}

// WriteAt writes all of buf at offset. Writing past the end of file first
// zero-fills the gap.
func (f *FileNode) WriteAt(buf []byte, offset uint64) (int, error) {
	g := f.fs.acquire("write")
	defer g.Release()

	file := f.file.Borrow(g)
	if size := uint64(file.Size()); offset > size {
		if err := f.growLocked(file, size, offset); err != nil {
			return 0, err
		}
	}
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, intoVFSErr("write", err)
	}
	total := 0
	for total < len(buf) {
		n, err := file.Write(buf[total:])
		total += n
		if err != nil {
			return total, intoVFSErr("write", err)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Append writes all of buf at the end of file and returns the count
// written and the new end. On failure the bytes already written stay in
// the file and are reported.
func (f *FileNode) Append(buf []byte) (int, uint64, error) {
	g := f.fs.acquire("append")
	defer g.Release()

	file := f.file.Borrow(g)
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, intoVFSErr("append", err)
	}
	total := 0
	for total < len(buf) {
		n, err := file.Write(buf[total:])
		total += n
		if err != nil {
			return total, uint64(end) + uint64(total), intoVFSErr("append", err)
		}
		if n == 0 {
			break
		}
	}
	return total, uint64(end) + uint64(total), nil
}

// SetLen truncates the file or extends it with zeros.
func (f *FileNode) SetLen(length uint64) error {
	g := f.fs.acquire("truncate")
	defer g.Release()

	file := f.file.Borrow(g)
	size := uint64(file.Size())
	if length > size {
		return f.growLocked(file, size, length)
	}
	if _, err := file.Seek(int64(length), io.SeekStart); err != nil {
		return intoVFSErr("truncate", err)
	}
	return intoVFSErr("truncate", file.Truncate())
}

// growLocked zero-fills file from size to length in sector-aligned chunks.
func (f *FileNode) growLocked(file *fatfs.File, size, length uint64) error {
	if length > 0xFFFFFFFF {
		return intoVFSErr("truncate", fatfs.ErrFileTooLarge)
	}
	bs := uint64(f.fs.engine.BytesPerSector())
	zeros := make([]byte, bs)
	if _, err := file.Seek(int64(size), io.SeekStart); err != nil {
		return intoVFSErr("truncate", err)
	}
	for pos := size; pos < length; {
		chunk := min(bs-(pos&(bs-1)), length-pos)
		n, err := file.Write(zeros[:chunk])
		if err != nil {
			return intoVFSErr("truncate", err)
		}
		if n == 0 {
			return errors.New(errors.ErrCodeIO, "short write while extending file").
				WithComponent("vfat").WithOperation("truncate")
		}
		pos += uint64(n)
	}
	return nil
}

// SetSymlink is not supported by FAT.
func (f *FileNode) SetSymlink(target string) error {
	return notPermitted("symlink")
}
