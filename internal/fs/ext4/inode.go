package ext4

import (
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/scttfrdmn/diskvfs/internal/backend/extfs"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// Inode is the adapter for every ext4 node. It holds nothing but the inode
// number; directories also keep a weak handle to their own entry so that
// children can reference them as parent.
type Inode struct {
	fs    *Filesystem
	ino   uint32
	this  vfs.WeakDirEntry
	isDir bool
}

var (
	_ vfs.FileNodeOps = (*Inode)(nil)
	_ vfs.DirNodeOps  = (*Inode)(nil)
)

func newInode(fs *Filesystem, ino uint32, this vfs.WeakDirEntry, isDir bool) *Inode {
	return &Inode{fs: fs, ino: ino, this: this, isDir: isDir}
}

func (i *Inode) Inode() uint64 {
	return uint64(i.ino)
}

func (i *Inode) Kind() vfs.Kind {
	return vfs.KindExt4
}

func (i *Inode) Filesystem() vfs.FilesystemOps {
	return i.fs
}

func (i *Inode) Metadata() (vfs.Metadata, error) {
	g := i.fs.acquire("getattr")
	defer g.Release()

	attr, err := i.fs.engine.GetAttr(i.ino)
	if err != nil {
		return vfs.Metadata{}, intoVFSErr(err)
	}
	return intoMetadata(i.ino, attr), nil
}

// UpdateMetadata applies the set fields of update. The file type bits of
// the stored mode are preserved.
func (i *Inode) UpdateMetadata(update vfs.MetadataUpdate) error {
	if update.Empty() {
		return nil
	}
	g := i.fs.acquire("setattr")
	defer g.Release()

	err := i.fs.engine.WithInodeRef(i.ino, func(r *extfs.InodeRef) error {
		if update.Mode != nil {
			perm := uint32(*update.Mode & vfs.PermissionMask)
			r.SetMode((r.Mode() &^ uint32(vfs.PermissionMask)) | perm)
		}
		if update.Owner != nil {
			r.SetOwner(update.Owner.UID, update.Owner.GID)
		}
		if update.Atime != nil {
			r.SetAtime(*update.Atime)
		}
		if update.Mtime != nil {
			r.SetMtime(*update.Mtime)
		}
		return nil
	})
	return intoVFSErr(err)
}

// Sync is a no-op; the volume is written out by Filesystem.Flush.
func (i *Inode) Sync(dataOnly bool) error {
	return nil
}

func (i *Inode) Len() (uint64, error) {
	g := i.fs.acquire("len")
	defer g.Release()

	var size uint64
	err := i.fs.engine.WithInodeRef(i.ino, func(r *extfs.InodeRef) error {
		size = r.Size()
		return nil
	})
	return size, intoVFSErr(err)
}

func (i *Inode) Release() {}

func (i *Inode) ReadAt(buf []byte, offset uint64) (int, error) {
	g := i.fs.acquire("read")
	defer g.Release()

	n, err := i.fs.engine.ReadAt(i.ino, buf, offset)
	return n, intoVFSErr(err)
}

func (i *Inode) WriteAt(buf []byte, offset uint64) (int, error) {
	g := i.fs.acquire("write")
	defer g.Release()

	n, err := i.fs.engine.WriteAt(i.ino, buf, offset)
	return n, intoVFSErr(err)
}

// Append writes buf at the current end of file. Reading the size and
// writing happen under one acquisition of the mount lock.
func (i *Inode) Append(buf []byte) (int, uint64, error) {
	g := i.fs.acquire("append")
	defer g.Release()

	var size uint64
	if err := i.fs.engine.WithInodeRef(i.ino, func(r *extfs.InodeRef) error {
		size = r.Size()
		return nil
	}); err != nil {
		return 0, 0, intoVFSErr(err)
	}
	n, err := i.fs.engine.WriteAt(i.ino, buf, size)
	if err != nil {
		return 0, 0, intoVFSErr(err)
	}
	return n, size + uint64(n), nil
}

func (i *Inode) SetLen(length uint64) error {
	g := i.fs.acquire("truncate")
	defer g.Release()

	return intoVFSErr(i.fs.engine.SetLen(i.ino, length))
}

func (i *Inode) SetSymlink(target string) error {
	g := i.fs.acquire("symlink")
	defer g.Release()

	return intoVFSErr(i.fs.engine.SetSymlink(i.ino, []byte(target)))
}

// ReadDir lists the directory starting at offset, "." and ".." included.
// A stored name that is not valid UTF-8 fails the listing.
func (i *Inode) ReadDir(offset uint64, sink vfs.DirEntrySink) (int, error) {
	g := i.fs.acquire("readdir")
	defer g.Release()

	reader, err := i.fs.engine.ReadDir(i.ino, offset)
	if err != nil {
		return 0, intoVFSErr(err)
	}
	count := 0
	for {
		e, ok := reader.Current()
		if !ok {
			return count, nil
		}
		if !utf8.Valid(e.Name()) {
			i.fs.logger.Debug("non utf-8 directory entry",
				zap.Uint32("dir", i.ino), zap.Uint32("ino", e.Ino()))
			return count, errors.New(errors.ErrCodeInvalidArgument, "directory entry name is not valid UTF-8").
				WithComponent("ext4").WithOperation("readdir")
		}
		if err := reader.Next(); err != nil {
			return count, intoVFSErr(err)
		}
		if !sink(string(e.Name()), uint64(e.Ino()), intoVFSType(e.InodeType()), reader.Offset()) {
			return count, nil
		}
		count++
	}
}

func (i *Inode) Lookup(name string) (*vfs.DirEntry, error) {
	g := i.fs.acquire("lookup")
	defer g.Release()

	return i.lookupLocked(name)
}

func (i *Inode) lookupLocked(name string) (*vfs.DirEntry, error) {
	e, err := i.fs.engine.Lookup(i.ino, name)
	if err != nil {
		return nil, intoVFSErr(err)
	}
	return i.createEntry(name, e.Ino(), intoVFSType(e.InodeType()))
}

// createEntry builds a new entry for child ino named name under this
// directory. The entry takes a reference on this directory's entry.
func (i *Inode) createEntry(name string, ino uint32, nodeType vfs.NodeType) (*vfs.DirEntry, error) {
	parent := i.this.Upgrade()
	if parent == nil {
		return nil, errors.New(errors.ErrCodeIO, "parent entry released").WithComponent("ext4")
	}
	ref := vfs.NewReference(parent, name)
	if nodeType == vfs.NodeTypeDirectory {
		return vfs.NewDirEntry(ref, func(this vfs.WeakDirEntry) vfs.DirNodeOps {
			return newInode(i.fs, ino, this, true)
		}), nil
	}
	return vfs.NewFileEntry(newInode(i.fs, ino, vfs.WeakDirEntry{}, false), nodeType, ref), nil
}

func (i *Inode) Create(name string, nodeType vfs.NodeType, perm vfs.NodePermission) (*vfs.DirEntry, error) {
	itype, ok := fromVFSType(nodeType)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "cannot create node of type %s", nodeType).
			WithComponent("ext4").WithOperation("create")
	}

	g := i.fs.acquire("create")
	defer g.Release()

	ino, err := i.fs.engine.Create(i.ino, name, itype, uint32(perm&vfs.PermissionMask))
	if err != nil {
		return nil, intoVFSErr(err)
	}
	return i.createEntry(name, ino, nodeType)
}

// sameFs returns the ext4 adapter behind other when it belongs to this
// mount.
func (i *Inode) sameFs(op string, other vfs.NodeOps) (*Inode, error) {
	switch other.Kind() {
	case vfs.KindExt4:
		if o, ok := other.(*Inode); ok && o.fs == i.fs {
			return o, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeInvalidArgument, "%s across filesystems", op).
		WithComponent("ext4").WithOperation(op)
}

func (i *Inode) Link(name string, existing *vfs.DirEntry) (*vfs.DirEntry, error) {
	target, err := i.sameFs("link", existing.Node())
	if err != nil {
		return nil, err
	}

	g := i.fs.acquire("link")
	defer g.Release()

	if err := i.fs.engine.Link(i.ino, name, target.ino); err != nil {
		return nil, intoVFSErr(err)
	}
	return i.lookupLocked(name)
}

func (i *Inode) Unlink(name string) error {
	g := i.fs.acquire("unlink")
	defer g.Release()

	return intoVFSErr(i.fs.engine.Unlink(i.ino, name))
}

func (i *Inode) Rename(srcName string, dstDir *vfs.DirEntry, dstName string) error {
	dst, err := i.sameFs("rename", dstDir.Node())
	if err != nil {
		return err
	}
	if !dst.isDir {
		return errors.New(errors.ErrCodeNotDirectory, "").WithComponent("ext4").WithOperation("rename")
	}

	g := i.fs.acquire("rename")
	defer g.Release()

	return intoVFSErr(i.fs.engine.Rename(i.ino, srcName, dst.ino, dstName))
}
