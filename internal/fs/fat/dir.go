package fat

import (
	"strings"
	"sync/atomic"

	"github.com/scttfrdmn/diskvfs/internal/backend/fatfs"
	"github.com/scttfrdmn/diskvfs/internal/guarded"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// DirNode is the adapter of a FAT directory.
type DirNode struct {
	fs       *Filesystem
	dir      *guarded.Cursor[*fatfs.Dir]
	ino      uint64
	this     vfs.WeakDirEntry
	isRoot   bool
	released atomic.Bool
}

var _ vfs.DirNodeOps = (*DirNode)(nil)

func newDirNode(fs *Filesystem, dir *guarded.Cursor[*fatfs.Dir], ino uint64, this vfs.WeakDirEntry, isRoot bool) *DirNode {
	return &DirNode{fs: fs, dir: dir, ino: ino, this: this, isRoot: isRoot}
}

func (d *DirNode) Inode() uint64 {
	return d.ino
}

func (d *DirNode) Kind() vfs.Kind {
	return vfs.KindFAT
}

func (d *DirNode) Filesystem() vfs.FilesystemOps {
	return d.fs
}

// self returns this directory's own entry. Callers reach the adapter
// through that entry, so it is alive for the duration of the call.
func (d *DirNode) self() (*vfs.DirEntry, error) {
	e := d.this.Peek()
	if e == nil {
		return nil, errors.New(errors.ErrCodeIO, "directory entry released").WithComponent("vfat")
	}
	return e, nil
}

func (d *DirNode) Metadata() (vfs.Metadata, error) {
	g := d.fs.acquire("getattr")
	defer g.Release()

	bps := d.fs.engine.BytesPerSector()
	if d.isRoot {
		return rootMetadata(d.ino, bps), nil
	}
	f := d.dir.Borrow(g).AsFile()
	if f == nil {
		return rootMetadata(d.ino, bps), nil
	}
	return fileMetadata(d.ino, f, bps, true), nil
}

func (d *DirNode) UpdateMetadata(update vfs.MetadataUpdate) error {
	g := d.fs.acquire("setattr")
	defer g.Release()

	if f := d.dir.Borrow(g).AsFile(); f != nil {
		applyTimes(f, update)
	}
	return nil
}

func (d *DirNode) Sync(dataOnly bool) error {
	g := d.fs.acquire("fsync")
	defer g.Release()

	return intoVFSErr("fsync", d.fs.engine.Flush())
}

func (d *DirNode) Len() (uint64, error) {
	md, err := d.Metadata()
	if err != nil {
		return 0, err
	}
	return md.Size, nil
}

// Release returns the inode number. Only the first call has an effect.
func (d *DirNode) Release() {
	if d.released.CompareAndSwap(false, true) {
		d.fs.releaseIno(d.ino)
	}
}

// findLocked returns the engine entry matching name.
func findLocked(dir *fatfs.Dir, name string) (fatfs.DirEntry, error) {
	it := dir.Iter()
	for it.Next() {
		if e := it.Entry(); e.EqName(name) {
			return e, nil
		}
	}
	if err := it.Err(); err != nil {
		return fatfs.DirEntry{}, err
	}
	return fatfs.DirEntry{}, fatfs.ErrNotFound
}

// newChildLocked materializes a tree entry for a child of this directory.
// Exactly one of dir and file is set. The entry gets a fresh inode number
// and a reference on this directory's entry; the caller owns its single
// reference.
func (d *DirNode) newChildLocked(g *guarded.Guard, name string, dir *fatfs.Dir, file *fatfs.File) (*vfs.DirEntry, error) {
	parent := d.this.Upgrade()
	if parent == nil {
		return nil, errors.New(errors.ErrCodeIO, "directory entry released").WithComponent("vfat")
	}
	ino := d.fs.inodes.Alloc()
	ref := vfs.NewReference(parent, name)
	if dir != nil {
		cursor := guarded.NewCursor(g, dir)
		return vfs.NewDirEntry(ref, func(this vfs.WeakDirEntry) vfs.DirNodeOps {
			return newDirNode(d.fs, cursor, ino, this, false)
		}), nil
	}
	return vfs.NewFileEntry(newFileNode(d.fs, guarded.NewCursor(g, file), ino), vfs.NodeTypeRegularFile, ref), nil
}

func (d *DirNode) childLocked(g *guarded.Guard, e fatfs.DirEntry) (*vfs.DirEntry, error) {
	if e.IsDir() {
		return d.newChildLocked(g, e.FileName(), e.ToDir(), nil)
	}
	return d.newChildLocked(g, e.FileName(), nil, e.ToFile())
}

func entryType(e fatfs.DirEntry) vfs.NodeType {
	if e.IsDir() {
		return vfs.NodeTypeDirectory
	}
	return vfs.NodeTypeRegularFile
}

// ReadDir lists entries in engine order. offset counts entries already
// delivered; each entry is reported under its stored name together with
// the inode number a following Lookup returns.
func (d *DirNode) ReadDir(offset uint64, sink vfs.DirEntrySink) (int, error) {
	var stale []*vfs.DirEntry
	defer func() { dropAll(stale...) }()
	g := d.fs.acquire("readdir")
	defer g.Release()

	self, err := d.self()
	if err != nil {
		return 0, err
	}
	it := d.dir.Borrow(g).Iter()
	var idx uint64
	count := 0
	for it.Next() {
		idx++
		if idx <= offset {
			continue
		}
		e := it.Entry()
		name := e.FileName()
		ino, ok := self.CachedInode(name)
		if !ok {
			child, err := d.childLocked(g, e)
			if err != nil {
				return count, err
			}
			self.InsertCache(name, child)
			stale = append(stale, child)
			ino = child.Inode()
		}
		if !sink(name, ino, entryType(e), idx) {
			return count, nil
		}
		count++
	}
	if err := it.Err(); err != nil {
		return count, intoVFSErr("readdir", err)
	}
	return count, nil
}

func (d *DirNode) Lookup(name string) (*vfs.DirEntry, error) {
	var stale []*vfs.DirEntry
	defer func() { dropAll(stale...) }()
	g := d.fs.acquire("lookup")
	defer g.Release()

	self, err := d.self()
	if err != nil {
		return nil, err
	}
	if cached := self.LookupCache(name); cached != nil {
		return cached, nil
	}
	e, err := findLocked(d.dir.Borrow(g), name)
	if err != nil {
		return nil, intoVFSErr("lookup", err)
	}
	child, err := d.childLocked(g, e)
	if err != nil {
		return nil, err
	}
	stale = append(stale, self.InsertCache(e.FileName(), child))
	return child, nil
}

// Create makes a regular file or a directory. The permission bits are not
// stored by FAT.
func (d *DirNode) Create(name string, nodeType vfs.NodeType, perm vfs.NodePermission) (*vfs.DirEntry, error) {
	if nodeType != vfs.NodeTypeRegularFile && nodeType != vfs.NodeTypeDirectory {
		return nil, invalidArgument("create", "unsupported node type "+nodeType.String())
	}

	var stale []*vfs.DirEntry
	defer func() { dropAll(stale...) }()
	g := d.fs.acquire("create")
	defer g.Release()

	self, err := d.self()
	if err != nil {
		return nil, err
	}
	dir := d.dir.Borrow(g)
	var child *vfs.DirEntry
	if nodeType == vfs.NodeTypeDirectory {
		sub, err := dir.CreateDir(name)
		if err != nil {
			return nil, intoVFSErr("mkdir", err)
		}
		child, err = d.newChildLocked(g, name, sub, nil)
		if err != nil {
			return nil, err
		}
	} else {
		file, err := dir.CreateFile(name)
		if err != nil {
			return nil, intoVFSErr("create", err)
		}
		child, err = d.newChildLocked(g, name, nil, file)
		if err != nil {
			return nil, err
		}
	}
	stale = append(stale, self.InsertCache(name, child))
	return child, nil
}

// Link is not supported by FAT.
func (d *DirNode) Link(name string, existing *vfs.DirEntry) (*vfs.DirEntry, error) {
	return nil, notPermitted("link")
}

// Unlink removes name from the volume. Any cached entry for name stays in
// the cache until the tree removes it.
func (d *DirNode) Unlink(name string) error {
	g := d.fs.acquire("unlink")
	defer g.Release()

	return intoVFSErr("unlink", d.dir.Borrow(g).Remove(name))
}

// dstDirNode returns the FAT directory adapter behind dstDir when it
// belongs to this mount.
func (d *DirNode) dstDirNode(dstDir *vfs.DirEntry) (*DirNode, error) {
	switch dstDir.Node().Kind() {
	case vfs.KindFAT:
		dst, ok := dstDir.Node().(*DirNode)
		if !ok {
			return nil, errors.New(errors.ErrCodeNotDirectory, "").WithComponent("vfat").WithOperation("rename")
		}
		if dst.fs != d.fs {
			return nil, invalidArgument("rename", "rename across filesystems")
		}
		return dst, nil
	default:
		return nil, invalidArgument("rename", "rename across filesystem kinds")
	}
}

// Rename moves srcName to dstName in dstDir. An existing destination is
// replaced only after the move has been validated. A cached entry for the
// source keeps its identity and is re-keyed under the new name.
func (d *DirNode) Rename(srcName string, dstDir *vfs.DirEntry, dstName string) error {
	dst, err := d.dstDirNode(dstDir)
	if err != nil {
		return err
	}

	var stale []*vfs.DirEntry
	defer func() { dropAll(stale...) }()
	g := d.fs.acquire("rename")
	defer g.Release()

	src := d.dir.Borrow(g)
	target := dst.dir.Borrow(g)
	if err := src.CanRename(srcName, target, dstName); err != nil {
		return intoVFSErr("rename", err)
	}
	moving, err := findLocked(src, srcName)
	if err != nil {
		return intoVFSErr("rename", err)
	}
	// A case-only rename within one directory names the source itself.
	if dst != d || !strings.EqualFold(srcName, dstName) {
		victim, err := findLocked(target, dstName)
		switch {
		case err == nil:
			if moving.IsDir() && !victim.IsDir() {
				return errors.New(errors.ErrCodeNotDirectory, dstName).WithComponent("vfat").WithOperation("rename")
			}
			if !moving.IsDir() && victim.IsDir() {
				return errors.New(errors.ErrCodeIsDirectory, dstName).WithComponent("vfat").WithOperation("rename")
			}
			if err := target.Remove(dstName); err != nil {
				return intoVFSErr("rename", err)
			}
		case !errors.Is(err, fatfs.ErrNotFound):
			return intoVFSErr("rename", err)
		}
	}
	if err := src.Rename(srcName, target, dstName); err != nil {
		return intoVFSErr("rename", err)
	}

	self := d.this.Peek()
	other := dst.this.Peek()
	if self == nil || other == nil {
		return nil
	}
	entry := self.RemoveCache(srcName)
	if old := other.RemoveCache(dstName); old != nil {
		stale = append(stale, old)
	}
	if entry != nil {
		stale = append(stale, entry.Rebind(other, dstName), entry)
		other.InsertCache(dstName, entry)
	}
	return nil
}
