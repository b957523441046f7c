package fuse

import (
	"context"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// Node is the go-fuse inode of one tree entry. It owns one reference to
// entry, dropped in OnForget.
type Node struct {
	fs.Inode
	fsys      *FileSystem
	entry     *vfs.DirEntry
	forgotten atomic.Bool
}

var (
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeSetattrer   = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeMkdirer     = (*Node)(nil)
	_ fs.NodeMknoder     = (*Node)(nil)
	_ fs.NodeCreater     = (*Node)(nil)
	_ fs.NodeUnlinker    = (*Node)(nil)
	_ fs.NodeRmdirer     = (*Node)(nil)
	_ fs.NodeRenamer     = (*Node)(nil)
	_ fs.NodeLinker      = (*Node)(nil)
	_ fs.NodeSymlinker   = (*Node)(nil)
	_ fs.NodeReadlinker  = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeReader      = (*Node)(nil)
	_ fs.NodeWriter      = (*Node)(nil)
	_ fs.NodeFsyncer     = (*Node)(nil)
	_ fs.NodeStatfser    = (*Node)(nil)
	_ fs.NodeOnForgetter = (*Node)(nil)
)

// handle is the file handle of an open regular file.
type handle struct {
	appendOnly bool
}

// OnForget drops the entry reference once the kernel forgot the node.
func (n *Node) OnForget() {
	if n.forgotten.CompareAndSwap(false, true) {
		n.entry.DecRef()
	}
}

// Entry returns the tree entry behind the node.
func (n *Node) Entry() *vfs.DirEntry {
	return n.entry
}

func (n *Node) dir(op string) (vfs.DirNodeOps, syscall.Errno) {
	d, err := n.entry.AsDir()
	if err != nil {
		return nil, n.fsys.done(op, err)
	}
	return d, 0
}

func (n *Node) file(op string) (vfs.FileNodeOps, syscall.Errno) {
	f, err := n.entry.AsFile()
	if err != nil {
		return nil, n.fsys.done(op, err)
	}
	return f, 0
}

// attach wraps child, whose reference the caller passes in, into an inode
// under n. go-fuse reuses the live inode of an inode number it already
// knows, in which case the extra reference is dropped.
func (n *Node) attach(ctx context.Context, op string, child *vfs.DirEntry, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	md, err := child.Node().Metadata()
	if err != nil {
		child.DecRef()
		return nil, n.fsys.done(op, err)
	}
	fillAttr(&out.Attr, md)

	node := &Node{fsys: n.fsys, entry: child}
	inode := n.NewInode(ctx, node, fs.StableAttr{Mode: typeBits(md.NodeType), Ino: md.Inode})
	if inode.Operations() != fs.InodeEmbedder(node) {
		child.DecRef()
	}
	return inode, n.fsys.done(op, nil)
}

// forgetCached drops the tree's cached child name after the engine
// removed it.
func forgetCached(dir *vfs.DirEntry, name string) {
	if stale := dir.RemoveCache(name); stale != nil {
		stale.DecRef()
	}
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d, errno := n.dir("lookup")
	if errno != 0 {
		return nil, errno
	}
	child, err := d.Lookup(name)
	if err != nil {
		return nil, n.fsys.done("lookup", err)
	}
	return n.attach(ctx, "lookup", child, out)
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	md, err := n.entry.Node().Metadata()
	if err != nil {
		return n.fsys.done("getattr", err)
	}
	fillAttr(&out.Attr, md)
	out.Ino = n.StableAttr().Ino
	return n.fsys.done("getattr", nil)
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if errno := n.fsys.writable("setattr"); errno != 0 {
		return errno
	}
	node := n.entry.Node()

	if size, ok := in.GetSize(); ok {
		file, errno := n.file("setattr")
		if errno != 0 {
			return errno
		}
		if err := file.SetLen(size); err != nil {
			return n.fsys.done("setattr", err)
		}
	}

	var update vfs.MetadataUpdate
	if mode, ok := in.GetMode(); ok {
		perm := vfs.PermissionFromBits(mode)
		update.Mode = &perm
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		md, err := node.Metadata()
		if err != nil {
			return n.fsys.done("setattr", err)
		}
		owner := vfs.Owner{UID: md.UID, GID: md.GID}
		if uok {
			owner.UID = uid
		}
		if gok {
			owner.GID = gid
		}
		update.Owner = &owner
	}
	update.Atime = timeArg(in.GetATime())
	update.Mtime = timeArg(in.GetMTime())
	if !update.Empty() {
		if err := node.UpdateMetadata(update); err != nil {
			return n.fsys.done("setattr", err)
		}
	}

	md, err := node.Metadata()
	if err != nil {
		return n.fsys.done("setattr", err)
	}
	fillAttr(&out.Attr, md)
	out.Ino = n.StableAttr().Ino
	return n.fsys.done("setattr", nil)
}

// Readdir lists the directory. "." and ".." are left to the kernel.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d, errno := n.dir("readdir")
	if errno != 0 {
		return nil, errno
	}
	var entries []fuse.DirEntry
	_, err := d.ReadDir(0, func(name string, ino uint64, nodeType vfs.NodeType, next uint64) bool {
		if name == "." || name == ".." {
			return true
		}
		entries = append(entries, fuse.DirEntry{Name: name, Ino: ino, Mode: typeBits(nodeType)})
		return true
	})
	if err != nil {
		return nil, n.fsys.done("readdir", err)
	}
	return fs.NewListDirStream(entries), n.fsys.done("readdir", nil)
}

func (n *Node) create(ctx context.Context, op, name string, nodeType vfs.NodeType, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := n.fsys.writable(op); errno != 0 {
		return nil, errno
	}
	d, errno := n.dir(op)
	if errno != 0 {
		return nil, errno
	}
	child, err := d.Create(name, nodeType, vfs.PermissionFromBits(mode))
	if err != nil {
		return nil, n.fsys.done(op, err)
	}
	return n.attach(ctx, op, child, out)
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return n.create(ctx, "mkdir", name, vfs.NodeTypeDirectory, mode, out)
}

func (n *Node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return n.create(ctx, "mknod", name, typeFromMode(mode), mode, out)
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	inode, errno := n.create(ctx, "create", name, vfs.NodeTypeRegularFile, mode, out)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return inode, &handle{appendOnly: flags&syscall.O_APPEND != 0}, 0, 0
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := n.fsys.writable("symlink"); errno != 0 {
		return nil, errno
	}
	d, errno := n.dir("symlink")
	if errno != 0 {
		return nil, errno
	}
	child, err := d.Create(name, vfs.NodeTypeSymlink, 0o777)
	if err != nil {
		return nil, n.fsys.done("symlink", err)
	}
	file, err := child.AsFile()
	if err == nil {
		err = file.SetSymlink(target)
	}
	if err != nil {
		child.DecRef()
		_ = d.Unlink(name)
		forgetCached(n.entry, name)
		return nil, n.fsys.done("symlink", err)
	}
	return n.attach(ctx, "symlink", child, out)
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	file, errno := n.file("readlink")
	if errno != 0 {
		return nil, errno
	}
	size, err := file.Len()
	if err != nil {
		return nil, n.fsys.done("readlink", err)
	}
	buf := make([]byte, size)
	read, err := file.ReadAt(buf, 0)
	if err != nil {
		return nil, n.fsys.done("readlink", err)
	}
	return buf[:read], n.fsys.done("readlink", nil)
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := n.fsys.writable("link"); errno != 0 {
		return nil, errno
	}
	d, errno := n.dir("link")
	if errno != 0 {
		return nil, errno
	}
	existing, ok := target.(*Node)
	if !ok {
		return nil, n.fsys.done("link", errors.ErrInvalidArgument)
	}
	child, err := d.Link(name, existing.entry)
	if err != nil {
		return nil, n.fsys.done("link", err)
	}
	return n.attach(ctx, "link", child, out)
}

func (n *Node) remove(op, name string) syscall.Errno {
	if errno := n.fsys.writable(op); errno != 0 {
		return errno
	}
	d, errno := n.dir(op)
	if errno != 0 {
		return errno
	}
	if err := d.Unlink(name); err != nil {
		return n.fsys.done(op, err)
	}
	forgetCached(n.entry, name)
	return n.fsys.done(op, nil)
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove("unlink", name)
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove("rmdir", name)
}

// Rename supports plain replacing renames only.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if errno := n.fsys.writable("rename"); errno != 0 {
		return errno
	}
	if flags != 0 {
		return n.fsys.done("rename", errors.ErrInvalidArgument)
	}
	d, errno := n.dir("rename")
	if errno != 0 {
		return errno
	}
	dst, ok := newParent.(*Node)
	if !ok {
		return n.fsys.done("rename", errors.ErrInvalidArgument)
	}
	// The adapter re-keys its cached entry, so the moved node keeps its
	// inode number.
	if err := d.Rename(name, dst.entry, newName); err != nil {
		return n.fsys.done("rename", err)
	}
	return n.fsys.done("rename", nil)
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		if errno := n.fsys.writable("open"); errno != 0 {
			return nil, 0, errno
		}
	}
	file, errno := n.file("open")
	if errno != 0 {
		return nil, 0, errno
	}
	if flags&syscall.O_TRUNC != 0 {
		if err := file.SetLen(0); err != nil {
			return nil, 0, n.fsys.done("open", err)
		}
	}
	return &handle{appendOnly: flags&syscall.O_APPEND != 0}, 0, n.fsys.done("open", nil)
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	file, errno := n.file("read")
	if errno != 0 {
		return nil, errno
	}
	read, err := file.ReadAt(dest, uint64(off))
	if err != nil {
		return nil, n.fsys.done("read", err)
	}
	n.fsys.transferred("read", read)
	return fuse.ReadResultData(dest[:read]), n.fsys.done("read", nil)
}

// Write writes at off, or at the end of file for handles opened with
// O_APPEND.
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if errno := n.fsys.writable("write"); errno != 0 {
		return 0, errno
	}
	file, errno := n.file("write")
	if errno != 0 {
		return 0, errno
	}
	var written int
	var err error
	if h, ok := f.(*handle); ok && h.appendOnly {
		for written < len(data) && err == nil {
			var w int
			w, _, err = file.Append(data[written:])
			written += w
			if w == 0 {
				break
			}
		}
	} else {
		written, err = file.WriteAt(data, uint64(off))
	}
	n.fsys.transferred("write", written)
	if err != nil && written == 0 {
		return 0, n.fsys.done("write", err)
	}
	return uint32(written), n.fsys.done("write", nil)
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return n.fsys.done("fsync", n.entry.Node().Sync(flags&1 != 0))
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.fsys.Stat()
	if err != nil {
		return n.fsys.done("statfs", err)
	}
	fillStatfs(out, st)
	return n.fsys.done("statfs", nil)
}
