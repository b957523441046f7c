// Package fat binds the cursor-based fatfs engine to the vfs contract.
//
// Engine cursors are kept in guarded.Cursor values next to the mount lock
// and are only borrowed while a guard of that lock is held. FAT has no
// inode numbers, so the mount hands them out from a slab allocator when a
// name is first materialized and takes them back when the entry is
// released. Directories cache their materialized children by name.
package fat

import (
	"sync"

	"go.uber.org/zap"

	"github.com/scttfrdmn/diskvfs/internal/backend/fatfs"
	"github.com/scttfrdmn/diskvfs/internal/guarded"
	"github.com/scttfrdmn/diskvfs/internal/slab"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// FsType is the filesystem type tag reported by Stat.
const FsType = 0x65735546

// Options configure a Filesystem.
type Options struct {
	// Locker is the mount lock implementation; nil selects a sync.Mutex.
	Locker sync.Locker

	// Observer receives lock hold times per operation. Optional.
	Observer guarded.Observer

	Logger *zap.Logger
}

// Filesystem is a FAT volume exposed through the vfs contract.
type Filesystem struct {
	lock   *guarded.Lock
	engine *fatfs.FileSystem
	inodes *slab.Allocator // guarded by lock
	root   *vfs.DirEntry
	logger *zap.Logger
}

var _ vfs.FilesystemOps = (*Filesystem)(nil)

// New wraps a mounted engine. The Filesystem takes ownership of engine.
// The root directory is materialized first and gets inode 1.
func New(engine *fatfs.FileSystem, opts Options) *Filesystem {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fs := &Filesystem{
		lock:   guarded.NewLock(opts.Locker, opts.Observer),
		engine: engine,
		inodes: slab.New(),
		logger: logger.With(zap.String("fs", "vfat")),
	}

	g := fs.acquire("mount")
	ino := fs.inodes.Alloc()
	cursor := guarded.NewCursor(g, engine.RootDir())
	g.Release()

	fs.root = vfs.NewDirEntry(vfs.RootReference(), func(this vfs.WeakDirEntry) vfs.DirNodeOps {
		return newDirNode(fs, cursor, ino, this, true)
	})
	fs.logger.Info("filesystem mounted",
		zap.String("label", engine.VolumeLabel()),
		zap.String("type", engine.FATType()),
		zap.Uint16("sector_size", engine.BytesPerSector()))
	return fs
}

func (fs *Filesystem) acquire(op string) *guarded.Guard {
	return fs.lock.Acquire(op)
}

// releaseIno returns ino to the allocator. It takes the mount lock, so it
// must not be called with the lock held.
func (fs *Filesystem) releaseIno(ino uint64) {
	g := fs.acquire("release")
	err := fs.inodes.Release(ino)
	g.Release()
	if err != nil {
		fs.logger.Error("inode release failed", zap.Uint64("ino", ino), zap.Error(err))
	}
}

// LiveInodes returns the number of allocated inode numbers.
func (fs *Filesystem) LiveInodes() int {
	g := fs.acquire("inodes")
	defer g.Release()
	return fs.inodes.Len()
}

func (fs *Filesystem) Name() string {
	return "vfat"
}

func (fs *Filesystem) RootDir() *vfs.DirEntry {
	fs.root.IncRef()
	return fs.root
}

func (fs *Filesystem) Stat() (vfs.StatFs, error) {
	g := fs.acquire("statfs")
	defer g.Release()

	st, err := fs.engine.Stats()
	if err != nil {
		return vfs.StatFs{}, intoVFSErr("statfs", err)
	}
	return vfs.StatFs{
		FsType:          FsType,
		BlockSize:       uint64(st.ClusterSize()),
		Blocks:          uint64(st.TotalClusters()),
		BlocksFree:      uint64(st.FreeClusters()),
		BlocksAvailable: uint64(st.FreeClusters()),
		NameLength:      vfs.MaxNameLen,
		FragmentSize:    uint64(st.ClusterSize()),
	}, nil
}

// Flush persists the volume.
func (fs *Filesystem) Flush() error {
	g := fs.acquire("flush")
	defer g.Release()

	if err := fs.engine.Flush(); err != nil {
		fs.logger.Warn("flush failed", zap.Error(err))
		return intoVFSErr("flush", err)
	}
	return nil
}

// Close drops the cached tree and the root entry, then unmounts the
// engine. Entries handed out earlier must have been released.
func (fs *Filesystem) Close() error {
	fs.root.EvictAll()
	fs.root.DecRef()

	g := fs.acquire("unmount")
	err := fs.engine.Unmount()
	g.Release()
	if err != nil {
		fs.logger.Warn("unmount failed", zap.Error(err))
		return intoVFSErr("unmount", err)
	}
	fs.logger.Info("filesystem unmounted")
	return nil
}
