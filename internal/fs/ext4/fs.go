// Package ext4 binds the inode-indexed extfs engine to the vfs contract.
//
// Adapters keep only an inode number and re-resolve everything through the
// engine on each call, holding the mount lock for the whole call.
package ext4

import (
	"sync"

	"go.uber.org/zap"

	"github.com/scttfrdmn/diskvfs/internal/backend/extfs"
	"github.com/scttfrdmn/diskvfs/internal/guarded"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// FsType is the filesystem type tag reported by Stat.
const FsType = 0xEF53

// Options configure a Filesystem.
type Options struct {
	// Locker is the mount lock implementation; nil selects a sync.Mutex.
	Locker sync.Locker

	// Observer receives lock hold times per operation. Optional.
	Observer guarded.Observer

	Logger *zap.Logger
}

// Filesystem is an extfs volume exposed through the vfs contract.
type Filesystem struct {
	lock   *guarded.Lock
	engine *extfs.FS
	root   *vfs.DirEntry
	logger *zap.Logger
}

var _ vfs.FilesystemOps = (*Filesystem)(nil)

// New wraps a mounted engine. The Filesystem takes ownership of engine.
func New(engine *extfs.FS, opts Options) *Filesystem {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fs := &Filesystem{
		lock:   guarded.NewLock(opts.Locker, opts.Observer),
		engine: engine,
		logger: logger.With(zap.String("fs", "ext4")),
	}
	fs.root = vfs.NewDirEntry(vfs.RootReference(), func(this vfs.WeakDirEntry) vfs.DirNodeOps {
		return newInode(fs, extfs.RootIno, this, true)
	})
	fs.logger.Info("filesystem mounted", zap.Uint64("blocks", engine.Stat().Blocks))
	return fs
}

// acquire takes the mount lock for op.
func (fs *Filesystem) acquire(op string) *guarded.Guard {
	return fs.lock.Acquire(op)
}

func (fs *Filesystem) Name() string {
	return "ext4"
}

func (fs *Filesystem) RootDir() *vfs.DirEntry {
	fs.root.IncRef()
	return fs.root
}

func (fs *Filesystem) Stat() (vfs.StatFs, error) {
	g := fs.acquire("statfs")
	defer g.Release()

	st := fs.engine.Stat()
	return vfs.StatFs{
		FsType:          FsType,
		BlockSize:       uint64(st.BlockSize),
		Blocks:          st.Blocks,
		BlocksFree:      st.FreeBlocks,
		BlocksAvailable: st.FreeBlocks,
		FileCount:       st.Inodes,
		FreeFileCount:   st.FreeInodes,
		NameLength:      vfs.MaxNameLen,
		FragmentSize:    uint64(st.BlockSize),
	}, nil
}

// Flush persists the volume.
func (fs *Filesystem) Flush() error {
	g := fs.acquire("flush")
	defer g.Release()

	if err := fs.engine.Flush(); err != nil {
		fs.logger.Warn("flush failed", zap.Error(err))
		return intoVFSErr(err)
	}
	return nil
}

// Close drops the cached tree and the root entry, then flushes the volume.
// Entries handed out earlier must have been released.
func (fs *Filesystem) Close() error {
	fs.root.EvictAll()
	fs.root.DecRef()
	err := fs.Flush()
	fs.logger.Info("filesystem unmounted", zap.Error(err))
	return err
}
