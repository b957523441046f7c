package fuse

import (
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// Recorder receives the outcome of every operation served over FUSE.
// *metrics.Collector implements it.
type Recorder interface {
	RecordOperation(mount, op string, err error)
	RecordBytes(mount, direction string, n int)
}

// Config represents FUSE bridge configuration
type Config struct {
	// Name labels the mount in logs and metrics.
	Name     string `yaml:"name"`
	ReadOnly bool   `yaml:"read_only"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// FileSystem serves a vfs filesystem through go-fuse.
type FileSystem struct {
	rootOnce sync.Once
	root     *Node
	fsys     vfs.FilesystemOps
	config   *Config
	logger   *zap.Logger
	recorder Recorder
	stats    *Stats
}

// NewFileSystem creates a bridge for fsys. recorder may be nil.
func NewFileSystem(fsys vfs.FilesystemOps, config *Config, logger *zap.Logger, recorder Recorder) *FileSystem {
	if config == nil {
		config = &Config{Name: fsys.Name()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSystem{
		fsys:     fsys,
		config:   config,
		logger:   logger,
		recorder: recorder,
		stats:    &Stats{},
	}
}

// Root returns the root node. It owns one reference to the root entry,
// dropped by Release.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return f.rootNode()
}

func (f *FileSystem) rootNode() *Node {
	f.rootOnce.Do(func() {
		f.root = &Node{fsys: f, entry: f.fsys.RootDir()}
	})
	return f.root
}

// Release drops the root reference. Call it once the server stopped.
func (f *FileSystem) Release() {
	f.rootNode().OnForget()
}

// GetStats returns current filesystem statistics
func (f *FileSystem) GetStats() Stats {
	f.stats.mu.RLock()
	defer f.stats.mu.RUnlock()

	return Stats{
		Lookups:      f.stats.Lookups,
		Opens:        f.stats.Opens,
		Reads:        f.stats.Reads,
		Writes:       f.stats.Writes,
		Creates:      f.stats.Creates,
		Deletes:      f.stats.Deletes,
		BytesRead:    f.stats.BytesRead,
		BytesWritten: f.stats.BytesWritten,
		Errors:       f.stats.Errors,
	}
}

// done records the outcome of op and returns the errno for err.
func (f *FileSystem) done(op string, err error) syscall.Errno {
	f.stats.mu.Lock()
	switch op {
	case "lookup":
		f.stats.Lookups++
	case "open":
		f.stats.Opens++
	case "read":
		f.stats.Reads++
	case "write":
		f.stats.Writes++
	case "create", "mkdir", "mknod", "symlink", "link":
		f.stats.Creates++
	case "unlink", "rmdir":
		f.stats.Deletes++
	}
	if err != nil {
		f.stats.Errors++
	}
	f.stats.mu.Unlock()

	if f.recorder != nil {
		f.recorder.RecordOperation(f.config.Name, op, err)
	}
	if err != nil && errors.CodeOf(err) == errors.ErrCodeIO {
		f.logger.Warn("filesystem operation failed", zap.String("op", op), zap.Error(err))
	}
	return errors.Errno(err)
}

func (f *FileSystem) transferred(direction string, n int) {
	f.stats.mu.Lock()
	if direction == "read" {
		f.stats.BytesRead += int64(n)
	} else {
		f.stats.BytesWritten += int64(n)
	}
	f.stats.mu.Unlock()

	if f.recorder != nil {
		f.recorder.RecordBytes(f.config.Name, direction, n)
	}
}

// typeBits returns the S_IFMT bits of t.
func typeBits(t vfs.NodeType) uint32 {
	switch t {
	case vfs.NodeTypeFifo:
		return syscall.S_IFIFO
	case vfs.NodeTypeCharacterDevice:
		return syscall.S_IFCHR
	case vfs.NodeTypeDirectory:
		return syscall.S_IFDIR
	case vfs.NodeTypeBlockDevice:
		return syscall.S_IFBLK
	case vfs.NodeTypeSymlink:
		return syscall.S_IFLNK
	case vfs.NodeTypeSocket:
		return syscall.S_IFSOCK
	default:
		return syscall.S_IFREG
	}
}

// typeFromMode returns the node type named by the S_IFMT bits of mode.
func typeFromMode(mode uint32) vfs.NodeType {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFIFO:
		return vfs.NodeTypeFifo
	case syscall.S_IFCHR:
		return vfs.NodeTypeCharacterDevice
	case syscall.S_IFDIR:
		return vfs.NodeTypeDirectory
	case syscall.S_IFBLK:
		return vfs.NodeTypeBlockDevice
	case syscall.S_IFLNK:
		return vfs.NodeTypeSymlink
	case syscall.S_IFSOCK:
		return vfs.NodeTypeSocket
	case syscall.S_IFREG, 0:
		return vfs.NodeTypeRegularFile
	default:
		return vfs.NodeTypeUnknown
	}
}

func fillAttr(out *fuse.Attr, md vfs.Metadata) {
	out.Ino = md.Inode
	out.Size = md.Size
	out.Blocks = md.Blocks
	out.Blksize = uint32(md.BlockSize)
	out.Mode = typeBits(md.NodeType) | uint32(md.Mode)
	out.Nlink = uint32(md.Nlink)
	out.Owner = fuse.Owner{Uid: md.UID, Gid: md.GID}
	out.Rdev = md.Rdev.Major<<8 | md.Rdev.Minor
	out.SetTimes(&md.Atime, &md.Mtime, &md.Ctime)
}

func fillStatfs(out *fuse.StatfsOut, st vfs.StatFs) {
	out.Blocks = st.Blocks
	out.Bfree = st.BlocksFree
	out.Bavail = st.BlocksAvailable
	out.Files = st.FileCount
	out.Ffree = st.FreeFileCount
	out.Bsize = uint32(st.BlockSize)
	out.NameLen = st.NameLength
	out.Frsize = uint32(st.FragmentSize)
}

var readOnlyErr = errors.New(errors.ErrCodeNotPermitted, "read-only mount").WithComponent("fuse")

func (f *FileSystem) writable(op string) syscall.Errno {
	if f.config.ReadOnly {
		f.done(op, readOnlyErr)
		return syscall.EROFS
	}
	return 0
}

// timeArg converts an optional setattr time.
func timeArg(t time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	return &t
}
