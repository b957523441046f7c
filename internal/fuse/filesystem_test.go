package fuse

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/diskvfs/internal/backend/extfs"
	"github.com/scttfrdmn/diskvfs/internal/backend/fatfs"
	"github.com/scttfrdmn/diskvfs/internal/disk"
	"github.com/scttfrdmn/diskvfs/internal/fs/ext4"
	"github.com/scttfrdmn/diskvfs/internal/fs/fat"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

type recorded struct {
	op   string
	code errors.ErrorCode
}

type fakeRecorder struct {
	mu    sync.Mutex
	ops   []recorded
	bytes map[string]int
}

func (r *fakeRecorder) RecordOperation(mount, op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code := errors.ErrorCode("")
	if err != nil {
		code = errors.CodeOf(err)
	}
	r.ops = append(r.ops, recorded{op, code})
}

func (r *fakeRecorder) RecordBytes(mount, direction string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bytes == nil {
		r.bytes = make(map[string]int)
	}
	r.bytes[direction] += n
}

func newExt4(t *testing.T) *ext4.Filesystem {
	t.Helper()
	dev, err := disk.NewMemDevice(4<<20, 512)
	require.NoError(t, err)
	require.NoError(t, extfs.Format(dev, extfs.FormatOptions{BlockSize: 1024, InodeCount: 64}))
	engine, err := extfs.Open(dev, extfs.Options{})
	require.NoError(t, err)
	return ext4.New(engine, ext4.Options{})
}

func newFAT(t *testing.T) *fat.Filesystem {
	t.Helper()
	dev, err := disk.NewMemDevice(1<<20, 512)
	require.NoError(t, err)
	require.NoError(t, fatfs.Format(dev, fatfs.FormatOptions{SectorsPerCluster: 1}))
	engine, err := fatfs.New(dev, fatfs.Options{})
	require.NoError(t, err)
	return fat.New(engine, fat.Options{})
}

// bridge serves fsys and tears both down at the end of the test.
func bridge(t *testing.T, fsys interface {
	vfs.FilesystemOps
	Close() error
}, config *Config) (*FileSystem, *Node, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	b := NewFileSystem(fsys, config, nil, rec)
	root := b.rootNode()
	t.Cleanup(func() {
		b.Release()
		assert.NoError(t, fsys.Close())
	})
	return b, root, rec
}

// child creates name under root and wraps it in a node owning the entry.
func child(t *testing.T, b *FileSystem, root *Node, name string, nodeType vfs.NodeType) *Node {
	t.Helper()
	dir, err := root.entry.AsDir()
	require.NoError(t, err)
	e, err := dir.Create(name, nodeType, 0o644)
	require.NoError(t, err)
	n := &Node{fsys: b, entry: e}
	t.Cleanup(n.OnForget)
	return n
}

func TestTypeBits(t *testing.T) {
	for _, nt := range []vfs.NodeType{
		vfs.NodeTypeFifo, vfs.NodeTypeCharacterDevice, vfs.NodeTypeDirectory,
		vfs.NodeTypeBlockDevice, vfs.NodeTypeRegularFile, vfs.NodeTypeSymlink, vfs.NodeTypeSocket,
	} {
		assert.Equal(t, nt, typeFromMode(typeBits(nt)|0o644), nt.String())
	}
	assert.Equal(t, vfs.NodeTypeRegularFile, typeFromMode(0o644))
}

func TestReaddirSkipsDotEntries(t *testing.T) {
	b, root, _ := bridge(t, newExt4(t), nil)
	child(t, b, root, "a", vfs.NodeTypeRegularFile)
	child(t, b, root, "sub", vfs.NodeTypeDirectory)

	stream, errno := root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	defer stream.Close()

	modes := map[string]uint32{}
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		modes[e.Name] = e.Mode
	}
	assert.Equal(t, map[string]uint32{"a": syscall.S_IFREG, "sub": syscall.S_IFDIR}, modes)
}

func TestWriteAppendRead(t *testing.T) {
	b, root, rec := bridge(t, newExt4(t), &Config{Name: "data"})
	n := child(t, b, root, "f", vfs.NodeTypeRegularFile)
	ctx := context.Background()

	w, errno := n.Write(ctx, &handle{}, []byte("hello"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(5), w)

	w, errno = n.Write(ctx, &handle{appendOnly: true}, []byte(" world"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(6), w)

	res, errno := n.Read(ctx, nil, make([]byte, 64), 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "hello world", string(data))

	var out fuse.AttrOut
	require.Equal(t, syscall.Errno(0), n.Getattr(ctx, nil, &out))
	assert.Equal(t, uint64(11), out.Size)
	assert.Equal(t, uint32(syscall.S_IFREG|0o644), out.Mode)

	assert.Equal(t, 11, rec.bytes["write"])
	assert.Equal(t, 11, rec.bytes["read"])
	stats := b.GetStats()
	assert.Equal(t, int64(2), stats.Writes)
	assert.Equal(t, int64(1), stats.Reads)
}

func TestSetattrTruncatesAndChmods(t *testing.T) {
	b, root, _ := bridge(t, newExt4(t), nil)
	n := child(t, b, root, "f", vfs.NodeTypeRegularFile)
	ctx := context.Background()

	_, errno := n.Write(ctx, &handle{}, []byte("0123456789"), 0)
	require.Equal(t, syscall.Errno(0), errno)

	in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{
		Valid: fuse.FATTR_SIZE | fuse.FATTR_MODE,
		Size:  3,
		Mode:  0o600,
	}}
	var out fuse.AttrOut
	require.Equal(t, syscall.Errno(0), n.Setattr(ctx, nil, in, &out))
	assert.Equal(t, uint64(3), out.Size)
	assert.Equal(t, uint32(syscall.S_IFREG|0o600), out.Mode)
}

func TestOpenTruncates(t *testing.T) {
	b, root, _ := bridge(t, newExt4(t), nil)
	n := child(t, b, root, "f", vfs.NodeTypeRegularFile)
	ctx := context.Background()

	_, errno := n.Write(ctx, &handle{}, []byte("data"), 0)
	require.Equal(t, syscall.Errno(0), errno)

	fh, _, errno := n.Open(ctx, syscall.O_WRONLY|syscall.O_TRUNC|syscall.O_APPEND)
	require.Equal(t, syscall.Errno(0), errno)
	assert.True(t, fh.(*handle).appendOnly)

	f, err := n.entry.AsFile()
	require.NoError(t, err)
	size, err := f.Len()
	require.NoError(t, err)
	assert.Zero(t, size)

	_, _, errno = root.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, syscall.EISDIR, errno)
}

func TestReadlink(t *testing.T) {
	b, root, _ := bridge(t, newExt4(t), nil)
	n := child(t, b, root, "ln", vfs.NodeTypeSymlink)

	f, err := n.entry.AsFile()
	require.NoError(t, err)
	require.NoError(t, f.SetSymlink("../target"))

	target, errno := n.Readlink(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "../target", string(target))
}

func TestStatfs(t *testing.T) {
	_, root, _ := bridge(t, newExt4(t), nil)

	var out fuse.StatfsOut
	require.Equal(t, syscall.Errno(0), root.Statfs(context.Background(), &out))
	assert.Equal(t, uint32(1024), out.Bsize)
	assert.Equal(t, uint32(vfs.MaxNameLen), out.NameLen)
	assert.NotZero(t, out.Blocks)
}

func TestErrorsTranslateAndRecord(t *testing.T) {
	b, root, rec := bridge(t, newExt4(t), nil)

	assert.Equal(t, syscall.ENOENT, root.Unlink(context.Background(), "missing"))
	assert.Equal(t, int64(1), b.GetStats().Errors)
	require.Len(t, rec.ops, 1)
	assert.Equal(t, recorded{"unlink", errors.ErrCodeNotFound}, rec.ops[0])
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	b, root, _ := bridge(t, newExt4(t), &Config{Name: "ro", ReadOnly: true})
	n := child(t, b, root, "f", vfs.NodeTypeRegularFile)
	ctx := context.Background()

	assert.Equal(t, syscall.EROFS, root.Unlink(ctx, "f"))
	_, errno := n.Write(ctx, &handle{}, []byte("x"), 0)
	assert.Equal(t, syscall.EROFS, errno)
	_, _, errno = n.Open(ctx, syscall.O_RDWR)
	assert.Equal(t, syscall.EROFS, errno)
	_, _, errno = n.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, syscall.Errno(0), errno)
}

func TestUnlinkDropsCachedEntry(t *testing.T) {
	fsys := newFAT(t)
	b, root, _ := bridge(t, fsys, nil)
	ctx := context.Background()

	n := child(t, b, root, "A.TXT", vfs.NodeTypeRegularFile)
	n.OnForget()
	require.Equal(t, 1, root.entry.CacheLen())

	require.Equal(t, syscall.Errno(0), root.Unlink(ctx, "A.TXT"))
	assert.Zero(t, root.entry.CacheLen())
	// Only the root keeps an inode number.
	assert.Equal(t, 1, fsys.LiveInodes())
}

func TestRenameKeepsMovedInode(t *testing.T) {
	fsys := newFAT(t)
	b, root, _ := bridge(t, fsys, nil)
	ctx := context.Background()

	a := child(t, b, root, "A.TXT", vfs.NodeTypeRegularFile)
	inoA := a.entry.Inode()
	a.OnForget()
	child(t, b, root, "B.TXT", vfs.NodeTypeRegularFile).OnForget()
	require.Equal(t, 2, root.entry.CacheLen())

	require.Equal(t, syscall.Errno(0), root.Rename(ctx, "A.TXT", root, "B.TXT", 0))
	assert.Equal(t, 1, root.entry.CacheLen())

	dir, err := root.entry.AsDir()
	require.NoError(t, err)
	_, err = dir.Lookup("A.TXT")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	e, err := dir.Lookup("B.TXT")
	require.NoError(t, err)
	assert.Equal(t, inoA, e.Inode())
	e.DecRef()

	assert.Equal(t, syscall.EINVAL, root.Rename(ctx, "B.TXT", root, "C.TXT", 1))
}

func TestMountTableContains(t *testing.T) {
	table := "proc /proc proc rw 0 0\n" +
		"diskvfs /mnt/data fuse.diskvfs rw 0 0\n"

	assert.True(t, mountTableContains(bufio.NewScanner(strings.NewReader(table)), "/mnt/data"))
	assert.False(t, mountTableContains(bufio.NewScanner(strings.NewReader(table)), "/mnt"))
}

func TestBuildFUSEOptions(t *testing.T) {
	opts := DefaultMountOptions()
	opts.ReadOnly = true
	opts.Subtype = "ext4"
	m := NewMountManager(nil, &MountConfig{MountPoint: "/mnt/x", Options: opts}, nil)

	built := m.buildFUSEOptions()
	assert.Equal(t, "diskvfs", built.FsName)
	assert.Equal(t, 128*1024, built.MaxWrite)
	assert.Contains(t, built.Options, "ro")
	assert.Contains(t, built.Options, "subtype=ext4")
	assert.Equal(t, opts.AttrTimeout, *built.AttrTimeout)
}

func TestValidateMountPoint(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"empty", "", "cannot be empty"},
		{"missing", filepath.Join(dir, "nope"), "does not exist"},
		{"not a directory", file, "not a directory"},
		{"valid", t.TempDir(), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMountManager(nil, &MountConfig{MountPoint: tt.path}, nil)
			err := m.validateMountPoint()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUnmountWhenNotMounted(t *testing.T) {
	m := NewMountManager(nil, &MountConfig{MountPoint: "/mnt/x"}, nil)
	assert.False(t, m.IsMounted())
	assert.Error(t, m.Unmount())
	m.Wait()
}
