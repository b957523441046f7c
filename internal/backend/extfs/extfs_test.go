package extfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/diskvfs/internal/disk"
)

func newVolume(t *testing.T) (*FS, disk.BlockDevice) {
	t.Helper()
	dev, err := disk.NewMemDevice(4<<20, 512)
	require.NoError(t, err)
	require.NoError(t, Format(dev, FormatOptions{BlockSize: 1024, InodeCount: 64}))
	fs, err := Open(dev, Options{})
	require.NoError(t, err)
	return fs, dev
}

func names(t *testing.T, fs *FS, ino uint32) []string {
	t.Helper()
	r, err := fs.ReadDir(ino, 0)
	require.NoError(t, err)
	var out []string
	for {
		e, ok := r.Current()
		if !ok {
			return out
		}
		out = append(out, string(e.Name()))
		require.NoError(t, r.Next())
	}
}

func TestErrno(t *testing.T) {
	err := fail("lookup", 2, ENOENT)
	assert.True(t, errors.Is(err, ENOENT))
	assert.False(t, errors.Is(err, EEXIST))
	assert.Contains(t, err.Error(), "no such file or directory")

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, uint32(2), e.Ino)
}

func TestFormat_Root(t *testing.T) {
	fs, _ := newVolume(t)

	attr, err := fs.GetAttr(RootIno)
	require.NoError(t, err)
	assert.Equal(t, InodeTypeDirectory, attr.NodeType)
	assert.Equal(t, uint64(2), attr.Nlink)
	assert.Equal(t, uint32(0o755), attr.Mode&0o7777)
	assert.Equal(t, []string{".", ".."}, names(t, fs, RootIno))

	st := fs.Stat()
	assert.Equal(t, uint32(1024), st.BlockSize)
	assert.Equal(t, uint64(4096), st.Blocks)
	assert.Equal(t, uint64(54), st.FreeInodes)
	// 20 metadata blocks after the boot block, then the root directory.
	assert.Equal(t, uint64(4074), st.FreeBlocks)
}

func TestCreate_ReadWrite(t *testing.T) {
	fs, _ := newVolume(t)

	ino, err := fs.Create(RootIno, "file", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	assert.Equal(t, FirstIno, ino)

	n, err := fs.WriteAt(ino, []byte("world"), 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = fs.WriteAt(ino, []byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err = fs.ReadAt(ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello\x00world", string(buf[:n]))

	n, err = fs.ReadAt(ino, buf, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = fs.Create(RootIno, "file", InodeTypeRegularFile, 0o644)
	assert.True(t, errors.Is(err, EEXIST))
	_, err = fs.Create(RootIno, "bad/name", InodeTypeRegularFile, 0o644)
	assert.True(t, errors.Is(err, EINVAL))
	_, err = fs.Create(RootIno, "x", InodeTypeUnknown, 0o644)
	assert.True(t, errors.Is(err, EINVAL))
	_, err = fs.Create(ino, "child", InodeTypeRegularFile, 0o644)
	assert.True(t, errors.Is(err, ENOTDIR))
	_, err = fs.ReadAt(RootIno, buf, 0)
	assert.True(t, errors.Is(err, EISDIR))
}

func TestSetLen(t *testing.T) {
	fs, _ := newVolume(t)
	ino, err := fs.Create(RootIno, "f", InodeTypeRegularFile, 0o600)
	require.NoError(t, err)

	free := fs.Stat().FreeBlocks
	require.NoError(t, fs.SetLen(ino, 3000))
	assert.Equal(t, free, fs.Stat().FreeBlocks)

	attr, err := fs.GetAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), attr.Size)
	assert.Zero(t, attr.Blocks)

	_, err = fs.WriteAt(ino, bytes.Repeat([]byte{'x'}, 3000), 0)
	require.NoError(t, err)
	assert.Equal(t, free-3, fs.Stat().FreeBlocks)
	attr, err = fs.GetAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), attr.Blocks)

	require.NoError(t, fs.SetLen(ino, 10))
	assert.Equal(t, free-1, fs.Stat().FreeBlocks)

	// The truncated tail reads back as zeros after growing again.
	require.NoError(t, fs.SetLen(ino, 20))
	buf := make([]byte, 20)
	n, err := fs.ReadAt(ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Repeat([]byte{'x'}, 10), make([]byte, 10)...), buf[:n])

	assert.True(t, errors.Is(fs.SetLen(ino, 1<<44), EFBIG))
	_, err = fs.WriteAt(ino, make([]byte, 5<<20), 0)
	assert.True(t, errors.Is(err, ENOSPC))
	assert.Equal(t, free-1, fs.Stat().FreeBlocks)
}

func TestWriteAt_LeavesHoles(t *testing.T) {
	fs, _ := newVolume(t)
	ino, err := fs.Create(RootIno, "sparse", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)

	_, err = fs.WriteAt(ino, []byte("end"), 5000)
	require.NoError(t, err)
	attr, err := fs.GetAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(5003), attr.Size)
	assert.Equal(t, uint64(2), attr.Blocks)

	buf := make([]byte, 5003)
	n, err := fs.ReadAt(ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5003, n)
	assert.Equal(t, make([]byte, 5000), buf[:5000])
	assert.Equal(t, "end", string(buf[5000:]))
}

func TestLinkUnlink(t *testing.T) {
	fs, _ := newVolume(t)
	ino, err := fs.Create(RootIno, "a", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)

	require.NoError(t, fs.Link(RootIno, "b", ino))
	attr, _ := fs.GetAttr(ino)
	assert.Equal(t, uint64(2), attr.Nlink)

	e, err := fs.Lookup(RootIno, "b")
	require.NoError(t, err)
	assert.Equal(t, ino, e.Ino())

	assert.True(t, errors.Is(fs.Link(RootIno, "c", RootIno), EPERM))

	require.NoError(t, fs.Unlink(RootIno, "a"))
	attr, err = fs.GetAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), attr.Nlink)

	require.NoError(t, fs.Unlink(RootIno, "b"))
	_, err = fs.GetAttr(ino)
	assert.True(t, errors.Is(err, ENOENT))

	again, err := fs.Create(RootIno, "reuse", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	assert.Equal(t, ino, again)
}

func TestDirectories(t *testing.T) {
	fs, _ := newVolume(t)
	sub, err := fs.Create(RootIno, "sub", InodeTypeDirectory, 0o755)
	require.NoError(t, err)
	_, err = fs.Create(sub, "inner", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)

	root, _ := fs.GetAttr(RootIno)
	assert.Equal(t, uint64(3), root.Nlink)

	dotdot, err := fs.Lookup(sub, "..")
	require.NoError(t, err)
	assert.Equal(t, RootIno, dotdot.Ino())
	assert.Equal(t, []string{".", "..", "inner"}, names(t, fs, sub))

	assert.True(t, errors.Is(fs.Unlink(RootIno, "sub"), ENOTEMPTY))
	require.NoError(t, fs.Unlink(sub, "inner"))
	require.NoError(t, fs.Unlink(RootIno, "sub"))

	root, _ = fs.GetAttr(RootIno)
	assert.Equal(t, uint64(2), root.Nlink)
}

func TestRename(t *testing.T) {
	fs, _ := newVolume(t)
	a, err := fs.Create(RootIno, "a", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	b, err := fs.Create(RootIno, "b", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	dir, err := fs.Create(RootIno, "dir", InodeTypeDirectory, 0o755)
	require.NoError(t, err)
	sub, err := fs.Create(dir, "sub", InodeTypeDirectory, 0o755)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(RootIno, "a", RootIno, "b"))
	e, err := fs.Lookup(RootIno, "b")
	require.NoError(t, err)
	assert.Equal(t, a, e.Ino())
	_, err = fs.GetAttr(b)
	assert.True(t, errors.Is(err, ENOENT))
	_, err = fs.Lookup(RootIno, "a")
	assert.True(t, errors.Is(err, ENOENT))

	assert.True(t, errors.Is(fs.Rename(RootIno, "dir", sub, "loop"), EINVAL))
	assert.True(t, errors.Is(fs.Rename(RootIno, "b", RootIno, "dir"), EISDIR))
	assert.True(t, errors.Is(fs.Rename(dir, "sub", RootIno, "b"), ENOTDIR))

	require.NoError(t, fs.Rename(dir, "sub", RootIno, "top"))
	dotdot, err := fs.Lookup(sub, "..")
	require.NoError(t, err)
	assert.Equal(t, RootIno, dotdot.Ino())

	require.NoError(t, fs.Rename(RootIno, "b", RootIno, "b"))
	assert.Equal(t, []string{".", "..", "b", "dir", "top"}, names(t, fs, RootIno))
}

func TestInvalidUTF8Names(t *testing.T) {
	fs, _ := newVolume(t)
	_, err := fs.Create(RootIno, "\xff\xfe", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "\xff\xfe"}, names(t, fs, RootIno))
}

func TestWithInodeRef(t *testing.T) {
	fs, _ := newVolume(t)
	ino, err := fs.Create(RootIno, "f", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, fs.WithInodeRef(ino, func(r *InodeRef) error {
		r.SetMode((r.Mode() &^ 0o7777) | 0o600)
		r.SetOwner(1000, 100)
		r.SetMtime(mtime)
		return nil
	}))

	attr, err := fs.GetAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(S_IFREG|0o600), attr.Mode)
	assert.Equal(t, uint32(1000), attr.UID)
	assert.Equal(t, uint32(100), attr.GID)
	assert.True(t, attr.Mtime.Equal(mtime))
}

func TestSymlink(t *testing.T) {
	fs, _ := newVolume(t)
	ln, err := fs.Create(RootIno, "ln", InodeTypeSymlink, 0o777)
	require.NoError(t, err)
	require.NoError(t, fs.SetSymlink(ln, []byte("/target")))

	buf := make([]byte, 64)
	n, err := fs.ReadAt(ln, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "/target", string(buf[:n]))

	f, err := fs.Create(RootIno, "f", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	assert.True(t, errors.Is(fs.SetSymlink(f, []byte("x")), EINVAL))
}

func TestFlush_Persists(t *testing.T) {
	fs, dev := newVolume(t)
	ino, err := fs.Create(RootIno, "keep", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	_, err = fs.WriteAt(ino, []byte("durable"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.Flush())

	fs2, err := Open(dev, Options{})
	require.NoError(t, err)
	e, err := fs2.Lookup(RootIno, "keep")
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := fs2.ReadAt(e.Ino(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(buf[:n]))
	assert.Equal(t, fs.Stat(), fs2.Stat())
}

func readDevice(t *testing.T, dev disk.BlockDevice, off int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := disk.NewSeekableDisk(dev).ReadAt(buf, off)
	require.NoError(t, err)
	return buf
}

func TestFormat_OnDiskLayout(t *testing.T) {
	_, dev := newVolume(t)
	le := binary.LittleEndian

	sb := readDevice(t, dev, 1024, 1024)
	assert.Equal(t, uint16(0xEF53), le.Uint16(sb[0x38:]))
	assert.Equal(t, uint32(64), le.Uint32(sb[0x00:]))
	assert.Equal(t, uint32(4096), le.Uint32(sb[0x04:]))
	assert.Equal(t, uint32(4074), le.Uint32(sb[0x0C:]))
	assert.Equal(t, uint32(54), le.Uint32(sb[0x10:]))
	assert.Equal(t, uint32(1), le.Uint32(sb[0x14:]))
	assert.Equal(t, uint32(0), le.Uint32(sb[0x18:]))
	assert.Equal(t, uint16(256), le.Uint16(sb[0x58:]))
	assert.Equal(t, uint32(incompatFiletype|incompatExtents), le.Uint32(sb[0x60:]))

	gd := readDevice(t, dev, 2*1024, 32)
	assert.Equal(t, uint32(3), le.Uint32(gd[0x00:]))
	assert.Equal(t, uint32(4), le.Uint32(gd[0x04:]))
	assert.Equal(t, uint32(5), le.Uint32(gd[0x08:]))
	assert.Equal(t, uint16(1), le.Uint16(gd[0x10:]))

	root := readDevice(t, dev, 5*1024+256, 256)
	assert.Equal(t, uint16(S_IFDIR|0o755), le.Uint16(root[0x00:]))
	assert.Equal(t, uint32(1024), le.Uint32(root[0x04:]))
	assert.Equal(t, uint16(2), le.Uint16(root[0x1A:]))
	assert.Equal(t, uint32(2), le.Uint32(root[0x1C:]))
	assert.NotZero(t, le.Uint32(root[0x20:])&extentsFlag)
	assert.Equal(t, uint16(0xF30A), le.Uint16(root[0x28:]))
	assert.Equal(t, uint16(1), le.Uint16(root[0x2A:]))
	assert.Equal(t, uint32(21), le.Uint32(root[0x28+12+8:]))

	blk := readDevice(t, dev, 21*1024, 1024)
	assert.Equal(t, uint32(2), le.Uint32(blk[0:]))
	assert.Equal(t, uint16(12), le.Uint16(blk[4:]))
	assert.Equal(t, ".", string(blk[8:9]))
	assert.Equal(t, uint32(2), le.Uint32(blk[12:]))
	assert.Equal(t, uint16(1012), le.Uint16(blk[16:]))
	assert.Equal(t, byte(ftDir), blk[19])
	assert.Equal(t, "..", string(blk[20:22]))
}

func TestOpen_BlankDevice(t *testing.T) {
	dev, err := disk.NewMemDevice(4<<20, 512)
	require.NoError(t, err)
	_, err = Open(dev, Options{})
	assert.True(t, errors.Is(err, disk.ErrNoFilesystem))
}

func TestOpen_RefusesUnknownFeatures(t *testing.T) {
	_, dev := newVolume(t)
	sd := disk.NewSeekableDisk(dev)
	sb := readDevice(t, dev, 1024, 1024)
	binary.LittleEndian.PutUint32(sb[0x60:], incompatFiletype|incompatExtents|0x80)
	_, err := sd.WriteAt(sb, 1024)
	require.NoError(t, err)

	_, err = Open(dev, Options{})
	assert.True(t, errors.Is(err, EINVAL))
	assert.False(t, errors.Is(err, disk.ErrNoFilesystem))
}

func TestFormat_BackupSuperblocks(t *testing.T) {
	dev, err := disk.NewMemDevice(16<<20, 512)
	require.NoError(t, err)
	require.NoError(t, Format(dev, FormatOptions{BlockSize: 1024}))

	fs, err := Open(dev, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), fs.l.groups)

	// Group 1 starts at block 8193 and carries a copy.
	backup := readDevice(t, dev, 8193*1024, 1024)
	assert.Equal(t, uint16(0xEF53), binary.LittleEndian.Uint16(backup[0x38:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(backup[0x5A:]))
	assert.Equal(t, fs.UUID().String(), uuidAt(backup[0x68:]))
}

func uuidAt(b []byte) string {
	var id [16]byte
	copy(id[:], b)
	return uuid.UUID(id).String()
}

func TestExtentTree_SpillsIntoLeafBlock(t *testing.T) {
	fs, dev := newVolume(t)
	a, err := fs.Create(RootIno, "a", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	b, err := fs.Create(RootIno, "b", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)

	// Interleaved writes leave every block of a apart from the next.
	var want []byte
	for i := 0; i < 6; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 1024)
		_, err := fs.WriteAt(a, chunk, uint64(i*1024))
		require.NoError(t, err)
		_, err = fs.WriteAt(b, chunk, uint64(i*1024))
		require.NoError(t, err)
		want = append(want, chunk...)
	}
	in, err := fs.get("test", a)
	require.NoError(t, err)
	assert.Len(t, in.extents, 6)
	assert.Len(t, in.tree, 1)
	attr, err := fs.GetAttr(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(14), attr.Blocks)
	require.NoError(t, fs.Flush())

	fs2, err := Open(dev, Options{})
	require.NoError(t, err)
	in2, err := fs2.get("test", a)
	require.NoError(t, err)
	assert.Equal(t, in.extents, in2.extents)
	assert.Equal(t, in.tree, in2.tree)

	got := make([]byte, len(want))
	n, err := fs2.ReadAt(a, got, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got[:n])

	// Shrinking back under four extents frees the leaf.
	free := fs2.Stat().FreeBlocks
	require.NoError(t, fs2.SetLen(a, 2*1024))
	assert.Equal(t, free+5, fs2.Stat().FreeBlocks)
	assert.Empty(t, in2.tree)
}

func TestBlockMapInodeIsRead(t *testing.T) {
	fs, dev := newVolume(t)
	ino, err := fs.Create(RootIno, "old", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)

	// Twelve direct blocks and one single-indirect block holding the 13th.
	p, got, err := fs.allocRun(0, 14)
	require.NoError(t, err)
	require.Equal(t, uint32(14), got)
	var want []byte
	for i := uint64(0); i < 13; i++ {
		blk := bytes.Repeat([]byte{byte('A' + i)}, 1024)
		fs.blocks[p+i] = blk
		want = append(want, blk...)
	}
	ind := make([]byte, 1024)
	binary.LittleEndian.PutUint32(ind, uint32(p+12))
	fs.blocks[p+13] = ind

	in := fs.inodes[ino]
	in.flags, in.treeDirty = 0, false
	clear(in.iblock[:])
	for i := uint64(0); i < 12; i++ {
		binary.LittleEndian.PutUint32(in.iblock[i*4:], uint32(p+i))
	}
	binary.LittleEndian.PutUint32(in.iblock[48:], uint32(p+13))
	in.size = 13 * 1024
	in.blockCount, in.tree = 13, []uint64{p + 13}
	fs.markDirty(ino)
	require.NoError(t, fs.Flush())

	fs2, err := Open(dev, Options{})
	require.NoError(t, err)
	buf := make([]byte, len(want))
	n, err := fs2.ReadAt(ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, want, buf[:n])
	attr, err := fs2.GetAttr(ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(28), attr.Blocks)

	// Writing converts the inode to extents.
	_, err = fs2.WriteAt(ino, []byte("tail"), 13*1024)
	require.NoError(t, err)
	require.NoError(t, fs2.Flush())
	fs3, err := Open(dev, Options{})
	require.NoError(t, err)
	in3, err := fs3.get("test", ino)
	require.NoError(t, err)
	assert.NotZero(t, in3.flags&extentsFlag)
	buf = make([]byte, len(want)+4)
	n, err = fs3.ReadAt(ino, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, append(want, "tail"...), buf[:n])
}

func TestDirectory_GrowsAcrossBlocks(t *testing.T) {
	fs, dev := newVolume(t)
	for i := 0; i < 50; i++ {
		_, err := fs.Create(RootIno, fmt.Sprintf("%s-%02d", strings.Repeat("n", 40), i), InodeTypeRegularFile, 0o644)
		require.NoError(t, err)
	}
	attr, err := fs.GetAttr(RootIno)
	require.NoError(t, err)
	assert.Greater(t, attr.Size, uint64(1024))
	assert.Zero(t, attr.Size%1024)
	require.NoError(t, fs.Flush())

	fs2, err := Open(dev, Options{})
	require.NoError(t, err)
	assert.Len(t, names(t, fs2, RootIno), 52)
	e, err := fs2.Lookup(RootIno, strings.Repeat("n", 40)+"-49")
	require.NoError(t, err)
	assert.Equal(t, InodeTypeRegularFile, e.InodeType())

	// Removing entries does not shrink the directory.
	for i := 0; i < 50; i++ {
		require.NoError(t, fs2.Unlink(RootIno, fmt.Sprintf("%s-%02d", strings.Repeat("n", 40), i)))
	}
	after, err := fs2.GetAttr(RootIno)
	require.NoError(t, err)
	assert.Equal(t, attr.Size, after.Size)
	require.NoError(t, fs2.Flush())
	fs3, err := Open(dev, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{".", ".."}, names(t, fs3, RootIno))
}

func TestSymlink_FastAndBlockTargetsPersist(t *testing.T) {
	fs, dev := newVolume(t)
	short, err := fs.Create(RootIno, "short", InodeTypeSymlink, 0o777)
	require.NoError(t, err)
	require.NoError(t, fs.SetSymlink(short, []byte("/a/b")))
	long, err := fs.Create(RootIno, "long", InodeTypeSymlink, 0o777)
	require.NoError(t, err)
	target := "/" + strings.Repeat("x", 99)
	require.NoError(t, fs.SetSymlink(long, []byte(target)))

	sa, err := fs.GetAttr(short)
	require.NoError(t, err)
	assert.Zero(t, sa.Blocks)
	la, err := fs.GetAttr(long)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), la.Blocks)
	require.NoError(t, fs.Flush())

	fs2, err := Open(dev, Options{})
	require.NoError(t, err)
	buf := make([]byte, 200)
	n, err := fs2.ReadAt(short, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", string(buf[:n]))
	n, err = fs2.ReadAt(long, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, target, string(buf[:n]))

	// Shortening a block target moves it into the inode.
	free := fs2.Stat().FreeBlocks
	require.NoError(t, fs2.SetSymlink(long, []byte("/c")))
	assert.Equal(t, free+1, fs2.Stat().FreeBlocks)
}

func TestTimes_KeepNanoseconds(t *testing.T) {
	fs, dev := newVolume(t)
	ino, err := fs.Create(RootIno, "f", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	mtime := time.Unix(1700000000, 123456789)
	late := time.Unix(1<<32+5, 7)
	require.NoError(t, fs.WithInodeRef(ino, func(r *InodeRef) error {
		r.SetMtime(mtime)
		r.SetAtime(late)
		return nil
	}))
	require.NoError(t, fs.Flush())

	fs2, err := Open(dev, Options{})
	require.NoError(t, err)
	attr, err := fs2.GetAttr(ino)
	require.NoError(t, err)
	assert.True(t, attr.Mtime.Equal(mtime), attr.Mtime)
	assert.True(t, attr.Atime.Equal(late), attr.Atime)
}

func TestUnlink_FreesInodeOnDisk(t *testing.T) {
	fs, dev := newVolume(t)
	ino, err := fs.Create(RootIno, "gone", InodeTypeRegularFile, 0o644)
	require.NoError(t, err)
	_, err = fs.WriteAt(ino, []byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.Flush())
	before := fs.Stat()

	require.NoError(t, fs.Unlink(RootIno, "gone"))
	require.NoError(t, fs.Flush())
	assert.Equal(t, before.FreeBlocks+1, fs.Stat().FreeBlocks)
	assert.Equal(t, before.FreeInodes+1, fs.Stat().FreeInodes)

	raw := readDevice(t, dev, 5*1024+int64(ino-1)*256, 256)
	assert.Zero(t, binary.LittleEndian.Uint16(raw[0x1A:]))
	assert.NotZero(t, binary.LittleEndian.Uint32(raw[0x14:]))

	fs2, err := Open(dev, Options{})
	require.NoError(t, err)
	_, err = fs2.GetAttr(ino)
	assert.True(t, errors.Is(err, ENOENT))
	assert.Equal(t, fs.Stat(), fs2.Stat())
}
