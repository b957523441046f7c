package fat

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/scttfrdmn/diskvfs/internal/backend/fatfs"
	"github.com/scttfrdmn/diskvfs/internal/disk"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// mount formats a 1 MiB volume with 512-byte clusters. prepare, when set,
// runs against the bare engine before the adapter takes it over.
func mount(t *testing.T, prepare func(*fatfs.FileSystem)) (disk.BlockDevice, *Filesystem) {
	t.Helper()
	dev, err := disk.NewMemDevice(1<<20, 512)
	require.NoError(t, err)
	require.NoError(t, fatfs.Format(dev, fatfs.FormatOptions{SectorsPerCluster: 1, VolumeLabel: "TEST"}))
	engine, err := fatfs.New(dev, fatfs.Options{})
	require.NoError(t, err)
	if prepare != nil {
		prepare(engine)
	}
	return dev, New(engine, Options{})
}

type listed struct {
	name string
	ino  uint64
	typ  vfs.NodeType
	next uint64
}

func list(t *testing.T, dir vfs.DirNodeOps, offset uint64) []listed {
	t.Helper()
	var out []listed
	_, err := dir.ReadDir(offset, func(name string, ino uint64, typ vfs.NodeType, next uint64) bool {
		out = append(out, listed{name, ino, typ, next})
		return true
	})
	require.NoError(t, err)
	return out
}

func readAll(t *testing.T, f vfs.FileNodeOps) []byte {
	t.Helper()
	size, err := f.Len()
	require.NoError(t, err)
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	return buf[:n]
}

// foreignDir stands in for a directory of another backend.
type foreignDir struct {
	vfs.DirNodeOps
}

func (foreignDir) Kind() vfs.Kind { return vfs.KindExt4 }
func (foreignDir) Release()       {}

type FATTestSuite struct {
	suite.Suite
	dev  disk.BlockDevice
	fs   *Filesystem
	root *vfs.DirEntry
	dir  vfs.DirNodeOps
}

func TestFATAdapter(t *testing.T) {
	suite.Run(t, new(FATTestSuite))
}

func (s *FATTestSuite) SetupTest() {
	s.dev, s.fs = mount(s.T(), nil)
	s.root = s.fs.RootDir()
	var err error
	s.dir, err = s.root.AsDir()
	s.Require().NoError(err)
}

// TearDownTest also checks that every inode number handed out during the
// test came back once its entries were dropped.
func (s *FATTestSuite) TearDownTest() {
	s.root.DecRef()
	s.Require().NoError(s.fs.Close())
	s.Zero(s.fs.LiveInodes())
}

func (s *FATTestSuite) create(name string) (*vfs.DirEntry, vfs.FileNodeOps) {
	e, err := s.dir.Create(name, vfs.NodeTypeRegularFile, vfs.DefaultFilePermission)
	s.Require().NoError(err)
	f, err := e.AsFile()
	s.Require().NoError(err)
	return e, f
}

func (s *FATTestSuite) TestRootAndStat() {
	s.Equal("vfat", s.fs.Name())
	s.Equal(uint64(1), s.root.Inode())
	s.Equal(vfs.KindFAT, s.root.Node().Kind())

	md, err := s.root.Node().Metadata()
	s.Require().NoError(err)
	s.Equal(vfs.NodeTypeDirectory, md.NodeType)
	s.Equal(vfs.NodePermission(0o755), md.Mode)
	s.Equal(uint64(1), md.Nlink)
	s.Equal(uint64(512), md.Size)
	s.Equal(uint64(512), md.BlockSize)
	s.Equal(uint64(1), md.Blocks)
	s.True(md.Mtime.Equal(vfs.Epoch))

	st, err := s.fs.Stat()
	s.Require().NoError(err)
	s.Equal(uint64(FsType), st.FsType)
	s.Equal(uint64(512), st.BlockSize)
	s.Equal(uint64(2003), st.Blocks)
	s.Equal(st.Blocks, st.BlocksFree)
	s.Zero(st.FileCount)
	s.Equal(uint32(255), st.NameLength)
}

func (s *FATTestSuite) TestWriteReadRoundTrip() {
	cases := map[string][]byte{
		"empty.bin":  {},
		"short.txt":  []byte("hello"),
		"binary.bin": {0, 1, 2, 0xff},
		"multi.bin":  bytes.Repeat([]byte("0123456789"), 300),
	}
	for name, content := range cases {
		e, f := s.create(name)
		n, err := f.WriteAt(content, 0)
		s.Require().NoError(err)
		s.Equal(len(content), n)
		s.Equal(content, readAll(s.T(), f), name)

		part := make([]byte, 4)
		if len(content) > 1000 {
			n, err = f.ReadAt(part, 510)
			s.Require().NoError(err)
			s.Equal(4, n)
			s.Equal(content[510:514], part)
		}
		e.DecRef()
	}
}

func (s *FATTestSuite) TestReadPastEnd() {
	e, f := s.create("f")
	defer e.DecRef()
	_, err := f.WriteAt([]byte("abc"), 0)
	s.Require().NoError(err)

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 3)
	s.NoError(err)
	s.Zero(n)
	n, err = f.ReadAt(buf, 1)
	s.NoError(err)
	s.Equal("bc", string(buf[:n]))
}

func (s *FATTestSuite) TestWriteAtPastEndZeroFills() {
	e, f := s.create("sparse")
	defer e.DecRef()

	n, err := f.WriteAt([]byte("end"), 700)
	s.Require().NoError(err)
	s.Equal(3, n)
	data := readAll(s.T(), f)
	s.Len(data, 703)
	s.Equal(make([]byte, 700), data[:700])
	s.Equal("end", string(data[700:]))
}

func (s *FATTestSuite) TestLookupStableInode() {
	created, _ := s.create("a.txt")
	defer created.DecRef()

	first, err := s.dir.Lookup("a.txt")
	s.Require().NoError(err)
	defer first.DecRef()
	second, err := s.dir.Lookup("A.TXT")
	s.Require().NoError(err)
	defer second.DecRef()

	s.Same(created, first)
	s.Same(first, second)
	s.Equal(created.Inode(), second.Inode())

	_, err = s.dir.Lookup("missing")
	s.True(errors.Is(err, errors.ErrNotFound))
}

func (s *FATTestSuite) TestScenarioSetLen() {
	e, f := s.create("a.txt")
	defer e.DecRef()

	_, err := f.WriteAt([]byte("hello"), 0)
	s.Require().NoError(err)
	size, err := f.Len()
	s.Require().NoError(err)
	s.Equal(uint64(5), size)

	s.Require().NoError(f.SetLen(10))
	buf := make([]byte, 10)
	n, err := f.ReadAt(buf, 0)
	s.Require().NoError(err)
	s.Equal(10, n)
	s.Equal([]byte("hello\x00\x00\x00\x00\x00"), buf)
}

func (s *FATTestSuite) TestSetLenAcrossClusters() {
	e, f := s.create("grow")
	defer e.DecRef()
	_, err := f.WriteAt(bytes.Repeat([]byte{0xaa}, 100), 0)
	s.Require().NoError(err)

	s.Require().NoError(f.SetLen(1300))
	data := readAll(s.T(), f)
	s.Len(data, 1300)
	s.Equal(bytes.Repeat([]byte{0xaa}, 100), data[:100])
	s.Equal(make([]byte, 1200), data[100:])

	md, err := f.Metadata()
	s.Require().NoError(err)
	s.Equal(uint64(3), md.Blocks)

	s.Require().NoError(f.SetLen(50))
	s.Equal(bytes.Repeat([]byte{0xaa}, 50), readAll(s.T(), f))
	s.Require().NoError(f.SetLen(50))
}

func (s *FATTestSuite) TestRenameOverwrites() {
	a, fa := s.create("a")
	b, fb := s.create("b")
	_, err := fa.WriteAt([]byte("from a"), 0)
	s.Require().NoError(err)
	_, err = fb.WriteAt([]byte("from b"), 0)
	s.Require().NoError(err)
	a.DecRef()
	b.DecRef()

	inoA := a.Inode()
	s.Require().NoError(s.dir.Rename("a", s.root, "b"))
	s.Equal(1, s.root.CacheLen())

	got, err := s.dir.Lookup("b")
	s.Require().NoError(err)
	defer got.DecRef()
	s.Equal(inoA, got.Inode())
	f, err := got.AsFile()
	s.Require().NoError(err)
	s.Equal([]byte("from a"), readAll(s.T(), f))

	_, err = s.dir.Lookup("a")
	s.True(errors.Is(err, errors.ErrNotFound))
	s.True(errors.Is(s.dir.Rename("a", s.root, "c"), errors.ErrNotFound))
}

func (s *FATTestSuite) TestRenameKeepsHeldEntry() {
	a, fa := s.create("a")
	defer a.DecRef()
	_, err := fa.WriteAt([]byte("moved"), 0)
	s.Require().NoError(err)

	s.Require().NoError(s.dir.Rename("a", s.root, "b"))
	s.Equal("b", a.Name())

	got, err := s.dir.Lookup("b")
	s.Require().NoError(err)
	defer got.DecRef()
	s.Same(a, got)
	s.Equal(a.Inode(), got.Inode())

	ino, ok := s.root.CachedInode("b")
	s.True(ok)
	s.Equal(a.Inode(), ino)
	_, ok = s.root.CachedInode("a")
	s.False(ok)
	s.Equal(2, s.fs.LiveInodes())
}

func (s *FATTestSuite) TestRenameIntoOwnSubtreeKeepsDestination() {
	sub, err := s.dir.Create("sub", vfs.NodeTypeDirectory, vfs.DefaultDirPermission)
	s.Require().NoError(err)
	defer sub.DecRef()
	subDir, err := sub.AsDir()
	s.Require().NoError(err)
	x, err := subDir.Create("x", vfs.NodeTypeRegularFile, vfs.DefaultFilePermission)
	s.Require().NoError(err)
	xf, _ := x.AsFile()
	_, err = xf.WriteAt([]byte("precious"), 0)
	s.Require().NoError(err)
	x.DecRef()

	err = s.dir.Rename("sub", sub, "x")
	s.True(errors.Is(err, errors.ErrInvalidArgument))

	got, err := subDir.Lookup("x")
	s.Require().NoError(err)
	defer got.DecRef()
	gf, _ := got.AsFile()
	s.Equal([]byte("precious"), readAll(s.T(), gf))
}

func (s *FATTestSuite) TestRenameTypeMismatchKeepsDestination() {
	sub, err := s.dir.Create("dir", vfs.NodeTypeDirectory, vfs.DefaultDirPermission)
	s.Require().NoError(err)
	sub.DecRef()
	e, f := s.create("file")
	_, err = f.WriteAt([]byte("still here"), 0)
	s.Require().NoError(err)
	e.DecRef()

	s.True(errors.Is(s.dir.Rename("dir", s.root, "file"), errors.ErrNotDirectory))
	s.True(errors.Is(s.dir.Rename("file", s.root, "dir"), errors.ErrIsDirectory))

	names := list(s.T(), s.dir, 0)
	s.Require().Len(names, 2)
	got, err := s.dir.Lookup("file")
	s.Require().NoError(err)
	defer got.DecRef()
	gf, _ := got.AsFile()
	s.Equal([]byte("still here"), readAll(s.T(), gf))
}

func (s *FATTestSuite) TestRenameCaseOnly() {
	e, f := s.create("name.txt")
	_, err := f.WriteAt([]byte("kept"), 0)
	s.Require().NoError(err)
	e.DecRef()

	s.Require().NoError(s.dir.Rename("name.txt", s.root, "NAME.TXT"))
	names := list(s.T(), s.dir, 0)
	s.Require().Len(names, 1)
	s.Equal("NAME.TXT", names[0].name)

	got, err := s.dir.Lookup("name.txt")
	s.Require().NoError(err)
	defer got.DecRef()
	gf, _ := got.AsFile()
	s.Equal([]byte("kept"), readAll(s.T(), gf))
}

func (s *FATTestSuite) TestRenameIntoSubdirectory() {
	sub, err := s.dir.Create("sub", vfs.NodeTypeDirectory, vfs.DefaultDirPermission)
	s.Require().NoError(err)
	defer sub.DecRef()
	e, _ := s.create("f")
	e.DecRef()

	s.Require().NoError(s.dir.Rename("f", sub, "g"))
	subDir, err := sub.AsDir()
	s.Require().NoError(err)
	moved, err := subDir.Lookup("g")
	s.Require().NoError(err)
	s.Same(sub, moved.Parent())
	moved.DecRef()

	file, _ := s.create("plain")
	defer file.DecRef()
	s.True(errors.Is(s.dir.Rename("sub", file, "x"), errors.ErrNotDirectory))
}

func (s *FATTestSuite) TestRenameAcrossKindsFails() {
	other := vfs.NewDirEntry(vfs.RootReference(), func(vfs.WeakDirEntry) vfs.DirNodeOps {
		return foreignDir{}
	})
	defer other.DecRef()
	e, _ := s.create("a")
	e.DecRef()

	err := s.dir.Rename("a", other, "b")
	s.True(errors.Is(err, errors.ErrInvalidArgument))
}

func (s *FATTestSuite) TestRenameAcrossMountsFails() {
	_, otherFs := mount(s.T(), nil)
	otherRoot := otherFs.RootDir()
	e, _ := s.create("a")
	e.DecRef()

	err := s.dir.Rename("a", otherRoot, "b")
	s.True(errors.Is(err, errors.ErrInvalidArgument))

	otherRoot.DecRef()
	s.NoError(otherFs.Close())
}

func (s *FATTestSuite) TestLinkAndSymlinkNotPermitted() {
	e, f := s.create("a")
	defer e.DecRef()

	_, err := s.dir.Link("b", e)
	s.True(errors.Is(err, errors.ErrNotPermitted))
	s.True(errors.Is(f.SetSymlink("/x"), errors.ErrNotPermitted))
}

func (s *FATTestSuite) TestCreateErrors() {
	for _, t := range []vfs.NodeType{vfs.NodeTypeUnknown, vfs.NodeTypeSymlink, vfs.NodeTypeFifo, vfs.NodeTypeSocket} {
		_, err := s.dir.Create("x", t, 0o644)
		s.True(errors.Is(err, errors.ErrInvalidArgument), t.String())
	}

	e, _ := s.create("Dup.txt")
	defer e.DecRef()
	_, err := s.dir.Create("dup.TXT", vfs.NodeTypeRegularFile, 0o644)
	s.True(errors.Is(err, errors.ErrAlreadyExists))
	_, err = s.dir.Create("bad:name", vfs.NodeTypeRegularFile, 0o644)
	s.True(errors.Is(err, errors.ErrInvalidArgument))
}

func (s *FATTestSuite) TestUnlinkKeepsCachedEntry() {
	e, f := s.create("gone")
	_, err := f.WriteAt([]byte("data"), 0)
	s.Require().NoError(err)
	ino := e.Inode()
	e.DecRef()

	s.Require().NoError(s.dir.Unlink("gone"))
	s.Empty(list(s.T(), s.dir, 0))

	stale, err := s.dir.Lookup("gone")
	s.Require().NoError(err)
	s.Equal(ino, stale.Inode())
	sf, _ := stale.AsFile()
	_, err = sf.ReadAt(make([]byte, 4), 0)
	s.True(errors.Is(err, errors.ErrNotFound))
	stale.DecRef()

	dropped := s.root.RemoveCache("gone")
	s.Require().NotNil(dropped)
	dropped.DecRef()
	_, err = s.dir.Lookup("gone")
	s.True(errors.Is(err, errors.ErrNotFound))
	s.True(errors.Is(s.dir.Unlink("gone"), errors.ErrNotFound))
}

func (s *FATTestSuite) TestUnlinkNonEmptyDirectory() {
	sub, err := s.dir.Create("sub", vfs.NodeTypeDirectory, 0o755)
	s.Require().NoError(err)
	subDir, _ := sub.AsDir()
	inner, err := subDir.Create("inner", vfs.NodeTypeRegularFile, 0o644)
	s.Require().NoError(err)
	inner.DecRef()
	sub.DecRef()

	s.True(errors.Is(s.dir.Unlink("sub"), errors.ErrNotEmpty))
}

func (s *FATTestSuite) TestInodeReleaseAndReuse() {
	s.Equal(1, s.fs.LiveInodes())

	e, _ := s.create("a")
	ino := e.Inode()
	s.Equal(uint64(2), ino)
	e.DecRef()
	// The cache still holds the entry.
	s.Equal(2, s.fs.LiveInodes())

	s.root.RemoveCache("a").DecRef()
	s.Equal(1, s.fs.LiveInodes())

	again, err := s.dir.Lookup("a")
	s.Require().NoError(err)
	s.Equal(ino, again.Inode())
	again.DecRef()
}

func (s *FATTestSuite) TestEvictedSubtreeReleasesInodes() {
	sub, err := s.dir.Create("sub", vfs.NodeTypeDirectory, vfs.DefaultDirPermission)
	s.Require().NoError(err)
	subDir, _ := sub.AsDir()
	f, err := subDir.Create("f", vfs.NodeTypeRegularFile, vfs.DefaultFilePermission)
	s.Require().NoError(err)
	f.DecRef()
	sub.DecRef()
	s.Equal(3, s.fs.LiveInodes())

	// The cached child does not keep its unheld parent alive.
	s.Equal(int64(0), sub.Refs())
	s.Equal(int64(2), s.root.Refs())

	s.root.RemoveCache("sub").DecRef()
	s.Equal(1, s.fs.LiveInodes())
}

func (s *FATTestSuite) TestSequentialAppends() {
	for _, k := range []int{100, 128, 700} {
		e, f := s.create(fmt.Sprintf("log%d", k))

		const n = 10
		chunk := bytes.Repeat([]byte("x"), k)
		for i := 0; i < n; i++ {
			written, size, err := f.Append(chunk)
			s.Require().NoError(err)
			s.Equal(k, written)
			s.Equal(uint64((i+1)*k), size)
		}
		size, err := f.Len()
		s.Require().NoError(err)
		s.Equal(uint64(n*k), size)
		s.Equal(bytes.Repeat([]byte("x"), n*k), readAll(s.T(), f))
		e.DecRef()
	}
}

func (s *FATTestSuite) TestConcurrentAppends() {
	e, f := s.create("log")
	defer e.DecRef()

	const writers, k = 16, 64
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		chunk := bytes.Repeat([]byte{byte('a' + w)}, k)
		g.Go(func() error {
			n, _, err := f.Append(chunk)
			if err == nil && n != k {
				return errors.Newf(errors.ErrCodeIO, "short append of %d bytes", n)
			}
			return err
		})
	}
	s.Require().NoError(g.Wait())

	data := readAll(s.T(), f)
	s.Require().Len(data, writers*k)
	seen := make(map[byte]bool)
	for off := 0; off < len(data); off += k {
		c := data[off]
		s.Equal(bytes.Repeat([]byte{c}, k), data[off:off+k])
		s.False(seen[c])
		seen[c] = true
	}
}

func (s *FATTestSuite) TestAppendCrossesClusterBoundary() {
	e, f := s.create("edge")
	defer e.DecRef()
	_, err := f.WriteAt(make([]byte, 500), 0)
	s.Require().NoError(err)

	n, size, err := f.Append(bytes.Repeat([]byte("y"), 100))
	s.Require().NoError(err)
	s.Equal(100, n)
	s.Equal(uint64(600), size)
	s.Equal(bytes.Repeat([]byte("y"), 100), readAll(s.T(), f)[500:])
}

func (s *FATTestSuite) TestAppendReportsPartialWrite() {
	e, f := s.create("big")
	defer e.DecRef()

	st, err := s.fs.Stat()
	s.Require().NoError(err)
	room := int(st.BlocksFree * st.BlockSize)

	n, size, err := f.Append(make([]byte, room+1000))
	s.True(errors.Is(err, errors.ErrNoSpace))
	s.Equal(room, n)
	s.Equal(uint64(room), size)
	got, err := f.Len()
	s.Require().NoError(err)
	s.Equal(uint64(room), got)
}

func (s *FATTestSuite) TestMetadata() {
	e, f := s.create("f.txt")
	defer e.DecRef()
	_, err := f.WriteAt(make([]byte, 513), 0)
	s.Require().NoError(err)

	md, err := f.Metadata()
	s.Require().NoError(err)
	s.Equal(e.Inode(), md.Inode)
	s.Equal(vfs.NodeTypeRegularFile, md.NodeType)
	s.Equal(vfs.NodePermission(0o644), md.Mode)
	s.Equal(uint64(513), md.Size)
	s.Equal(uint64(512), md.BlockSize)
	s.Equal(uint64(2), md.Blocks)

	atime := time.Unix(1600000000, 0)
	mtime := time.Unix(1700000000, 0)
	mode := vfs.NodePermission(0o600)
	s.Require().NoError(f.UpdateMetadata(vfs.MetadataUpdate{Atime: &atime, Mtime: &mtime, Mode: &mode}))
	md, err = f.Metadata()
	s.Require().NoError(err)
	s.True(md.Atime.Equal(atime))
	s.True(md.Mtime.Equal(mtime))
	s.Equal(vfs.NodePermission(0o644), md.Mode)

	sub, err := s.dir.Create("sub", vfs.NodeTypeDirectory, 0o700)
	s.Require().NoError(err)
	defer sub.DecRef()
	smd, err := sub.Node().Metadata()
	s.Require().NoError(err)
	s.Equal(vfs.NodeTypeDirectory, smd.NodeType)
	s.Equal(vfs.NodePermission(0o755), smd.Mode)
	s.Require().NoError(sub.Node().UpdateMetadata(vfs.MetadataUpdate{Mtime: &mtime}))
	smd, _ = sub.Node().Metadata()
	s.True(smd.Mtime.Equal(mtime))

	s.NoError(f.Sync(true))
	s.NoError(sub.Node().Sync(false))
}

func (s *FATTestSuite) TestReadDirOffsets() {
	for _, name := range []string{"one", "two", "three"} {
		e, _ := s.create(name)
		e.DecRef()
	}
	all := list(s.T(), s.dir, 0)
	s.Require().Len(all, 3)
	for i, l := range all {
		s.Equal(uint64(i+1), l.next)
	}
	s.Equal(all[1:], list(s.T(), s.dir, all[0].next))
	s.Empty(list(s.T(), s.dir, 3))

	count, err := s.dir.ReadDir(0, func(string, uint64, vfs.NodeType, uint64) bool { return false })
	s.NoError(err)
	s.Zero(count)
}

func (s *FATTestSuite) TestFlushPersists() {
	e, f := s.create("keep.txt")
	_, err := f.WriteAt([]byte("durable"), 0)
	s.Require().NoError(err)
	e.DecRef()
	s.Require().NoError(s.fs.Flush())

	engine, err := fatfs.New(s.dev, fatfs.Options{})
	s.Require().NoError(err)
	reopened := New(engine, Options{})
	root := reopened.RootDir()
	dir, _ := root.AsDir()
	got, err := dir.Lookup("KEEP.TXT")
	s.Require().NoError(err)
	gf, _ := got.AsFile()
	s.Equal([]byte("durable"), readAll(s.T(), gf))
	got.DecRef()
	root.DecRef()
	s.NoError(reopened.Close())
	s.Zero(reopened.LiveInodes())
}

func TestListingScenario(t *testing.T) {
	_, fs := mount(t, func(engine *fatfs.FileSystem) {
		root := engine.RootDir()
		_, err := root.CreateFile("A.TXT")
		require.NoError(t, err)
		_, err = root.CreateDir("SUB")
		require.NoError(t, err)
	})
	root := fs.RootDir()
	dir, err := root.AsDir()
	require.NoError(t, err)

	entries := list(t, dir, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, "A.TXT", entries[0].name)
	assert.Equal(t, vfs.NodeTypeRegularFile, entries[0].typ)
	assert.Equal(t, "SUB", entries[1].name)
	assert.Equal(t, vfs.NodeTypeDirectory, entries[1].typ)
	assert.Equal(t, 2, root.CacheLen())

	e, err := dir.Lookup("a.txt")
	require.NoError(t, err)
	assert.Equal(t, entries[0].ino, e.Inode())
	assert.Equal(t, "A.TXT", e.Name())
	e.DecRef()

	again := list(t, dir, 0)
	assert.Equal(t, entries, again)

	root.DecRef()
	require.NoError(t, fs.Close())
	assert.Zero(t, fs.LiveInodes())
}

func TestIntoVFSErr(t *testing.T) {
	cases := map[error]errors.ErrorCode{
		fatfs.ErrNotFound:                     errors.ErrCodeNotFound,
		fatfs.ErrAlreadyExists:                errors.ErrCodeAlreadyExists,
		fatfs.ErrInvalidInput:                 errors.ErrCodeInvalidArgument,
		fatfs.ErrInvalidFileNameLength:        errors.ErrCodeInvalidArgument,
		fatfs.ErrUnsupportedFileNameCharacter: errors.ErrCodeInvalidArgument,
		fatfs.ErrDirectoryIsNotEmpty:          errors.ErrCodeNotEmpty,
		fatfs.ErrNotEnoughSpace:               errors.ErrCodeNoSpace,
		fatfs.ErrFileTooLarge:                 errors.ErrCodeNoSpace,
		fatfs.ErrCorruptedFileSystem:          errors.ErrCodeIO,
	}
	for in, code := range cases {
		err := intoVFSErr("op", in)
		assert.Equal(t, code, errors.CodeOf(err), in.Error())
		assert.ErrorIs(t, err, in)
	}
	assert.NoError(t, intoVFSErr("op", nil))
}
