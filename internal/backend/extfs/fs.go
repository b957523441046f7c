// Package extfs is an ext4 filesystem engine.
//
// Every call names the inode it operates on, so callers keep no handles
// between calls. Inode numbers are stable for the lifetime of the inode;
// the root directory is inode 2 and ordinary inodes start at 11. Names are
// byte strings: anything except '/' and NUL is accepted, including byte
// sequences that are not valid UTF-8.
//
// Volumes use the ext4 on-disk format with the filetype, extents,
// sparse_super, large_file and extra_isize features: block groups with
// block and inode bitmaps, 256-byte inodes, extent trees and linear
// directories. Inodes are read on first use and kept in memory. Changed
// metadata and data blocks are buffered and written back in place on
// Flush. Volumes carrying a journal that needs recovery, checksums or
// other unsupported features are refused.
//
// An FS is not safe for concurrent use.
package extfs

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/diskvfs/internal/disk"
)

const (
	// RootIno is the inode number of the root directory.
	RootIno uint32 = 2

	// FirstIno is the first inode number handed out for new files.
	FirstIno uint32 = 11

	// MaxNameLen is the longest name, in bytes.
	MaxNameLen = 255

	inodeSize = 256

	DefaultBlockSize = 4096

	// maxBufferedBlocks bounds the data blocks held between flushes.
	maxBufferedBlocks = 4096
)

// Mode type bits.
const (
	S_IFMT   = 0o170000
	S_IFSOCK = 0o140000
	S_IFLNK  = 0o120000
	S_IFREG  = 0o100000
	S_IFBLK  = 0o060000
	S_IFDIR  = 0o040000
	S_IFCHR  = 0o020000
	S_IFIFO  = 0o010000
)

// InodeType is the file type stored in an inode's mode.
type InodeType uint8

const (
	InodeTypeUnknown InodeType = iota
	InodeTypeFifo
	InodeTypeCharacterDevice
	InodeTypeDirectory
	InodeTypeBlockDevice
	InodeTypeRegularFile
	InodeTypeSymlink
	InodeTypeSocket
)

func (t InodeType) modeBits() uint32 {
	switch t {
	case InodeTypeFifo:
		return S_IFIFO
	case InodeTypeCharacterDevice:
		return S_IFCHR
	case InodeTypeDirectory:
		return S_IFDIR
	case InodeTypeBlockDevice:
		return S_IFBLK
	case InodeTypeRegularFile:
		return S_IFREG
	case InodeTypeSymlink:
		return S_IFLNK
	case InodeTypeSocket:
		return S_IFSOCK
	}
	return 0
}

func typeFromMode(mode uint32) InodeType {
	switch mode & S_IFMT {
	case S_IFIFO:
		return InodeTypeFifo
	case S_IFCHR:
		return InodeTypeCharacterDevice
	case S_IFDIR:
		return InodeTypeDirectory
	case S_IFBLK:
		return InodeTypeBlockDevice
	case S_IFREG:
		return InodeTypeRegularFile
	case S_IFLNK:
		return InodeTypeSymlink
	case S_IFSOCK:
		return InodeTypeSocket
	}
	return InodeTypeUnknown
}

// FormatOptions control Format.
type FormatOptions struct {
	BlockSize  uint32
	InodeCount uint32
}

// Options control Open.
type Options struct {
	Clock func() time.Time
}

// FS is a mounted volume.
type FS struct {
	dev   disk.BlockDevice
	disk  *disk.SeekableDisk
	clock func() time.Time

	l      layout
	sb     []byte
	gdt    []byte
	groups []group

	freeBlockCount uint64
	freeInodeCount uint64

	inodes map[uint32]*inode
	// blocks holds modified data blocks until they are written back.
	blocks map[uint64][]byte

	dirtyInodes map[uint32]struct{}
	dirtyDirs   map[uint32]struct{}
	dirtyGroups map[uint32]struct{}
	sbDirty     bool
}

func newFS(dev disk.BlockDevice, sd *disk.SeekableDisk, l layout, sb []byte, clock func() time.Time) *FS {
	if clock == nil {
		clock = time.Now
	}
	fs := &FS{
		dev:         dev,
		disk:        sd,
		clock:       clock,
		l:           l,
		sb:          sb,
		gdt:         make([]byte, l.gdtBlocks*l.blockSize),
		groups:      make([]group, l.groups),
		inodes:      make(map[uint32]*inode),
		blocks:      make(map[uint64][]byte),
		dirtyInodes: make(map[uint32]struct{}),
		dirtyDirs:   make(map[uint32]struct{}),
		dirtyGroups: make(map[uint32]struct{}),
	}
	for g := range fs.groups {
		fs.groups[g].desc = fs.gdt[g*descSize : (g+1)*descSize]
	}
	return fs
}

// Format writes an empty volume to dev.
func Format(dev disk.BlockDevice, opts FormatOptions) error {
	bs := opts.BlockSize
	if bs == 0 {
		bs = DefaultBlockSize
	}
	if bs < 1024 || bs > 65536 || bs&(bs-1) != 0 {
		return fail("format", 0, EINVAL)
	}
	blocks := uint64(dev.BlockSize()) * dev.NumBlocks() / uint64(bs)
	count := opts.InodeCount
	if count == 0 {
		count = uint32(min(blocks/4, 1<<31))
	}
	count = max(count, 16)
	l, err := planLayout(blocks, bs, count)
	if err != nil {
		return err
	}

	now := time.Now()
	sb := l.superblock(uuid.New(), uuid.New(), uint32(now.Unix()))
	sd := disk.NewSeekableDisk(dev)
	fs := newFS(dev, sd, l, sb, nil)

	zero := make([]byte, bs)
	for g := uint32(0); g < l.groups; g++ {
		start := l.groupStart(g)
		at := start
		if l.hasSuper(g) {
			at += 1 + uint64(l.gdtBlocks)
		}
		grp := &fs.groups[g]
		le.PutUint32(grp.desc[bgBlockBitmap:], uint32(at))
		le.PutUint32(grp.desc[bgInodeBitmap:], uint32(at+1))
		le.PutUint32(grp.desc[bgInodeTable:], uint32(at+2))

		grp.blockBitmap = make(bitmap, bs)
		for i := uint32(0); i < l.overhead(g); i++ {
			grp.blockBitmap.set(i)
		}
		grp.blockBitmap.padFrom(l.groupBlocks(g))
		grp.inodeBitmap = make(bitmap, bs)
		grp.inodeBitmap.padFrom(l.inodesPerGroup)
		freeInodes := l.inodesPerGroup
		if g == 0 {
			for i := uint32(0); i < FirstIno-1; i++ {
				grp.inodeBitmap.set(i)
			}
			freeInodes -= FirstIno - 1
		}
		le.PutUint16(grp.desc[bgFreeBlocks:], uint16(l.groupBlocks(g)-l.overhead(g)))
		le.PutUint16(grp.desc[bgFreeInodes:], uint16(freeInodes))
		fs.freeBlockCount += uint64(l.groupBlocks(g) - l.overhead(g))
		fs.freeInodeCount += uint64(freeInodes)
		fs.dirtyGroups[g] = struct{}{}

		for b := uint32(0); b < l.itableBlocks(); b++ {
			if _, err := sd.WriteAt(zero, l.blockOffset(at+2+uint64(b))); err != nil {
				return &Error{Op: "format", Errno: EIO, Err: err}
			}
		}
	}
	fs.sbDirty = true

	root := &inode{
		mode:  S_IFDIR | 0o755,
		nlink: 2,
		flags: extentsFlag,
		atime: now, mtime: now, ctime: now, crtime: now,
		parent: RootIno,
	}
	fs.inodes[RootIno] = root
	fs.groups[0].addUsedDirs(1)
	if err := fs.growDir("format", RootIno, root); err != nil {
		return err
	}
	fs.dirtyInodes[RootIno] = struct{}{}
	if err := fs.Flush(); err != nil {
		return err
	}
	return fs.writeBackups()
}

// writeBackups copies the superblock and descriptor table into every group
// that carries a backup.
func (fs *FS) writeBackups() error {
	for g := uint32(1); g < fs.l.groups; g++ {
		if !fs.l.hasSuper(g) {
			continue
		}
		sb := slices.Clone(fs.sb)
		le.PutUint16(sb[sbBlockGroupNr:], uint16(g))
		start := fs.l.groupStart(g)
		if _, err := fs.disk.WriteAt(sb, fs.l.blockOffset(start)); err != nil {
			return &Error{Op: "format", Errno: EIO, Err: err}
		}
		if _, err := fs.disk.WriteAt(fs.gdt, fs.l.blockOffset(start+1)); err != nil {
			return &Error{Op: "format", Errno: EIO, Err: err}
		}
	}
	return fs.disk.Flush()
}

// Open mounts the volume on dev. A device without an ext4 superblock fails
// with an error wrapping disk.ErrNoFilesystem.
func Open(dev disk.BlockDevice, opts Options) (*FS, error) {
	sd := disk.NewSeekableDisk(dev)
	if sd.Size() < superblockOffset+superblockSize {
		return nil, &Error{Op: "open", Errno: EINVAL, Err: disk.ErrNoFilesystem}
	}
	sb := make([]byte, superblockSize)
	if _, err := sd.ReadAt(sb, superblockOffset); err != nil {
		return nil, &Error{Op: "open", Errno: EIO, Err: err}
	}
	l, err := parseSuperblock(sb, sd.Size())
	if err != nil {
		return nil, err
	}
	fs := newFS(dev, sd, l, sb, opts.Clock)
	if _, err := sd.ReadAt(fs.gdt, l.blockOffset(l.groupStart(0)+1)); err != nil {
		return nil, &Error{Op: "open", Errno: EIO, Err: err}
	}
	for g := range fs.groups {
		grp := &fs.groups[g]
		for _, b := range []uint64{grp.blockBitmapAt(), grp.inodeBitmapAt(), grp.inodeTableAt()} {
			if !fs.validRun(b, 1) {
				return nil, &Error{Op: "open", Errno: EIO, Err: fmt.Errorf("group %d metadata at block %d", g, b)}
			}
		}
		if !fs.validRun(grp.inodeTableAt(), l.itableBlocks()) {
			return nil, &Error{Op: "open", Errno: EIO, Err: fmt.Errorf("group %d inode table", g)}
		}
		grp.blockBitmap = make(bitmap, l.blockSize)
		grp.inodeBitmap = make(bitmap, l.blockSize)
		if _, err := sd.ReadAt(grp.blockBitmap, l.blockOffset(grp.blockBitmapAt())); err != nil {
			return nil, &Error{Op: "open", Errno: EIO, Err: err}
		}
		if _, err := sd.ReadAt(grp.inodeBitmap, l.blockOffset(grp.inodeBitmapAt())); err != nil {
			return nil, &Error{Op: "open", Errno: EIO, Err: err}
		}
		fs.freeBlockCount += uint64(grp.freeBlocks())
		fs.freeInodeCount += uint64(grp.freeInodes())
	}
	root, err := fs.get("open", RootIno)
	if err != nil {
		return nil, err
	}
	if root.mode&S_IFMT != S_IFDIR {
		return nil, fail("open", RootIno, ENOTDIR)
	}
	return fs, nil
}

func (fs *FS) validRun(b uint64, n uint32) bool {
	return b >= uint64(fs.l.firstDataBlock) && b+uint64(n) <= fs.l.blocks && n > 0
}

func (fs *FS) freeBlocks() uint64 {
	return fs.freeBlockCount
}

func (fs *FS) now() time.Time {
	return fs.clock()
}

func (fs *FS) markDirty(ino uint32) {
	fs.dirtyInodes[ino] = struct{}{}
}

// get returns the in-memory inode ino, reading it on first use.
func (fs *FS) get(op string, ino uint32) (*inode, error) {
	if in, ok := fs.inodes[ino]; ok {
		if in.freed {
			return nil, fail(op, ino, ENOENT)
		}
		return in, nil
	}
	if ino == 0 || ino > fs.l.inodes() {
		return nil, fail(op, ino, ENOENT)
	}
	g, idx := (ino-1)/fs.l.inodesPerGroup, (ino-1)%fs.l.inodesPerGroup
	if !fs.groups[g].inodeBitmap.get(idx) {
		return nil, fail(op, ino, ENOENT)
	}
	raw := make([]byte, fs.l.inodeSize)
	if _, err := fs.disk.ReadAt(raw, fs.inodeOffset(ino)); err != nil {
		return nil, &Error{Op: op, Ino: ino, Errno: EIO, Err: err}
	}
	in, err := fs.decodeInode(ino, raw)
	if err != nil {
		return nil, err
	}
	if in.nlink == 0 {
		return nil, fail(op, ino, ENOENT)
	}
	if in.mode&S_IFMT == S_IFDIR {
		if err := fs.loadDir(ino, in); err != nil {
			return nil, err
		}
	}
	fs.inodes[ino] = in
	return in, nil
}

func (fs *FS) inodeOffset(ino uint32) int64 {
	g, idx := (ino-1)/fs.l.inodesPerGroup, (ino-1)%fs.l.inodesPerGroup
	return fs.l.blockOffset(fs.groups[g].inodeTableAt()) + int64(idx)*int64(fs.l.inodeSize)
}

// allocIno takes the lowest free inode number.
func (fs *FS) allocIno(dir bool) (uint32, error) {
	if fs.freeInodeCount == 0 {
		return 0, fail("alloc", 0, ENOSPC)
	}
	for g := uint32(0); g < fs.l.groups; g++ {
		grp := &fs.groups[g]
		if grp.freeInodes() == 0 {
			continue
		}
		for idx := uint32(0); idx < fs.l.inodesPerGroup; idx++ {
			ino := g*fs.l.inodesPerGroup + idx + 1
			if ino < FirstIno || grp.inodeBitmap.get(idx) {
				continue
			}
			grp.inodeBitmap.set(idx)
			grp.addFreeInodes(-1)
			if dir {
				grp.addUsedDirs(1)
			}
			fs.freeInodeCount--
			fs.dirtyGroups[g] = struct{}{}
			fs.sbDirty = true
			return ino, nil
		}
	}
	return 0, fail("alloc", 0, ENOSPC)
}

// freeIno releases the blocks and the number of ino. The inode is written
// back with its deletion time on the next Flush.
func (fs *FS) freeIno(ino uint32) {
	in := fs.inodes[ino]
	if !in.fast {
		_ = fs.truncateExtents("free", ino, in, 0)
	}
	for _, b := range in.tree {
		fs.freeBlock(b)
	}
	in.tree, in.extents = nil, nil
	in.fast, in.inline = false, nil
	in.treeDirty = true
	in.size = 0
	in.nlink = 0
	in.freed = true
	in.dtime = fs.now()
	delete(fs.dirtyDirs, ino)
	fs.markDirty(ino)

	g, idx := (ino-1)/fs.l.inodesPerGroup, (ino-1)%fs.l.inodesPerGroup
	grp := &fs.groups[g]
	grp.inodeBitmap.clear(idx)
	grp.addFreeInodes(1)
	if in.mode&S_IFMT == S_IFDIR {
		grp.addUsedDirs(-1)
	}
	fs.freeInodeCount++
	fs.dirtyGroups[g] = struct{}{}
	fs.sbDirty = true
}

// allocRun allocates up to want contiguous blocks, searching forward from
// goal and wrapping around. At least one block is returned.
func (fs *FS) allocRun(goal uint64, want uint32) (uint64, uint32, error) {
	if fs.freeBlockCount == 0 || want == 0 {
		return 0, 0, fail("alloc", 0, ENOSPC)
	}
	fdb := uint64(fs.l.firstDataBlock)
	if goal < fdb || goal >= fs.l.blocks {
		goal = fdb
	}
	span := fs.l.blocks - fdb
	for i := uint64(0); i < span; i++ {
		b := fdb + (goal-fdb+i)%span
		g := uint32((b - fdb) / uint64(fs.l.blocksPerGroup))
		grp := &fs.groups[g]
		if grp.freeBlocks() == 0 {
			// Skip to the start of the next group.
			next := fs.l.groupStart(g) + uint64(fs.l.groupBlocks(g))
			i += next - b - 1
			continue
		}
		bit := uint32(b - fs.l.groupStart(g))
		if grp.blockBitmap.get(bit) {
			continue
		}
		n := uint32(0)
		for n < want && bit+n < fs.l.groupBlocks(g) && !grp.blockBitmap.get(bit+n) {
			grp.blockBitmap.set(bit + n)
			n++
		}
		grp.addFreeBlocks(-int(n))
		fs.freeBlockCount -= uint64(n)
		fs.dirtyGroups[g] = struct{}{}
		fs.sbDirty = true
		return b, n, nil
	}
	return 0, 0, fail("alloc", 0, ENOSPC)
}

func (fs *FS) freeBlock(b uint64) {
	delete(fs.blocks, b)
	if !fs.validRun(b, 1) {
		return
	}
	g := uint32((b - uint64(fs.l.firstDataBlock)) / uint64(fs.l.blocksPerGroup))
	grp := &fs.groups[g]
	bit := uint32(b - fs.l.groupStart(g))
	if !grp.blockBitmap.get(bit) {
		return
	}
	grp.blockBitmap.clear(bit)
	grp.addFreeBlocks(1)
	fs.freeBlockCount++
	fs.dirtyGroups[g] = struct{}{}
	fs.sbDirty = true
}

// readBlock returns the contents of block b. The result must not be
// modified.
func (fs *FS) readBlock(b uint64) ([]byte, error) {
	if buf, ok := fs.blocks[b]; ok {
		return buf, nil
	}
	buf := make([]byte, fs.l.blockSize)
	if _, err := fs.disk.ReadAt(buf, fs.l.blockOffset(b)); err != nil {
		return nil, &Error{Op: "read", Errno: EIO, Err: err}
	}
	return buf, nil
}

// writableBlock returns the buffered copy of block b, loading it first.
func (fs *FS) writableBlock(b uint64) ([]byte, error) {
	if buf, ok := fs.blocks[b]; ok {
		return buf, nil
	}
	buf, err := fs.readBlock(b)
	if err != nil {
		return nil, err
	}
	fs.blocks[b] = buf
	return buf, nil
}

// spill writes the buffered data blocks once there are too many.
func (fs *FS) spill() error {
	if len(fs.blocks) <= maxBufferedBlocks {
		return nil
	}
	return fs.writeBlocks()
}

func (fs *FS) writeBlocks() error {
	for _, b := range slices.Sorted(maps.Keys(fs.blocks)) {
		if _, err := fs.disk.WriteAt(fs.blocks[b], fs.l.blockOffset(b)); err != nil {
			return &Error{Op: "flush", Errno: EIO, Err: err}
		}
		delete(fs.blocks, b)
	}
	return nil
}

// StatFS describes volume usage.
type StatFS struct {
	BlockSize  uint32
	Blocks     uint64
	FreeBlocks uint64
	Inodes     uint64
	FreeInodes uint64
	NameLen    uint32
}

// Stat returns volume usage.
func (fs *FS) Stat() StatFS {
	return StatFS{
		BlockSize:  fs.l.blockSize,
		Blocks:     fs.l.blocks,
		FreeBlocks: fs.freeBlockCount,
		Inodes:     uint64(fs.l.inodes()),
		FreeInodes: fs.freeInodeCount,
		NameLen:    MaxNameLen,
	}
}

// UUID returns the volume UUID.
func (fs *FS) UUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], fs.sb[sbUUID:sbUUID+16])
	return id
}

func (fs *FS) dirty() bool {
	return len(fs.blocks) > 0 || len(fs.dirtyInodes) > 0 || len(fs.dirtyDirs) > 0 ||
		len(fs.dirtyGroups) > 0 || fs.sbDirty
}

// Flush writes every buffered change to the device.
func (fs *FS) Flush() error {
	if !fs.dirty() {
		return nil
	}
	for ino := range fs.dirtyDirs {
		if err := fs.writeDir(ino, fs.inodes[ino]); err != nil {
			return err
		}
	}
	clear(fs.dirtyDirs)

	for _, ino := range slices.Sorted(maps.Keys(fs.dirtyInodes)) {
		in := fs.inodes[ino]
		if _, err := fs.disk.WriteAt(fs.encodeInode(in), fs.inodeOffset(ino)); err != nil {
			return &Error{Op: "flush", Ino: ino, Errno: EIO, Err: err}
		}
		if in.freed {
			delete(fs.inodes, ino)
		}
	}
	clear(fs.dirtyInodes)

	if err := fs.writeBlocks(); err != nil {
		return err
	}
	for _, g := range slices.Sorted(maps.Keys(fs.dirtyGroups)) {
		grp := &fs.groups[g]
		if _, err := fs.disk.WriteAt(grp.blockBitmap, fs.l.blockOffset(grp.blockBitmapAt())); err != nil {
			return &Error{Op: "flush", Errno: EIO, Err: err}
		}
		if _, err := fs.disk.WriteAt(grp.inodeBitmap, fs.l.blockOffset(grp.inodeBitmapAt())); err != nil {
			return &Error{Op: "flush", Errno: EIO, Err: err}
		}
	}
	if len(fs.dirtyGroups) > 0 {
		if _, err := fs.disk.WriteAt(fs.gdt, fs.l.blockOffset(fs.l.groupStart(0)+1)); err != nil {
			return &Error{Op: "flush", Errno: EIO, Err: err}
		}
	}
	clear(fs.dirtyGroups)

	le.PutUint32(fs.sb[sbFreeBlocks:], uint32(fs.freeBlockCount))
	le.PutUint32(fs.sb[sbFreeInodes:], uint32(fs.freeInodeCount))
	le.PutUint32(fs.sb[sbWtime:], uint32(fs.now().Unix()))
	if _, err := fs.disk.WriteAt(fs.sb, superblockOffset); err != nil {
		return &Error{Op: "flush", Errno: EIO, Err: err}
	}
	fs.sbDirty = false
	if err := fs.disk.Flush(); err != nil {
		return &Error{Op: "flush", Errno: EIO, Err: err}
	}
	return nil
}
