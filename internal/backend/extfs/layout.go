package extfs

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/scttfrdmn/diskvfs/internal/disk"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	superMagic       = 0xEF53
	descSize         = 32
	goodOldInodeSize = 128
	extraIsize       = 32

	// maxGroupCount keeps per-group counts within the 16-bit descriptor
	// fields.
	maxGroupCount = 65528

	revDynamic  = 1
	stateClean  = 1
	errorsCont  = 1
	hashHalfMD4 = 1
)

// Feature bits understood by the engine.
const (
	incompatFiletype = 0x0002
	incompatRecover  = 0x0004
	incompatExtents  = 0x0040
	incompatFlexBG   = 0x0200

	roCompatSparseSuper = 0x0001
	roCompatLargeFile   = 0x0002
	roCompatDirNlink    = 0x0020
	roCompatExtraIsize  = 0x0040

	supportedIncompat = incompatFiletype | incompatExtents | incompatFlexBG
	supportedRoCompat = roCompatSparseSuper | roCompatLargeFile | roCompatDirNlink | roCompatExtraIsize
)

// Superblock field offsets.
const (
	sbInodesCount     = 0x00
	sbBlocksCount     = 0x04
	sbRBlocksCount    = 0x08
	sbFreeBlocks      = 0x0C
	sbFreeInodes      = 0x10
	sbFirstDataBlock  = 0x14
	sbLogBlockSize    = 0x18
	sbLogClusterSize  = 0x1C
	sbBlocksPerGroup  = 0x20
	sbClustersPerGrp  = 0x24
	sbInodesPerGroup  = 0x28
	sbMtime           = 0x2C
	sbWtime           = 0x30
	sbMaxMntCount     = 0x36
	sbMagic           = 0x38
	sbState           = 0x3A
	sbErrors          = 0x3C
	sbLastCheck       = 0x40
	sbRevLevel        = 0x4C
	sbFirstIno        = 0x54
	sbInodeSize       = 0x58
	sbBlockGroupNr    = 0x5A
	sbFeatureCompat   = 0x5C
	sbFeatureIncompat = 0x60
	sbFeatureRoCompat = 0x64
	sbUUID            = 0x68
	sbVolumeName      = 0x78
	sbHashSeed        = 0xEC
	sbDefHashVersion  = 0xFC
	sbDescSize        = 0xFE
	sbMkfsTime        = 0x108
	sbMinExtraIsize   = 0x15C
	sbWantExtraIsize  = 0x15E
)

// Group descriptor field offsets.
const (
	bgBlockBitmap = 0x00
	bgInodeBitmap = 0x04
	bgInodeTable  = 0x08
	bgFreeBlocks  = 0x0C
	bgFreeInodes  = 0x0E
	bgUsedDirs    = 0x10
)

// layout is the block group geometry of a volume.
type layout struct {
	blockSize      uint32
	blocks         uint64
	firstDataBlock uint32
	blocksPerGroup uint32
	inodesPerGroup uint32
	inodeSize      uint32
	groups         uint32
	gdtBlocks      uint32
}

func (l *layout) inodes() uint32 {
	return l.inodesPerGroup * l.groups
}

func (l *layout) itableBlocks() uint32 {
	return (l.inodesPerGroup*l.inodeSize + l.blockSize - 1) / l.blockSize
}

func (l *layout) groupStart(g uint32) uint64 {
	return uint64(l.firstDataBlock) + uint64(g)*uint64(l.blocksPerGroup)
}

func (l *layout) groupBlocks(g uint32) uint32 {
	return uint32(min(uint64(l.blocksPerGroup), l.blocks-l.groupStart(g)))
}

func isPowerOf(n, base uint32) bool {
	for n > 1 && n%base == 0 {
		n /= base
	}
	return n == 1
}

// hasSuper reports whether group g carries a superblock copy under
// sparse_super.
func (l *layout) hasSuper(g uint32) bool {
	return g <= 1 || isPowerOf(g, 3) || isPowerOf(g, 5) || isPowerOf(g, 7)
}

// overhead is the number of metadata blocks at the start of group g.
func (l *layout) overhead(g uint32) uint32 {
	n := 2 + l.itableBlocks()
	if l.hasSuper(g) {
		n += 1 + l.gdtBlocks
	}
	return n
}

func (l *layout) blockOffset(b uint64) int64 {
	return int64(b) * int64(l.blockSize)
}

// planLayout lays out a volume of blocks blocks holding about inodes
// inodes. A trailing group too small for its own metadata is dropped.
func planLayout(blocks uint64, bs, inodes uint32) (layout, error) {
	blocks = min(blocks, math.MaxUint32)
	l := layout{blockSize: bs, blocks: blocks, blocksPerGroup: min(8*bs, maxGroupCount), inodeSize: inodeSize}
	if bs == 1024 {
		l.firstDataBlock = 1
	}
	if blocks <= uint64(l.firstDataBlock) {
		return layout{}, fail("format", 0, ENOSPC)
	}
	for {
		l.groups = uint32((l.blocks - uint64(l.firstDataBlock) + uint64(l.blocksPerGroup) - 1) / uint64(l.blocksPerGroup))
		l.gdtBlocks = (l.groups*descSize + bs - 1) / bs
		per := (inodes + l.groups - 1) / l.groups
		align := max(8, bs/inodeSize)
		per = (per + align - 1) / align * align
		l.inodesPerGroup = min(per, 8*bs, maxGroupCount)
		last := l.groups - 1
		if l.groupBlocks(last) > l.overhead(last) {
			break
		}
		if last == 0 {
			return layout{}, fail("format", 0, ENOSPC)
		}
		l.blocks = l.groupStart(last)
	}
	return l, nil
}

var le = binary.LittleEndian

// parseSuperblock validates the superblock of a volume of deviceSize
// bytes. A missing magic number means the device carries no filesystem.
func parseSuperblock(sb []byte, deviceSize uint64) (layout, error) {
	if le.Uint16(sb[sbMagic:]) != superMagic {
		return layout{}, &Error{Op: "open", Errno: EINVAL, Err: disk.ErrNoFilesystem}
	}
	corrupt := func(format string, args ...any) error {
		return &Error{Op: "open", Errno: EIO, Err: fmt.Errorf(format, args...)}
	}
	if rev := le.Uint32(sb[sbRevLevel:]); rev != revDynamic {
		return layout{}, corrupt("unsupported revision %d", rev)
	}
	if f := le.Uint32(sb[sbFeatureIncompat:]); f&^supportedIncompat != 0 {
		return layout{}, &Error{Op: "open", Errno: EINVAL, Err: fmt.Errorf("unsupported incompatible features %#x", f&^supportedIncompat)}
	}
	if f := le.Uint32(sb[sbFeatureRoCompat:]); f&^supportedRoCompat != 0 {
		return layout{}, &Error{Op: "open", Errno: EINVAL, Err: fmt.Errorf("unsupported read-only features %#x", f&^supportedRoCompat)}
	}
	logBS := le.Uint32(sb[sbLogBlockSize:])
	if logBS > 6 {
		return layout{}, corrupt("block size exponent %d", logBS)
	}
	l := layout{
		blockSize:      1024 << logBS,
		blocks:         uint64(le.Uint32(sb[sbBlocksCount:])),
		firstDataBlock: le.Uint32(sb[sbFirstDataBlock:]),
		blocksPerGroup: le.Uint32(sb[sbBlocksPerGroup:]),
		inodesPerGroup: le.Uint32(sb[sbInodesPerGroup:]),
		inodeSize:      uint32(le.Uint16(sb[sbInodeSize:])),
	}
	switch {
	case le.Uint32(sb[sbLogClusterSize:]) != logBS:
		return layout{}, corrupt("bigalloc is not supported")
	case l.blocksPerGroup == 0 || l.blocksPerGroup > 8*l.blockSize:
		return layout{}, corrupt("bad blocks per group %d", l.blocksPerGroup)
	case l.inodesPerGroup == 0 || l.inodesPerGroup > 8*l.blockSize:
		return layout{}, corrupt("bad inodes per group %d", l.inodesPerGroup)
	case l.inodeSize < goodOldInodeSize || l.inodeSize > l.blockSize || l.inodeSize&(l.inodeSize-1) != 0:
		return layout{}, corrupt("bad inode size %d", l.inodeSize)
	case l.blocks <= uint64(l.firstDataBlock) || l.blocks*uint64(l.blockSize) > deviceSize:
		return layout{}, corrupt("%d blocks do not fit the device", l.blocks)
	case l.firstDataBlock != 0 && l.blockSize != 1024:
		return layout{}, corrupt("first data block %d", l.firstDataBlock)
	}
	l.groups = uint32((l.blocks - uint64(l.firstDataBlock) + uint64(l.blocksPerGroup) - 1) / uint64(l.blocksPerGroup))
	l.gdtBlocks = (l.groups*descSize + l.blockSize - 1) / l.blockSize
	if uint64(l.inodes()) != uint64(le.Uint32(sb[sbInodesCount:])) {
		return layout{}, corrupt("inode count mismatch")
	}
	return l, nil
}

// superblock encodes a fresh superblock for l.
func (l *layout) superblock(uuid, hashSeed [16]byte, now uint32) []byte {
	sb := make([]byte, superblockSize)
	le.PutUint32(sb[sbInodesCount:], l.inodes())
	le.PutUint32(sb[sbBlocksCount:], uint32(l.blocks))
	le.PutUint32(sb[sbFirstDataBlock:], l.firstDataBlock)
	logBS := uint32(0)
	for 1024<<logBS < l.blockSize {
		logBS++
	}
	le.PutUint32(sb[sbLogBlockSize:], logBS)
	le.PutUint32(sb[sbLogClusterSize:], logBS)
	le.PutUint32(sb[sbBlocksPerGroup:], l.blocksPerGroup)
	le.PutUint32(sb[sbClustersPerGrp:], l.blocksPerGroup)
	le.PutUint32(sb[sbInodesPerGroup:], l.inodesPerGroup)
	le.PutUint32(sb[sbWtime:], now)
	le.PutUint16(sb[sbMaxMntCount:], 0xFFFF)
	le.PutUint16(sb[sbMagic:], superMagic)
	le.PutUint16(sb[sbState:], stateClean)
	le.PutUint16(sb[sbErrors:], errorsCont)
	le.PutUint32(sb[sbLastCheck:], now)
	le.PutUint32(sb[sbRevLevel:], revDynamic)
	le.PutUint32(sb[sbFirstIno:], FirstIno)
	le.PutUint16(sb[sbInodeSize:], uint16(l.inodeSize))
	le.PutUint32(sb[sbFeatureIncompat:], incompatFiletype|incompatExtents)
	le.PutUint32(sb[sbFeatureRoCompat:], roCompatSparseSuper|roCompatLargeFile|roCompatExtraIsize)
	copy(sb[sbUUID:], uuid[:])
	copy(sb[sbHashSeed:], hashSeed[:])
	sb[sbDefHashVersion] = hashHalfMD4
	le.PutUint32(sb[sbMkfsTime:], now)
	le.PutUint16(sb[sbMinExtraIsize:], extraIsize)
	le.PutUint16(sb[sbWantExtraIsize:], extraIsize)
	return sb
}

// bitmap is a block or inode allocation bitmap of one group.
type bitmap []byte

func (b bitmap) get(i uint32) bool { return b[i/8]&(1<<(i%8)) != 0 }
func (b bitmap) set(i uint32)      { b[i/8] |= 1 << (i % 8) }
func (b bitmap) clear(i uint32)    { b[i/8] &^= 1 << (i % 8) }

// padFrom marks every bit from n to the end as in use.
func (b bitmap) padFrom(n uint32) {
	for i := n; i < uint32(len(b))*8; i++ {
		b.set(i)
	}
}

// group is the in-memory state of one block group.
type group struct {
	desc        []byte // descSize bytes of the descriptor table
	blockBitmap bitmap
	inodeBitmap bitmap
}

func (g *group) blockBitmapAt() uint64 { return uint64(le.Uint32(g.desc[bgBlockBitmap:])) }
func (g *group) inodeBitmapAt() uint64 { return uint64(le.Uint32(g.desc[bgInodeBitmap:])) }
func (g *group) inodeTableAt() uint64  { return uint64(le.Uint32(g.desc[bgInodeTable:])) }
func (g *group) freeBlocks() uint16    { return le.Uint16(g.desc[bgFreeBlocks:]) }
func (g *group) freeInodes() uint16    { return le.Uint16(g.desc[bgFreeInodes:]) }
func (g *group) usedDirs() uint16      { return le.Uint16(g.desc[bgUsedDirs:]) }

func (g *group) addFreeBlocks(n int) {
	le.PutUint16(g.desc[bgFreeBlocks:], uint16(int(g.freeBlocks())+n))
}

func (g *group) addFreeInodes(n int) {
	le.PutUint16(g.desc[bgFreeInodes:], uint16(int(g.freeInodes())+n))
}

func (g *group) addUsedDirs(n int) {
	le.PutUint16(g.desc[bgUsedDirs:], uint16(int(g.usedDirs())+n))
}
