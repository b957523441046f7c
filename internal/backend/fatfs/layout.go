package fatfs

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/scttfrdmn/diskvfs/internal/disk"
)

type fatType uint8

const (
	fat12 fatType = 12
	fat16 fatType = 16
	fat32 fatType = 32
)

func (t fatType) String() string {
	return fmt.Sprintf("FAT%d", uint8(t))
}

const (
	dirEntrySize = 32

	mediaFixedDisk     = 0xF8
	defaultRootEntries = 512
	fat32Reserved      = 32
	fsInfoSector       = 1
	backupBootSector   = 6

	fat12MaxClusters = 4084
	fat16MaxClusters = 65524
	fat32MaxClusters = 0x0FFFFFF5 - firstCluster

	fsInfoLeadSig   = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoTrailSig  = 0xAA550000
	unknownFree     = 0xFFFFFFFF
)

func maxClusters(t fatType) uint32 {
	switch t {
	case fat12:
		return fat12MaxClusters
	case fat16:
		return fat16MaxClusters
	}
	return fat32MaxClusters
}

func minClusters(t fatType) uint32 {
	switch t {
	case fat12:
		return 1
	case fat16:
		return fat12MaxClusters + 1
	}
	return fat16MaxClusters + 1
}

// typeForClusters applies the Microsoft rule: the FAT type follows from
// the number of data clusters alone.
func typeForClusters(n uint32) fatType {
	switch {
	case n <= fat12MaxClusters:
		return fat12
	case n <= fat16MaxClusters:
		return fat16
	}
	return fat32
}

// fatBytes is the size of a table with entries slots.
func fatBytes(t fatType, entries uint32) uint64 {
	switch t {
	case fat12:
		return (uint64(entries)*3 + 1) / 2
	case fat16:
		return uint64(entries) * 2
	}
	return uint64(entries) * 4
}

// geometry is the volume layout described by the boot sector.
type geometry struct {
	typ               fatType
	bytesPerSector    uint32
	sectorsPerCluster uint32
	reservedSectors   uint32
	numFATs           uint32
	rootEntries       uint32
	fatSectors        uint32
	totalSectors      uint32
	clusters          uint32
	rootCluster       uint32
	volumeID          uint32
	label             string
}

func (g *geometry) clusterSize() uint32 {
	return g.bytesPerSector * g.sectorsPerCluster
}

func (g *geometry) rootDirSectors() uint32 {
	return (g.rootEntries*dirEntrySize + g.bytesPerSector - 1) / g.bytesPerSector
}

func (g *geometry) fatOffset(copy uint32) int64 {
	return int64(g.reservedSectors+copy*g.fatSectors) * int64(g.bytesPerSector)
}

func (g *geometry) rootDirOffset() int64 {
	return int64(g.reservedSectors+g.numFATs*g.fatSectors) * int64(g.bytesPerSector)
}

func (g *geometry) dataSector() uint32 {
	return g.reservedSectors + g.numFATs*g.fatSectors + g.rootDirSectors()
}

func (g *geometry) clusterOffset(c uint32) int64 {
	return (int64(g.dataSector()) + int64(c-firstCluster)*int64(g.sectorsPerCluster)) * int64(g.bytesPerSector)
}

func (g *geometry) validCluster(c uint32) bool {
	return c >= firstCluster && c < g.clusters+firstCluster
}

// fixedRoot reports whether the root directory lives in its own region
// rather than in a cluster chain.
func (g *geometry) fixedRoot() bool {
	return g.typ != fat32
}

// planGeometry lays out a volume of totalSectors sectors. The smallest FAT
// type whose cluster range fits the volume wins. When a larger type would
// end up below its own minimum, the smaller type is kept and the volume is
// cut to that type's maximum cluster count.
func planGeometry(totalSectors uint64, bps, spc uint32) (geometry, error) {
	if totalSectors > math.MaxUint32 {
		totalSectors = math.MaxUint32
	}
	var prev *geometry
	for _, t := range []fatType{fat12, fat16, fat32} {
		g := geometry{
			typ:               t,
			bytesPerSector:    bps,
			sectorsPerCluster: spc,
			numFATs:           2,
			totalSectors:      uint32(totalSectors),
		}
		if t == fat32 {
			g.reservedSectors = fat32Reserved
			g.rootCluster = firstCluster
		} else {
			g.reservedSectors = 1
			g.rootEntries = defaultRootEntries
		}
		meta := uint64(g.reservedSectors) + uint64(g.rootDirSectors())
		if totalSectors <= meta {
			return geometry{}, ErrNotEnoughSpace
		}
		upper := min((totalSectors-meta)/uint64(spc), uint64(maxClusters(t)))
		g.fatSectors = uint32((fatBytes(t, uint32(upper)+firstCluster) + uint64(bps) - 1) / uint64(bps))
		used := meta + uint64(g.numFATs)*uint64(g.fatSectors)
		if totalSectors <= used {
			return geometry{}, ErrNotEnoughSpace
		}
		n := (totalSectors - used) / uint64(spc)
		switch {
		case n > uint64(maxClusters(t)) && t != fat32:
			g.clusters = maxClusters(t)
			prev = &g
			continue
		case n > uint64(maxClusters(t)):
			n = uint64(maxClusters(t))
		case n < uint64(minClusters(t)):
			if prev == nil {
				return geometry{}, ErrNotEnoughSpace
			}
			g = *prev
			n = uint64(g.clusters)
		}
		g.clusters = uint32(n)
		// A capped volume is cut short so that the cluster count derived
		// from the boot sector matches.
		if derived := (uint64(g.totalSectors) - uint64(g.dataSector())) / uint64(spc); derived != n {
			g.totalSectors = g.dataSector() + g.clusters*spc
		}
		return g, nil
	}
	return geometry{}, ErrNotEnoughSpace
}

func paddedLabel(label string) []byte {
	if label == "" {
		label = "NO NAME"
	}
	out := []byte(strings.Repeat(" ", 11))
	copy(out, strings.ToUpper(label))
	return out
}

// bootSector encodes the boot sector with its BIOS parameter block.
func (g *geometry) bootSector() []byte {
	b := make([]byte, g.bytesPerSector)
	le := binary.LittleEndian
	if g.typ == fat32 {
		copy(b, []byte{0xEB, 0x58, 0x90})
	} else {
		copy(b, []byte{0xEB, 0x3C, 0x90})
	}
	copy(b[3:11], "DISKVFS ")
	le.PutUint16(b[11:], uint16(g.bytesPerSector))
	b[13] = byte(g.sectorsPerCluster)
	le.PutUint16(b[14:], uint16(g.reservedSectors))
	b[16] = byte(g.numFATs)
	le.PutUint16(b[17:], uint16(g.rootEntries))
	if g.typ != fat32 && g.totalSectors < 0x10000 {
		le.PutUint16(b[19:], uint16(g.totalSectors))
	} else {
		le.PutUint32(b[32:], g.totalSectors)
	}
	b[21] = mediaFixedDisk
	if g.typ != fat32 {
		le.PutUint16(b[22:], uint16(g.fatSectors))
	}
	le.PutUint16(b[24:], 63)
	le.PutUint16(b[26:], 255)

	ext := 36
	if g.typ == fat32 {
		le.PutUint32(b[36:], g.fatSectors)
		le.PutUint32(b[44:], g.rootCluster)
		le.PutUint16(b[48:], fsInfoSector)
		le.PutUint16(b[50:], backupBootSector)
		ext = 64
	}
	b[ext] = 0x80
	b[ext+2] = 0x29
	le.PutUint32(b[ext+3:], g.volumeID)
	copy(b[ext+7:ext+18], paddedLabel(g.label))
	copy(b[ext+18:ext+26], fmt.Sprintf("%-8s", g.typ))
	b[510], b[511] = 0x55, 0xAA
	return b
}

// parseBootSector decodes the first sector of a volume. A sector without
// the boot signature is reported as a device without a filesystem.
func parseBootSector(b []byte, deviceSize uint64) (geometry, error) {
	if len(b) < 512 || b[510] != 0x55 || b[511] != 0xAA {
		return geometry{}, ioError(disk.ErrNoFilesystem)
	}
	le := binary.LittleEndian
	g := geometry{
		bytesPerSector:    uint32(le.Uint16(b[11:])),
		sectorsPerCluster: uint32(b[13]),
		reservedSectors:   uint32(le.Uint16(b[14:])),
		numFATs:           uint32(b[16]),
		rootEntries:       uint32(le.Uint16(b[17:])),
		totalSectors:      uint32(le.Uint16(b[19:])),
		fatSectors:        uint32(le.Uint16(b[22:])),
	}
	bps, spc := g.bytesPerSector, g.sectorsPerCluster
	if bps < 512 || bps > 4096 || bps&(bps-1) != 0 || spc == 0 || spc > 128 || spc&(spc-1) != 0 {
		return geometry{}, ioError(disk.ErrNoFilesystem)
	}
	if g.reservedSectors == 0 || g.numFATs == 0 {
		return geometry{}, ErrCorruptedFileSystem
	}
	if g.totalSectors == 0 {
		g.totalSectors = le.Uint32(b[32:])
	}
	if g.fatSectors == 0 {
		g.fatSectors = le.Uint32(b[36:])
	}
	meta := uint64(g.reservedSectors) + uint64(g.numFATs)*uint64(g.fatSectors) + uint64(g.rootDirSectors())
	if g.fatSectors == 0 || uint64(g.totalSectors) <= meta || uint64(g.totalSectors)*uint64(bps) > deviceSize {
		return geometry{}, ErrCorruptedFileSystem
	}
	g.clusters = uint32((uint64(g.totalSectors) - meta) / uint64(spc))
	g.typ = typeForClusters(g.clusters)
	if uint64(g.fatSectors)*uint64(bps) < fatBytes(g.typ, g.clusters+firstCluster) {
		return geometry{}, ErrCorruptedFileSystem
	}

	ext := 36
	if g.typ == fat32 {
		if g.rootEntries != 0 {
			return geometry{}, ErrCorruptedFileSystem
		}
		g.rootCluster = le.Uint32(b[44:])
		if !g.validCluster(g.rootCluster) {
			return geometry{}, ErrCorruptedFileSystem
		}
		ext = 64
	} else if g.rootEntries == 0 {
		return geometry{}, ErrCorruptedFileSystem
	}
	if b[ext+2] == 0x29 {
		g.volumeID = le.Uint32(b[ext+3:])
		g.label = strings.TrimRight(string(b[ext+7:ext+18]), " ")
		if g.label == "NO NAME" {
			g.label = ""
		}
	}
	return g, nil
}

// fsInfo encodes the FAT32 free-space hint sector.
func (g *geometry) fsInfo(free, next uint32) []byte {
	b := make([]byte, g.bytesPerSector)
	le := binary.LittleEndian
	le.PutUint32(b[0:], fsInfoLeadSig)
	le.PutUint32(b[484:], fsInfoStructSig)
	le.PutUint32(b[488:], free)
	le.PutUint32(b[492:], next)
	le.PutUint32(b[508:], fsInfoTrailSig)
	return b
}

// table is the file allocation table in its on-disk encoding. Entries are
// read and written in normalized form: every end-of-chain marker reads as
// endOfChain and bad clusters read as badCluster.
type table struct {
	typ   fatType
	raw   []byte
	bps   uint32
	dirty map[uint32]struct{} // sector indexes
}

func newTable(g *geometry, raw []byte) *table {
	return &table{typ: g.typ, raw: raw, bps: g.bytesPerSector, dirty: make(map[uint32]struct{})}
}

func (t *table) getRaw(c uint32) uint32 {
	le := binary.LittleEndian
	switch t.typ {
	case fat12:
		off := c + c/2
		v := le.Uint16(t.raw[off:])
		if c&1 == 1 {
			return uint32(v >> 4)
		}
		return uint32(v & 0x0FFF)
	case fat16:
		return uint32(le.Uint16(t.raw[c*2:]))
	}
	return le.Uint32(t.raw[c*4:]) & 0x0FFFFFFF
}

func (t *table) setRaw(c, v uint32) {
	le := binary.LittleEndian
	switch t.typ {
	case fat12:
		off := c + c/2
		old := le.Uint16(t.raw[off:])
		if c&1 == 1 {
			le.PutUint16(t.raw[off:], old&0x000F|uint16(v<<4))
		} else {
			le.PutUint16(t.raw[off:], old&0xF000|uint16(v&0x0FFF))
		}
		t.mark(off)
		t.mark(off + 1)
	case fat16:
		le.PutUint16(t.raw[c*2:], uint16(v))
		t.mark(c * 2)
	default:
		old := le.Uint32(t.raw[c*4:])
		le.PutUint32(t.raw[c*4:], old&0xF0000000|v&0x0FFFFFFF)
		t.mark(c * 4)
	}
}

func (t *table) mark(off uint32) {
	t.dirty[off/t.bps] = struct{}{}
}

func (t *table) eocMin() uint32 {
	switch t.typ {
	case fat12:
		return 0xFF8
	case fat16:
		return 0xFFF8
	}
	return 0x0FFFFFF8
}

func (t *table) get(c uint32) uint32 {
	v := t.getRaw(c)
	switch eoc := t.eocMin(); {
	case v >= eoc:
		return endOfChain
	case v == eoc-1:
		return badCluster
	}
	return v
}

func (t *table) set(c, v uint32) {
	if v == endOfChain {
		v = t.eocMin() | 0x7
	}
	t.setRaw(c, v)
}

// initReserved writes the media descriptor and end-of-chain markers into
// the two reserved entries.
func (t *table) initReserved() {
	eoc := t.eocMin() | 0x7
	t.setRaw(0, eoc&^0xFF|mediaFixedDisk)
	t.setRaw(1, eoc)
}
