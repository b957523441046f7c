// Package fatfs is a FAT12/16/32 filesystem engine with a cursor API.
//
// Directories and files are reached through Dir and File cursors that point
// into the FileSystem they came from. On New the directory tree is read
// from the volume into memory; file data stays on the device and is read
// through on demand. Changes to the allocation table, directories and file
// clusters are buffered and written back in place on Flush. Names are
// case-insensitive and case-preserving, with long names stored in VFAT
// long-name entries. File data lives in fixed-size clusters chained through
// the allocation table, and a single Read or Write never crosses a cluster
// boundary.
//
// A FileSystem and its cursors are not safe for concurrent use.
package fatfs

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/diskvfs/internal/disk"
)

const (
	firstCluster = 2
	freeCluster  = 0
	badCluster   = 0x0FFFFFF7
	endOfChain   = 0x0FFFFFFF

	maxFileSize   = 0xFFFFFFFF
	maxDirEntries = 65536

	// maxBufferedClusters bounds the file clusters held between flushes.
	maxBufferedClusters = 4096

	// DefaultSectorsPerCluster is used when FormatOptions leaves it unset.
	DefaultSectorsPerCluster = 8
)

// FormatOptions control Format.
type FormatOptions struct {
	SectorsPerCluster uint32
	// VolumeLabel is stored upper-cased. At most 11 characters.
	VolumeLabel string
}

// Options control New.
type Options struct {
	// Clock returns the current time for timestamps. Nil uses time.Now.
	Clock func() time.Time
}

// FileSystem is a mounted FAT volume.
type FileSystem struct {
	dev   disk.BlockDevice
	disk  *disk.SeekableDisk
	clock func() time.Time

	geo  geometry
	fat  *table
	free uint32
	hint uint32

	// clusters holds modified file clusters until they are written back.
	clusters  map[uint32][]byte
	dirtyDirs map[*node]struct{}
	infoDirty bool

	root *node
}

// node is a directory entry. The root has no parent and no name.
type node struct {
	name     string
	short    string
	lfn      bool
	ntres    byte
	attr     byte
	dir      bool
	first    uint32
	size     uint32
	created  time.Time
	accessed time.Time
	modified time.Time
	parent   *node
	children []*node
	removed  bool

	// Last cluster resolved by clusterAt, reset when the chain shrinks.
	hintIdx uint32
	hintC   uint32
}

func (n *node) slots() uint32 {
	if n.lfn {
		return 1 + lfnSlots(n.name)
	}
	return 1
}

// Format writes an empty volume to dev. The FAT type follows from the
// number of clusters that fit.
func Format(dev disk.BlockDevice, opts FormatOptions) error {
	spc := opts.SectorsPerCluster
	if spc == 0 {
		spc = DefaultSectorsPerCluster
	}
	if spc&(spc-1) != 0 || spc > 128 {
		return ErrInvalidInput
	}
	bps := dev.BlockSize()
	if bps < 512 || bps > 4096 || bps&(bps-1) != 0 {
		return &Error{Kind: KindInvalidInput, Err: errors.New("sector size must be a power of two between 512 and 4096 bytes")}
	}
	if len(opts.VolumeLabel) > 11 {
		return &Error{Kind: KindInvalidInput, Err: errors.New("volume label longer than 11 characters")}
	}
	geo, err := planGeometry(dev.NumBlocks(), bps, spc)
	if err != nil {
		return err
	}
	geo.label = strings.ToUpper(opts.VolumeLabel)
	geo.volumeID = uuid.New().ID()

	sd := disk.NewSeekableDisk(dev)
	boot := geo.bootSector()
	if _, err := sd.WriteAt(boot, 0); err != nil {
		return ioError(err)
	}
	if geo.typ == fat32 {
		info := geo.fsInfo(geo.clusters-1, firstCluster+1)
		for _, w := range []struct {
			sector uint32
			data   []byte
		}{{fsInfoSector, info}, {backupBootSector, boot}, {backupBootSector + 1, info}} {
			if _, err := sd.WriteAt(w.data, int64(w.sector)*int64(bps)); err != nil {
				return ioError(err)
			}
		}
	}

	fs := newFileSystem(dev, sd, geo, make([]byte, geo.fatSectors*bps), Options{})
	fs.fat.initReserved()
	fs.free = geo.clusters
	if geo.typ == fat32 {
		fs.fat.set(geo.rootCluster, endOfChain)
		fs.root.first = geo.rootCluster
		fs.free--
		fs.infoDirty = true
	}
	for i := uint32(0); i < geo.fatSectors; i++ {
		fs.fat.dirty[i] = struct{}{}
	}
	now := fs.now()
	fs.root.created, fs.root.accessed, fs.root.modified = now, now, now
	fs.dirtyDirs[fs.root] = struct{}{}
	return fs.Flush()
}

func newFileSystem(dev disk.BlockDevice, sd *disk.SeekableDisk, geo geometry, fat []byte, opts Options) *FileSystem {
	fs := &FileSystem{
		dev:       dev,
		disk:      sd,
		clock:     opts.Clock,
		geo:       geo,
		fat:       newTable(&geo, fat),
		hint:      firstCluster,
		clusters:  make(map[uint32][]byte),
		dirtyDirs: make(map[*node]struct{}),
		root:      &node{dir: true, attr: attrDirectory},
	}
	if fs.clock == nil {
		fs.clock = time.Now
	}
	return fs
}

// New mounts the volume stored on dev. A device without a FAT boot sector
// fails with an error wrapping disk.ErrNoFilesystem.
func New(dev disk.BlockDevice, opts Options) (*FileSystem, error) {
	sd := disk.NewSeekableDisk(dev)
	boot := make([]byte, 512)
	if _, err := sd.ReadAt(boot, 0); err != nil {
		return nil, ioError(err)
	}
	geo, err := parseBootSector(boot, sd.Size())
	if err != nil {
		return nil, err
	}
	raw := make([]byte, geo.fatSectors*geo.bytesPerSector)
	if _, err := sd.ReadAt(raw, geo.fatOffset(0)); err != nil {
		return nil, ioError(err)
	}
	fs := newFileSystem(dev, sd, geo, raw, opts)
	for c := uint32(firstCluster); c < geo.clusters+firstCluster; c++ {
		if fs.fat.get(c) == freeCluster {
			fs.free++
		}
	}

	now := fs.now()
	fs.root.created, fs.root.accessed, fs.root.modified = now, now, now
	var data []byte
	if geo.fixedRoot() {
		data = make([]byte, geo.rootDirSectors()*geo.bytesPerSector)
		if _, err := sd.ReadAt(data, geo.rootDirOffset()); err != nil {
			return nil, ioError(err)
		}
	} else {
		fs.root.first = geo.rootCluster
		if data, err = fs.readChain(geo.rootCluster); err != nil {
			return nil, err
		}
	}
	label, err := fs.loadDir(fs.root, data, map[uint32]bool{geo.rootCluster: true})
	if err != nil {
		return nil, err
	}
	if label != "" {
		fs.geo.label = label
	}
	return fs, nil
}

// loadDir builds the children of n from its encoded entries. seen holds
// the first clusters of the directories on the path from the root.
func (fs *FileSystem) loadDir(n *node, data []byte, seen map[uint32]bool) (string, error) {
	entries, label := parseDir(data, fs.geo.typ)
	for _, e := range entries {
		c := &node{
			name:     e.name,
			short:    e.short,
			lfn:      e.lfn,
			ntres:    e.ntres,
			attr:     e.attr,
			dir:      e.attr&attrDirectory != 0,
			first:    e.first,
			size:     e.size,
			created:  e.created,
			accessed: e.accessed,
			modified: e.modified,
			parent:   n,
		}
		if c.first != freeCluster && !fs.geo.validCluster(c.first) {
			return "", ErrCorruptedFileSystem
		}
		if c.dir {
			if c.first == freeCluster || seen[c.first] {
				return "", ErrCorruptedFileSystem
			}
			c.size = 0
			sub, err := fs.readChain(c.first)
			if err != nil {
				return "", err
			}
			seen[c.first] = true
			_, err = fs.loadDir(c, sub, seen)
			delete(seen, c.first)
			if err != nil {
				return "", err
			}
		} else if c.size > 0 && c.first == freeCluster {
			return "", ErrCorruptedFileSystem
		}
		n.children = append(n.children, c)
	}
	return label, nil
}

// walkChain calls fn for each cluster of the chain starting at first.
func (fs *FileSystem) walkChain(first uint32, fn func(c uint32) error) error {
	steps := uint32(0)
	for c := first; c != endOfChain; c = fs.fat.get(c) {
		if !fs.geo.validCluster(c) || steps > fs.geo.clusters {
			return ErrCorruptedFileSystem
		}
		if err := fn(c); err != nil {
			return err
		}
		steps++
	}
	return nil
}

func (fs *FileSystem) readChain(first uint32) ([]byte, error) {
	var out []byte
	cs := fs.geo.clusterSize()
	err := fs.walkChain(first, func(c uint32) error {
		buf := make([]byte, cs)
		if _, err := fs.disk.ReadAt(buf, fs.geo.clusterOffset(c)); err != nil {
			return ioError(err)
		}
		out = append(out, buf...)
		return nil
	})
	return out, err
}

// chainInfo returns the length and last cluster of a chain.
func (fs *FileSystem) chainInfo(first uint32) (count, last uint32, err error) {
	if first == freeCluster {
		return 0, 0, nil
	}
	err = fs.walkChain(first, func(c uint32) error {
		count++
		last = c
		return nil
	})
	return count, last, err
}

// RootDir returns a cursor on the root directory.
func (fs *FileSystem) RootDir() *Dir {
	return &Dir{fs: fs, n: fs.root}
}

// BytesPerSector returns the sector size.
func (fs *FileSystem) BytesPerSector() uint16 {
	return uint16(fs.geo.bytesPerSector)
}

// VolumeLabel returns the volume label.
func (fs *FileSystem) VolumeLabel() string {
	return fs.geo.label
}

// FATType returns "FAT12", "FAT16" or "FAT32".
func (fs *FileSystem) FATType() string {
	return fs.geo.typ.String()
}

// VolumeID returns the serial number written at format time.
func (fs *FileSystem) VolumeID() uint32 {
	return fs.geo.volumeID
}

// FileSystemStats describes volume usage.
type FileSystemStats struct {
	clusterSize   uint32
	totalClusters uint32
	freeClusters  uint32
}

func (s FileSystemStats) ClusterSize() uint32   { return s.clusterSize }
func (s FileSystemStats) TotalClusters() uint32 { return s.totalClusters }
func (s FileSystemStats) FreeClusters() uint32  { return s.freeClusters }

// Stats returns volume usage.
func (fs *FileSystem) Stats() (FileSystemStats, error) {
	return FileSystemStats{
		clusterSize:   fs.geo.clusterSize(),
		totalClusters: fs.geo.clusters,
		freeClusters:  fs.free,
	}, nil
}

func (fs *FileSystem) dirty() bool {
	return len(fs.clusters) > 0 || len(fs.fat.dirty) > 0 || len(fs.dirtyDirs) > 0 || fs.infoDirty
}

// Flush writes every buffered change to the device.
func (fs *FileSystem) Flush() error {
	if !fs.dirty() {
		return nil
	}
	for n := range fs.dirtyDirs {
		if n.removed {
			continue
		}
		if err := fs.writeDir(n); err != nil {
			return err
		}
	}
	if err := fs.writeClusters(); err != nil {
		return err
	}
	bps := fs.geo.bytesPerSector
	for _, s := range slices.Sorted(maps.Keys(fs.fat.dirty)) {
		sector := fs.fat.raw[s*bps : (s+1)*bps]
		for i := uint32(0); i < fs.geo.numFATs; i++ {
			if _, err := fs.disk.WriteAt(sector, fs.geo.fatOffset(i)+int64(s)*int64(bps)); err != nil {
				return ioError(err)
			}
		}
	}
	if fs.geo.typ == fat32 && fs.infoDirty {
		if _, err := fs.disk.WriteAt(fs.geo.fsInfo(fs.free, fs.hint), int64(fsInfoSector)*int64(bps)); err != nil {
			return ioError(err)
		}
	}
	if err := fs.disk.Flush(); err != nil {
		return ioError(err)
	}
	clear(fs.fat.dirty)
	clear(fs.dirtyDirs)
	fs.infoDirty = false
	return nil
}

// Unmount flushes the volume. Cursors must not be used afterwards.
func (fs *FileSystem) Unmount() error {
	return fs.Flush()
}

// writeClusters writes the buffered file clusters in disk order.
func (fs *FileSystem) writeClusters() error {
	for _, c := range slices.Sorted(maps.Keys(fs.clusters)) {
		if _, err := fs.disk.WriteAt(fs.clusters[c], fs.geo.clusterOffset(c)); err != nil {
			return ioError(err)
		}
		delete(fs.clusters, c)
	}
	return nil
}

func (fs *FileSystem) encodeDir(n *node) []byte {
	var out []byte
	if n == fs.root {
		if fs.geo.label != "" {
			out = append(out, labelEntry(fs.geo.label)...)
		}
	} else {
		var up uint32
		if n.parent != fs.root {
			up = n.parent.first
		}
		out = append(out, shortEntry(dotName, 0, attrDirectory, n.first, 0, n.created, n.accessed, n.modified)...)
		out = append(out, shortEntry(dotDotName, 0, attrDirectory, up, 0, n.created, n.accessed, n.modified)...)
	}
	for _, c := range n.children {
		if c.lfn {
			out = appendLFN(out, c.name, shortChecksum([]byte(c.short)))
		}
		size := c.size
		if c.dir {
			size = 0
		}
		out = append(out, shortEntry([]byte(c.short), c.ntres, c.attr, c.first, size, c.created, c.accessed, c.modified)...)
	}
	return out
}

func (fs *FileSystem) writeDir(n *node) error {
	data := fs.encodeDir(n)
	if n == fs.root && fs.geo.fixedRoot() {
		region := make([]byte, fs.geo.rootDirSectors()*fs.geo.bytesPerSector)
		if len(data) > len(region) {
			return ErrCorruptedFileSystem
		}
		copy(region, data)
		if _, err := fs.disk.WriteAt(region, fs.geo.rootDirOffset()); err != nil {
			return ioError(err)
		}
		return nil
	}
	cs := int(fs.geo.clusterSize())
	err := fs.walkChain(n.first, func(c uint32) error {
		buf := make([]byte, cs)
		data = data[copy(buf, data):]
		if _, err := fs.disk.WriteAt(buf, fs.geo.clusterOffset(c)); err != nil {
			return ioError(err)
		}
		return nil
	})
	if err == nil && len(data) > 0 {
		err = ErrCorruptedFileSystem
	}
	return err
}

func (fs *FileSystem) now() time.Time {
	return fs.clock()
}

// touch records that n's entry changed.
func (fs *FileSystem) touch(n *node) {
	if n.parent != nil {
		fs.dirtyDirs[n.parent] = struct{}{}
	}
	if n.dir {
		fs.dirtyDirs[n] = struct{}{}
	}
}

func (fs *FileSystem) allocCluster() (uint32, error) {
	if fs.free == 0 {
		return 0, ErrNotEnoughSpace
	}
	end := fs.geo.clusters + firstCluster
	for i := uint32(0); i < fs.geo.clusters; i++ {
		c := fs.hint + i
		if c >= end {
			c = c - end + firstCluster
		}
		if fs.fat.get(c) == freeCluster {
			fs.fat.set(c, endOfChain)
			fs.free--
			fs.hint = c + 1
			if fs.hint >= end {
				fs.hint = firstCluster
			}
			fs.infoDirty = true
			return c, nil
		}
	}
	return 0, ErrNotEnoughSpace
}

// freeChain releases start and every cluster after it.
func (fs *FileSystem) freeChain(start uint32) error {
	if start == freeCluster {
		return nil
	}
	var chain []uint32
	if err := fs.walkChain(start, func(c uint32) error {
		chain = append(chain, c)
		return nil
	}); err != nil {
		return err
	}
	for _, c := range chain {
		fs.fat.set(c, freeCluster)
		delete(fs.clusters, c)
		fs.free++
	}
	fs.infoDirty = true
	return nil
}

// clusterAt returns the idx-th cluster of n's chain. When extend is set
// and the chain has exactly idx clusters, a zeroed cluster is appended.
func (fs *FileSystem) clusterAt(n *node, idx uint32, extend bool) (uint32, error) {
	if n.first == freeCluster {
		if idx != 0 || !extend {
			return 0, ErrCorruptedFileSystem
		}
		c, err := fs.allocData()
		if err != nil {
			return 0, err
		}
		n.first = c
		n.hintIdx, n.hintC = 0, c
		return c, nil
	}
	i, c := uint32(0), n.first
	if n.hintC != freeCluster && n.hintIdx <= idx {
		i, c = n.hintIdx, n.hintC
	}
	for ; i < idx; i++ {
		next := fs.fat.get(c)
		if next == endOfChain {
			if i+1 != idx || !extend {
				return 0, ErrCorruptedFileSystem
			}
			nc, err := fs.allocData()
			if err != nil {
				return 0, err
			}
			fs.fat.set(c, nc)
			c = nc
			continue
		}
		if !fs.geo.validCluster(next) {
			return 0, ErrCorruptedFileSystem
		}
		c = next
	}
	n.hintIdx, n.hintC = idx, c
	return c, nil
}

// allocData allocates a file cluster whose buffered contents are zero.
func (fs *FileSystem) allocData() (uint32, error) {
	c, err := fs.allocCluster()
	if err != nil {
		return 0, err
	}
	fs.clusters[c] = make([]byte, fs.geo.clusterSize())
	return c, fs.spill()
}

// spill writes the buffered file clusters once there are too many.
func (fs *FileSystem) spill() error {
	if len(fs.clusters) <= maxBufferedClusters {
		return nil
	}
	return fs.writeClusters()
}

// truncateChain keeps the first keep clusters of n's chain.
func (fs *FileSystem) truncateChain(n *node, keep uint32) error {
	if n.first == freeCluster {
		return nil
	}
	n.hintIdx, n.hintC = 0, freeCluster
	if keep == 0 {
		err := fs.freeChain(n.first)
		n.first = freeCluster
		return err
	}
	c, err := fs.clusterAt(n, keep-1, false)
	if err != nil {
		return err
	}
	next := fs.fat.get(c)
	if next == endOfChain {
		return nil
	}
	fs.fat.set(c, endOfChain)
	return fs.freeChain(next)
}

// readCluster copies len(p) bytes at offset within of cluster c.
func (fs *FileSystem) readCluster(c, within uint32, p []byte) error {
	if buf, ok := fs.clusters[c]; ok {
		copy(p, buf[within:])
		return nil
	}
	if _, err := fs.disk.ReadAt(p, fs.geo.clusterOffset(c)+int64(within)); err != nil {
		return ioError(err)
	}
	return nil
}

// writeCluster stores p at offset within of cluster c.
func (fs *FileSystem) writeCluster(c, within uint32, p []byte) error {
	buf, ok := fs.clusters[c]
	if !ok {
		cs := fs.geo.clusterSize()
		buf = make([]byte, cs)
		if within != 0 || uint32(len(p)) != cs {
			if _, err := fs.disk.ReadAt(buf, fs.geo.clusterOffset(c)); err != nil {
				return ioError(err)
			}
		}
		fs.clusters[c] = buf
	}
	copy(buf[within:], p)
	return fs.spill()
}

// clustersFor is the chain length a directory of slots entries needs.
func (fs *FileSystem) clustersFor(slots uint32) uint32 {
	per := fs.geo.clusterSize() / dirEntrySize
	return max(1, (slots+per-1)/per)
}

// dirSlots is the number of entries n's directory occupies.
func (fs *FileSystem) dirSlots(n *node) uint32 {
	var s uint32
	switch {
	case n != fs.root:
		s = 2
	case fs.geo.label != "":
		s = 1
	}
	for _, c := range n.children {
		s += c.slots()
	}
	return s
}

// reserve makes room for slots entries in n's directory. Without commit it
// only reports whether the room could be made.
func (fs *FileSystem) reserve(n *node, slots uint32, commit bool) error {
	if slots > maxDirEntries {
		return ErrNotEnoughSpace
	}
	if n == fs.root && fs.geo.fixedRoot() {
		if slots > fs.geo.rootEntries {
			return ErrNotEnoughSpace
		}
		return nil
	}
	want := fs.clustersFor(slots)
	have, last, err := fs.chainInfo(n.first)
	if err != nil {
		return err
	}
	if want <= have {
		return nil
	}
	if want-have > fs.free {
		return ErrNotEnoughSpace
	}
	if !commit {
		return nil
	}
	for ; have < want; have++ {
		c, err := fs.allocCluster()
		if err != nil {
			return err
		}
		if last == freeCluster {
			n.first = c
		} else {
			fs.fat.set(last, c)
		}
		last = c
	}
	fs.dirtyDirs[n] = struct{}{}
	return nil
}
