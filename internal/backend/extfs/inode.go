package extfs

import (
	"slices"
	"time"
)

const maxFileSize = 1 << 40

// fastSymlinkMax is the longest symlink target stored in the inode itself.
const fastSymlinkMax = 60

// Inode field offsets.
const (
	iMode       = 0x00
	iUIDLo      = 0x02
	iSizeLo     = 0x04
	iAtime      = 0x08
	iCtime      = 0x0C
	iMtime      = 0x10
	iDtime      = 0x14
	iGIDLo      = 0x18
	iLinks      = 0x1A
	iBlocksLo   = 0x1C
	iFlags      = 0x20
	iBlock      = 0x28
	iGeneration = 0x64
	iSizeHi     = 0x6C
	iBlocksHi   = 0x74
	iUIDHi      = 0x78
	iGIDHi      = 0x7A
	iExtraIsize = 0x80
	iCtimeExtra = 0x84
	iMtimeExtra = 0x88
	iAtimeExtra = 0x8C
	iCrtime     = 0x90
	iCrtimeExtr = 0x94
)

// inode is the in-memory form of an on-disk inode.
type inode struct {
	raw []byte

	mode, uid, gid, nlink uint32
	size                  uint64

	atime, mtime, ctime, crtime, dtime time.Time

	flags, generation uint32
	iblock            [60]byte

	// fast is set for a symlink whose target lives in iblock.
	fast   bool
	inline []byte

	extents    []extent
	tree       []uint64
	treeDirty  bool
	blockCount uint64

	freed bool

	// Directories only.
	parent  uint32
	entries []dirent
}

func (in *inode) isDir() bool { return in.mode&S_IFMT == S_IFDIR }

// hasData reports whether the inode type keeps a block map.
func hasData(mode uint32) bool {
	switch mode & S_IFMT {
	case S_IFREG, S_IFDIR, S_IFLNK:
		return true
	}
	return false
}

func putTime(raw []byte, base, extra int, t time.Time, large bool) {
	sec := t.Unix()
	le.PutUint32(raw[base:], uint32(int32(sec)))
	if large && extra >= 0 {
		epoch := uint32((sec-int64(int32(sec)))>>32) & 3
		le.PutUint32(raw[extra:], uint32(t.Nanosecond())<<2|epoch)
	}
}

func getTime(raw []byte, base, extra int, large bool) time.Time {
	sec := int64(int32(le.Uint32(raw[base:])))
	var nsec int64
	if large && extra >= 0 {
		x := le.Uint32(raw[extra:])
		sec += int64(x&3) << 32
		nsec = int64(x >> 2)
		if nsec >= 1e9 {
			nsec = 0
		}
	}
	return time.Unix(sec, nsec)
}

func largeInode(raw []byte) bool {
	return len(raw) > goodOldInodeSize && le.Uint16(raw[iExtraIsize:]) >= extraIsize
}

func (fs *FS) decodeInode(ino uint32, raw []byte) (*inode, error) {
	large := largeInode(raw)
	in := &inode{
		raw:        raw,
		mode:       uint32(le.Uint16(raw[iMode:])),
		uid:        uint32(le.Uint16(raw[iUIDLo:])) | uint32(le.Uint16(raw[iUIDHi:]))<<16,
		gid:        uint32(le.Uint16(raw[iGIDLo:])) | uint32(le.Uint16(raw[iGIDHi:]))<<16,
		nlink:      uint32(le.Uint16(raw[iLinks:])),
		size:       uint64(le.Uint32(raw[iSizeLo:])) | uint64(le.Uint32(raw[iSizeHi:]))<<32,
		atime:      getTime(raw, iAtime, iAtimeExtra, large),
		mtime:      getTime(raw, iMtime, iMtimeExtra, large),
		ctime:      getTime(raw, iCtime, iCtimeExtra, large),
		flags:      le.Uint32(raw[iFlags:]),
		generation: le.Uint32(raw[iGeneration:]),
	}
	if large {
		in.crtime = getTime(raw, iCrtime, iCrtimeExtr, true)
	}
	copy(in.iblock[:], raw[iBlock:iBlock+60])
	if in.nlink == 0 || !hasData(in.mode) {
		return in, nil
	}

	blocks := uint64(le.Uint32(raw[iBlocksLo:])) | uint64(le.Uint16(raw[iBlocksHi:]))<<32
	var err error
	switch {
	case in.mode&S_IFMT == S_IFLNK && in.flags&extentsFlag == 0 && in.size < fastSymlinkMax && blocks == 0:
		in.fast = true
		in.inline = slices.Clone(in.iblock[:in.size])
	case in.flags&extentsFlag != 0:
		in.extents, in.tree, err = fs.decodeTree(ino, in.iblock[:])
	default:
		in.extents, in.tree, err = fs.decodeBlockMap(ino, in.iblock[:], in.size)
	}
	if err != nil {
		return nil, err
	}
	for _, e := range in.extents {
		in.blockCount += uint64(e.length)
	}
	return in, nil
}

// encodeInode returns the on-disk bytes of in, encoding its extent tree
// when that changed.
func (fs *FS) encodeInode(in *inode) []byte {
	raw := make([]byte, fs.l.inodeSize)
	copy(raw, in.raw)
	in.raw = raw

	switch {
	case in.fast:
		in.flags &^= extentsFlag
		in.treeDirty = false
		clear(in.iblock[:])
		copy(in.iblock[:], in.inline)
	case in.treeDirty:
		fs.encodeTree(in)
		in.flags |= extentsFlag
		in.treeDirty = false
	}

	large := fs.l.inodeSize > goodOldInodeSize
	le.PutUint16(raw[iMode:], uint16(in.mode))
	le.PutUint16(raw[iUIDLo:], uint16(in.uid))
	le.PutUint16(raw[iUIDHi:], uint16(in.uid>>16))
	le.PutUint16(raw[iGIDLo:], uint16(in.gid))
	le.PutUint16(raw[iGIDHi:], uint16(in.gid>>16))
	le.PutUint16(raw[iLinks:], uint16(in.nlink))
	le.PutUint32(raw[iSizeLo:], uint32(in.size))
	le.PutUint32(raw[iSizeHi:], uint32(in.size>>32))
	if large {
		le.PutUint16(raw[iExtraIsize:], extraIsize)
	}
	putTime(raw, iAtime, iAtimeExtra, in.atime, large)
	putTime(raw, iMtime, iMtimeExtra, in.mtime, large)
	putTime(raw, iCtime, iCtimeExtra, in.ctime, large)
	if large {
		putTime(raw, iCrtime, iCrtimeExtr, in.crtime, true)
	}
	le.PutUint32(raw[iDtime:], 0)
	if in.freed {
		le.PutUint32(raw[iDtime:], uint32(in.dtime.Unix()))
	}
	sectors := (in.blockCount + uint64(len(in.tree))) * uint64(fs.l.blockSize/512)
	le.PutUint32(raw[iBlocksLo:], uint32(sectors))
	le.PutUint16(raw[iBlocksHi:], uint16(sectors>>32))
	le.PutUint32(raw[iFlags:], in.flags)
	copy(raw[iBlock:], in.iblock[:])
	le.PutUint32(raw[iGeneration:], in.generation)
	return raw
}

// FileAttr is the attribute record of an inode.
type FileAttr struct {
	Device    uint64
	Nlink     uint64
	Mode      uint32
	NodeType  InodeType
	UID       uint32
	GID       uint32
	Size      uint64
	BlockSize uint64
	Blocks    uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// GetAttr returns the attributes of ino. Blocks counts 512-byte sectors,
// extent tree blocks included.
func (fs *FS) GetAttr(ino uint32) (FileAttr, error) {
	in, err := fs.get("getattr", ino)
	if err != nil {
		return FileAttr{}, err
	}
	return FileAttr{
		Nlink:     uint64(in.nlink),
		Mode:      in.mode,
		NodeType:  typeFromMode(in.mode),
		UID:       in.uid,
		GID:       in.gid,
		Size:      in.size,
		BlockSize: uint64(fs.l.blockSize),
		Blocks:    (in.blockCount + uint64(len(in.tree))) * uint64(fs.l.blockSize/512),
		Atime:     in.atime,
		Mtime:     in.mtime,
		Ctime:     in.ctime,
	}, nil
}

// InodeRef gives mutable access to one inode inside WithInodeRef.
type InodeRef struct {
	fs  *FS
	ino uint32
	in  *inode
}

func (r *InodeRef) changed() {
	r.in.ctime = r.fs.now()
	r.fs.markDirty(r.ino)
}

func (r *InodeRef) Mode() uint32 { return r.in.mode }

// SetMode replaces the whole mode, type bits included.
func (r *InodeRef) SetMode(mode uint32) {
	r.in.mode = mode
	r.changed()
}

func (r *InodeRef) SetOwner(uid, gid uint32) {
	r.in.uid = uid
	r.in.gid = gid
	r.changed()
}

func (r *InodeRef) SetAtime(t time.Time) {
	r.in.atime = t
	r.changed()
}

func (r *InodeRef) SetMtime(t time.Time) {
	r.in.mtime = t
	r.changed()
}

// Size returns the data length. Directories report the bytes of their
// blocks.
func (r *InodeRef) Size() uint64 { return r.in.size }

func (r *InodeRef) InodeType() InodeType { return typeFromMode(r.in.mode) }

// WithInodeRef calls fn with a reference to ino. Changes made through the
// reference are kept even if fn fails.
func (fs *FS) WithInodeRef(ino uint32, fn func(*InodeRef) error) error {
	in, err := fs.get("inode", ino)
	if err != nil {
		return err
	}
	return fn(&InodeRef{fs: fs, ino: ino, in: in})
}

func (fs *FS) dataInode(op string, ino uint32) (*inode, error) {
	in, err := fs.get(op, ino)
	if err != nil {
		return nil, err
	}
	if in.isDir() {
		return nil, fail(op, ino, EISDIR)
	}
	return in, nil
}

// readData fills buf from offset. Holes and uninitialized extents read as
// zeros.
func (fs *FS) readData(in *inode, buf []byte, offset uint64) error {
	bs := uint64(fs.l.blockSize)
	for done := 0; done < len(buf); {
		pos := offset + uint64(done)
		within := pos % bs
		n := min(uint64(len(buf)-done), bs-within)
		chunk := buf[done : done+int(n)]
		p, _, uninit, ok := lookup(in.extents, uint32(pos/bs))
		if !ok || uninit {
			clear(chunk)
		} else {
			b, err := fs.readBlock(p)
			if err != nil {
				return err
			}
			copy(chunk, b[within:])
		}
		done += int(n)
	}
	return nil
}

// writeData stores buf at offset, mapping blocks first. Nothing is written
// when the blocks cannot be allocated.
func (fs *FS) writeData(op string, ino uint32, in *inode, buf []byte, offset uint64) error {
	bs := uint64(fs.l.blockSize)
	end := offset + uint64(len(buf))
	if err := fs.mapRange(op, ino, in, uint32(offset/bs), uint32((end-1)/bs)); err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		pos := offset + uint64(done)
		within := pos % bs
		p, _, _, _ := lookup(in.extents, uint32(pos/bs))
		b, err := fs.writableBlock(p)
		if err != nil {
			return err
		}
		done += copy(b[within:], buf[done:])
	}
	if end > in.size {
		in.size = end
	}
	fs.markDirty(ino)
	return fs.spill()
}

// unInline moves a fast symlink target out of the inode into a block.
func (fs *FS) unInline(op string, ino uint32, in *inode) error {
	if !in.fast {
		return nil
	}
	target := in.inline
	in.fast, in.inline = false, nil
	in.flags |= extentsFlag
	in.treeDirty = true
	in.size = 0
	if len(target) == 0 {
		return nil
	}
	if err := fs.writeData(op, ino, in, target, 0); err != nil {
		in.fast, in.inline, in.size = true, target, uint64(len(target))
		return err
	}
	return nil
}

// ReadAt reads from ino at offset. Reading at or past the end returns zero
// bytes.
func (fs *FS) ReadAt(ino uint32, buf []byte, offset uint64) (int, error) {
	in, err := fs.dataInode("read", ino)
	if err != nil {
		return 0, err
	}
	if offset >= in.size {
		return 0, nil
	}
	buf = buf[:min(uint64(len(buf)), in.size-offset)]
	if in.fast {
		copy(buf, in.inline[offset:])
	} else if err := fs.readData(in, buf, offset); err != nil {
		return 0, err
	}
	in.atime = fs.now()
	return len(buf), nil
}

// WriteAt writes to ino at offset, extending the file as needed. A gap
// between the old end and offset stays unallocated and reads back as zeros.
func (fs *FS) WriteAt(ino uint32, buf []byte, offset uint64) (int, error) {
	in, err := fs.dataInode("write", ino)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if offset+uint64(len(buf)) > maxFileSize {
		return 0, fail("write", ino, EFBIG)
	}
	if err := fs.unInline("write", ino, in); err != nil {
		return 0, err
	}
	if err := fs.writeData("write", ino, in, buf, offset); err != nil {
		return 0, err
	}
	now := fs.now()
	in.mtime, in.ctime = now, now
	return len(buf), nil
}

// SetLen truncates or extends ino to size bytes. Extending allocates
// nothing; the new range reads as zeros.
func (fs *FS) SetLen(ino uint32, size uint64) error {
	in, err := fs.dataInode("truncate", ino)
	if err != nil {
		return err
	}
	if size > maxFileSize {
		return fail("truncate", ino, EFBIG)
	}
	if err := fs.unInline("truncate", ino, in); err != nil {
		return err
	}
	if size < in.size {
		bs := uint64(fs.l.blockSize)
		if err := fs.truncateExtents("truncate", ino, in, uint32((size+bs-1)/bs)); err != nil {
			return err
		}
		if tail := size % bs; tail != 0 {
			if p, _, uninit, ok := lookup(in.extents, uint32(size/bs)); ok && !uninit {
				b, err := fs.writableBlock(p)
				if err != nil {
					return err
				}
				clear(b[tail:])
			}
		}
	}
	in.size = size
	now := fs.now()
	in.mtime, in.ctime = now, now
	fs.markDirty(ino)
	return fs.spill()
}

// SetSymlink stores target as the link target of the symlink ino. Short
// targets are kept in the inode.
func (fs *FS) SetSymlink(ino uint32, target []byte) error {
	in, err := fs.get("symlink", ino)
	if err != nil {
		return err
	}
	if in.mode&S_IFMT != S_IFLNK {
		return fail("symlink", ino, EINVAL)
	}
	if uint64(len(target)) > uint64(fs.l.blockSize) {
		return fail("symlink", ino, ENAMETOOLONG)
	}
	if len(target) < fastSymlinkMax {
		if err := fs.truncateExtents("symlink", ino, in, 0); err != nil {
			return err
		}
		in.fast = true
		in.inline = slices.Clone(target)
		in.size = uint64(len(target))
	} else {
		if err := fs.unInline("symlink", ino, in); err != nil {
			return err
		}
		if err := fs.SetLen(ino, 0); err != nil {
			return err
		}
		if err := fs.writeData("symlink", ino, in, target, 0); err != nil {
			return err
		}
	}
	now := fs.now()
	in.mtime, in.ctime = now, now
	fs.markDirty(ino)
	return nil
}
