package extfs

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	direntHeaderLen = 8

	// indexFlag marks a hashed directory. Directories are rewritten in
	// linear form, which drops the index.
	indexFlag = 0x1000
)

// File type codes stored in directory entries.
const (
	ftUnknown = iota
	ftRegular
	ftDir
	ftChar
	ftBlock
	ftFifo
	ftSocket
	ftSymlink
)

func fileType(mode uint32) byte {
	switch mode & S_IFMT {
	case S_IFREG:
		return ftRegular
	case S_IFDIR:
		return ftDir
	case S_IFCHR:
		return ftChar
	case S_IFBLK:
		return ftBlock
	case S_IFIFO:
		return ftFifo
	case S_IFSOCK:
		return ftSocket
	case S_IFLNK:
		return ftSymlink
	}
	return ftUnknown
}

func typeFromFileType(ft byte) InodeType {
	switch ft {
	case ftRegular:
		return InodeTypeRegularFile
	case ftDir:
		return InodeTypeDirectory
	case ftChar:
		return InodeTypeCharacterDevice
	case ftBlock:
		return InodeTypeBlockDevice
	case ftFifo:
		return InodeTypeFifo
	case ftSocket:
		return InodeTypeSocket
	case ftSymlink:
		return InodeTypeSymlink
	}
	return InodeTypeUnknown
}

// dirent is a stored directory entry other than "." and "..".
type dirent struct {
	Name []byte
	Ino  uint32
	Type byte
}

func recLen(nameLen int) int {
	return (direntHeaderLen + nameLen + 3) &^ 3
}

// loadDir decodes the entries of directory ino.
func (fs *FS) loadDir(ino uint32, in *inode) error {
	bs := uint64(fs.l.blockSize)
	corrupt := func(format string, args ...any) error {
		return &Error{Op: "readdir", Ino: ino, Errno: EIO, Err: fmt.Errorf(format, args...)}
	}
	if in.size%bs != 0 || in.size/bs > uint64(maxFileSize/bs) {
		return corrupt("directory size %d", in.size)
	}
	buf := make([]byte, bs)
	for l := uint64(0); l < in.size/bs; l++ {
		if err := fs.readData(in, buf, l*bs); err != nil {
			return err
		}
		for off := 0; off < len(buf); {
			if off+direntHeaderLen > len(buf) {
				return corrupt("entry header at %d", l*bs+uint64(off))
			}
			child := le.Uint32(buf[off:])
			rec := int(le.Uint16(buf[off+4:]))
			nameLen := int(buf[off+6])
			if rec < direntHeaderLen || rec%4 != 0 || off+rec > len(buf) || direntHeaderLen+nameLen > rec {
				return corrupt("entry length %d at %d", rec, l*bs+uint64(off))
			}
			name := buf[off+direntHeaderLen : off+direntHeaderLen+nameLen]
			switch {
			case child == 0:
			case string(name) == ".":
			case string(name) == "..":
				in.parent = child
			default:
				in.entries = append(in.entries, dirent{Name: bytes.Clone(name), Ino: child, Type: buf[off+7]})
			}
			off += rec
		}
	}
	if ino == RootIno {
		in.parent = RootIno
	}
	return nil
}

// packDir lays the entries of in out in blocks, "." and ".." first.
func (fs *FS) packDir(ino uint32, in *inode) [][]byte {
	bs := int(fs.l.blockSize)
	var (
		blocks [][]byte
		cur    []byte
		off    int
		last   = -1
	)
	put := func(name []byte, child uint32, ft byte) {
		rec := recLen(len(name))
		if cur == nil || off+rec > bs {
			if cur != nil {
				le.PutUint16(cur[last+4:], uint16(bs-last))
			}
			cur = make([]byte, bs)
			blocks = append(blocks, cur)
			off = 0
		}
		le.PutUint32(cur[off:], child)
		le.PutUint16(cur[off+4:], uint16(rec))
		cur[off+6] = byte(len(name))
		cur[off+7] = ft
		copy(cur[off+direntHeaderLen:], name)
		last = off
		off += rec
	}
	put([]byte("."), ino, ftDir)
	put([]byte(".."), in.parent, ftDir)
	for _, d := range in.entries {
		put(d.Name, d.Ino, d.Type)
	}
	le.PutUint16(cur[last+4:], uint16(bs-last))
	return blocks
}

// dirBlocks is the number of blocks the entries of in take up.
func (fs *FS) dirBlocks(in *inode) uint64 {
	bs := int(fs.l.blockSize)
	n, off := uint64(1), recLen(1)+recLen(2)
	for _, d := range in.entries {
		rec := recLen(len(d.Name))
		if off+rec > bs {
			n++
			off = 0
		}
		off += rec
	}
	return n
}

// growDir maps blocks until the entries of in fit. Directories never
// shrink.
func (fs *FS) growDir(op string, ino uint32, in *inode) error {
	bs := uint64(fs.l.blockSize)
	have, need := in.size/bs, fs.dirBlocks(in)
	if need > have {
		if err := fs.mapRange(op, ino, in, uint32(have), uint32(need-1)); err != nil {
			return err
		}
		in.size = need * bs
		fs.markDirty(ino)
	}
	fs.dirtyDirs[ino] = struct{}{}
	return nil
}

// writeDir stores the entries of directory ino in its blocks.
func (fs *FS) writeDir(ino uint32, in *inode) error {
	if in.freed {
		return nil
	}
	bs := uint64(fs.l.blockSize)
	if err := fs.growDir("flush", ino, in); err != nil {
		return err
	}
	if in.flags&indexFlag != 0 {
		in.flags &^= indexFlag
		fs.markDirty(ino)
	}
	packed := fs.packDir(ino, in)
	for l := uint64(0); l < in.size/bs; l++ {
		if err := fs.mapRange("flush", ino, in, uint32(l), uint32(l)); err != nil {
			return err
		}
		p, _, _, _ := lookup(in.extents, uint32(l))
		b, err := fs.writableBlock(p)
		if err != nil {
			return err
		}
		if l < uint64(len(packed)) {
			copy(b, packed[l])
			continue
		}
		clear(b)
		le.PutUint16(b[4:], uint16(bs))
	}
	return nil
}

// DirEntry is one directory entry.
type DirEntry struct {
	name  []byte
	ino   uint32
	itype InodeType
}

// Name returns the raw entry name.
func (e DirEntry) Name() []byte { return e.name }

func (e DirEntry) Ino() uint32 { return e.ino }

func (e DirEntry) InodeType() InodeType { return e.itype }

// DirReader walks a snapshot of a directory. The listing starts with the
// "." and ".." entries. Offsets are opaque to callers.
type DirReader struct {
	entries []DirEntry
	idx     uint64
}

// Current returns the entry at the reader's position.
func (r *DirReader) Current() (DirEntry, bool) {
	if r.idx >= uint64(len(r.entries)) {
		return DirEntry{}, false
	}
	return r.entries[r.idx], true
}

// Next advances the reader.
func (r *DirReader) Next() error {
	if r.idx < uint64(len(r.entries)) {
		r.idx++
	}
	return nil
}

// Offset returns the offset that resumes the listing at the current
// position.
func (r *DirReader) Offset() uint64 { return r.idx }

func (fs *FS) dirInode(op string, ino uint32) (*inode, error) {
	in, err := fs.get(op, ino)
	if err != nil {
		return nil, err
	}
	if !in.isDir() {
		return nil, fail(op, ino, ENOTDIR)
	}
	return in, nil
}

// typeOf reports the type of an entry, reading the inode when the entry
// carries no type.
func (fs *FS) typeOf(d dirent) InodeType {
	if t := typeFromFileType(d.Type); t != InodeTypeUnknown {
		return t
	}
	if in, err := fs.get("lookup", d.Ino); err == nil {
		return typeFromMode(in.mode)
	}
	return InodeTypeUnknown
}

// ReadDir opens a reader on directory ino positioned at offset.
func (fs *FS) ReadDir(ino uint32, offset uint64) (*DirReader, error) {
	in, err := fs.dirInode("readdir", ino)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(in.entries)+2)
	entries = append(entries,
		DirEntry{name: []byte("."), ino: ino, itype: InodeTypeDirectory},
		DirEntry{name: []byte(".."), ino: in.parent, itype: InodeTypeDirectory},
	)
	for _, d := range in.entries {
		entries = append(entries, DirEntry{name: d.Name, ino: d.Ino, itype: fs.typeOf(d)})
	}
	if offset > uint64(len(entries)) {
		offset = uint64(len(entries))
	}
	in.atime = fs.now()
	return &DirReader{entries: entries, idx: offset}, nil
}

func checkName(op string, parent uint32, name string) error {
	if len(name) > MaxNameLen {
		return fail(op, parent, ENAMETOOLONG)
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fail(op, parent, EINVAL)
	}
	return nil
}

func findEntry(dir *inode, name string) int {
	for i, d := range dir.entries {
		if bytes.Equal(d.Name, []byte(name)) {
			return i
		}
	}
	return -1
}

// addEntry appends an entry to directory ino, growing it as needed. The
// directory is left unchanged on failure.
func (fs *FS) addEntry(op string, ino uint32, dir *inode, d dirent) error {
	dir.entries = append(dir.entries, d)
	if err := fs.growDir(op, ino, dir); err != nil {
		dir.entries = dir.entries[:len(dir.entries)-1]
		return err
	}
	return nil
}

func (fs *FS) touchDir(ino uint32, dir *inode) {
	now := fs.now()
	dir.mtime, dir.ctime = now, now
	fs.dirtyDirs[ino] = struct{}{}
	fs.markDirty(ino)
}

// Lookup resolves name in directory parent.
func (fs *FS) Lookup(parent uint32, name string) (DirEntry, error) {
	dir, err := fs.dirInode("lookup", parent)
	if err != nil {
		return DirEntry{}, err
	}
	switch name {
	case ".":
		return DirEntry{name: []byte(name), ino: parent, itype: InodeTypeDirectory}, nil
	case "..":
		return DirEntry{name: []byte(name), ino: dir.parent, itype: InodeTypeDirectory}, nil
	}
	i := findEntry(dir, name)
	if i < 0 {
		return DirEntry{}, fail("lookup", parent, ENOENT)
	}
	d := dir.entries[i]
	return DirEntry{name: d.Name, ino: d.Ino, itype: fs.typeOf(d)}, nil
}

// Create makes a new inode of type itype named name in parent. mode holds
// the permission bits.
func (fs *FS) Create(parent uint32, name string, itype InodeType, mode uint32) (uint32, error) {
	dir, err := fs.dirInode("create", parent)
	if err != nil {
		return 0, err
	}
	if err := checkName("create", parent, name); err != nil {
		return 0, err
	}
	if itype == InodeTypeUnknown {
		return 0, fail("create", parent, EINVAL)
	}
	if findEntry(dir, name) >= 0 {
		return 0, fail("create", parent, EEXIST)
	}
	isDir := itype == InodeTypeDirectory
	if isDir && dir.nlink >= maxLinks {
		return 0, fail("create", parent, EMLINK)
	}
	if isDir && fs.freeBlocks() == 0 {
		return 0, fail("create", parent, ENOSPC)
	}
	ino, err := fs.allocIno(isDir)
	if err != nil {
		return 0, err
	}

	now := fs.now()
	in := &inode{
		mode:  itype.modeBits() | mode&0o7777,
		nlink: 1,
		atime: now, mtime: now, ctime: now, crtime: now,
	}
	if hasData(in.mode) {
		in.flags = extentsFlag
		in.treeDirty = true
	}
	fs.inodes[ino] = in
	fs.markDirty(ino)
	if isDir {
		in.nlink = 2
		in.parent = parent
		if err := fs.growDir("create", ino, in); err != nil {
			fs.freeIno(ino)
			return 0, err
		}
	}
	if err := fs.addEntry("create", parent, dir, dirent{Name: []byte(name), Ino: ino, Type: fileType(in.mode)}); err != nil {
		fs.freeIno(ino)
		return 0, err
	}
	if isDir {
		dir.nlink++
	}
	fs.touchDir(parent, dir)
	return ino, nil
}

const maxLinks = 65000

// Link adds name in parent as a new hard link to ino.
func (fs *FS) Link(parent uint32, name string, ino uint32) error {
	dir, err := fs.dirInode("link", parent)
	if err != nil {
		return err
	}
	if err := checkName("link", parent, name); err != nil {
		return err
	}
	target, err := fs.get("link", ino)
	if err != nil {
		return err
	}
	if target.isDir() {
		return fail("link", ino, EPERM)
	}
	if target.nlink >= maxLinks {
		return fail("link", ino, EMLINK)
	}
	if findEntry(dir, name) >= 0 {
		return fail("link", parent, EEXIST)
	}
	if err := fs.addEntry("link", parent, dir, dirent{Name: []byte(name), Ino: ino, Type: fileType(target.mode)}); err != nil {
		return err
	}
	target.nlink++
	target.ctime = fs.now()
	fs.markDirty(ino)
	fs.touchDir(parent, dir)
	return nil
}

// dropLink removes one link to ino, freeing it when none remain. Empty
// directories are freed outright.
func (fs *FS) dropLink(parent *inode, ino uint32) {
	in := fs.inodes[ino]
	if in.isDir() {
		parent.nlink--
		fs.freeIno(ino)
		return
	}
	in.nlink--
	in.ctime = fs.now()
	fs.markDirty(ino)
	if in.nlink == 0 {
		fs.freeIno(ino)
	}
}

// Unlink removes name from parent. Directories must be empty.
func (fs *FS) Unlink(parent uint32, name string) error {
	dir, err := fs.dirInode("unlink", parent)
	if err != nil {
		return err
	}
	if err := checkName("unlink", parent, name); err != nil {
		return err
	}
	i := findEntry(dir, name)
	if i < 0 {
		return fail("unlink", parent, ENOENT)
	}
	ino := dir.entries[i].Ino
	in, err := fs.get("unlink", ino)
	if err != nil {
		return err
	}
	if in.isDir() && len(in.entries) > 0 {
		return fail("unlink", ino, ENOTEMPTY)
	}
	dir.entries = append(dir.entries[:i], dir.entries[i+1:]...)
	fs.dropLink(dir, ino)
	fs.touchDir(parent, dir)
	return nil
}

// Rename moves srcName in srcDir to dstName in dstDir, replacing an
// existing destination the way rename(2) does. Nothing changes when the
// rename fails.
func (fs *FS) Rename(srcDir uint32, srcName string, dstDir uint32, dstName string) error {
	src, err := fs.dirInode("rename", srcDir)
	if err != nil {
		return err
	}
	dst, err := fs.dirInode("rename", dstDir)
	if err != nil {
		return err
	}
	if err := checkName("rename", srcDir, srcName); err != nil {
		return err
	}
	if err := checkName("rename", dstDir, dstName); err != nil {
		return err
	}
	si := findEntry(src, srcName)
	if si < 0 {
		return fail("rename", srcDir, ENOENT)
	}
	ino := src.entries[si].Ino
	moving, err := fs.get("rename", ino)
	if err != nil {
		return err
	}
	isDir := moving.isDir()

	if isDir {
		// A directory cannot move below itself.
		for p := dstDir; ; {
			if p == ino {
				return fail("rename", ino, EINVAL)
			}
			if p == RootIno {
				break
			}
			up, err := fs.get("rename", p)
			if err != nil {
				return err
			}
			p = up.parent
		}
		if srcDir != dstDir && dst.nlink >= maxLinks {
			return fail("rename", dstDir, EMLINK)
		}
	}

	entry := dirent{Name: []byte(dstName), Ino: ino, Type: fileType(moving.mode)}
	if di := findEntry(dst, dstName); di >= 0 {
		victimIno := dst.entries[di].Ino
		if victimIno == ino {
			return nil
		}
		victim, err := fs.get("rename", victimIno)
		if err != nil {
			return err
		}
		switch {
		case isDir && !victim.isDir():
			return fail("rename", victimIno, ENOTDIR)
		case !isDir && victim.isDir():
			return fail("rename", victimIno, EISDIR)
		case victim.isDir() && len(victim.entries) > 0:
			return fail("rename", victimIno, ENOTEMPTY)
		}
		dst.entries[di] = entry
		fs.dropLink(dst, victimIno)
	} else if err := fs.addEntry("rename", dstDir, dst, entry); err != nil {
		return err
	}

	// Indexes shift when both names share a directory.
	for i, d := range src.entries {
		if d.Ino == ino && bytes.Equal(d.Name, []byte(srcName)) {
			src.entries = append(src.entries[:i], src.entries[i+1:]...)
			break
		}
	}
	if isDir && srcDir != dstDir {
		moving.parent = dstDir
		src.nlink--
		dst.nlink++
		fs.dirtyDirs[ino] = struct{}{}
	}

	fs.touchDir(srcDir, src)
	fs.touchDir(dstDir, dst)
	moving.ctime = fs.now()
	fs.markDirty(ino)
	return nil
}
