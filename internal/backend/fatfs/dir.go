package fatfs

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNameLen is the longest long file name, in bytes.
const MaxNameLen = 255

const invalidNameChars = "/\\:*?\"<>|"

func validateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return ErrInvalidFileNameLength
	}
	if name == "." || name == ".." || !utf8.ValidString(name) {
		return ErrInvalidInput
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			return ErrUnsupportedFileNameCharacter
		}
	}
	return nil
}

func eqName(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Dir is a cursor on a directory.
type Dir struct {
	fs *FileSystem
	n  *node
}

func (d *Dir) check() error {
	if d.n.removed {
		return ErrNotFound
	}
	return nil
}

func (d *Dir) find(name string) *node {
	for _, c := range d.n.children {
		if eqName(c.name, name) {
			return c
		}
	}
	return nil
}

// AsFile returns the file view of the directory's own entry, used for its
// timestamps. The root directory has no entry and returns nil.
func (d *Dir) AsFile() *File {
	if d.n == d.fs.root {
		return nil
	}
	return &File{fs: d.fs, n: d.n}
}

// Iter returns an iterator over the directory's entries in on-disk order.
func (d *Dir) Iter() *DirIter {
	it := &DirIter{fs: d.fs}
	if err := d.check(); err != nil {
		it.err = err
		return it
	}
	it.entries = append([]*node(nil), d.n.children...)
	return it
}

// shortFor picks the short name of name among the siblings in d other
// than self.
func (d *Dir) shortFor(name string, self *node) (string, bool) {
	used := make(map[string]bool, len(d.n.children))
	for _, c := range d.n.children {
		if c != self {
			used[c.short] = true
		}
	}
	return shortNameFor(name, used)
}

func entrySlots(name string, lfn bool) uint32 {
	if lfn {
		return 1 + lfnSlots(name)
	}
	return 1
}

func (d *Dir) create(name string, dir bool) (*node, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if d.find(name) != nil {
		return nil, ErrAlreadyExists
	}
	short, lfn := d.shortFor(name, nil)
	if err := d.fs.reserve(d.n, d.fs.dirSlots(d.n)+entrySlots(name, lfn), true); err != nil {
		return nil, err
	}
	now := d.fs.now()
	n := &node{
		name:     name,
		short:    short,
		lfn:      lfn,
		attr:     attrArchive,
		dir:      dir,
		created:  now,
		accessed: now,
		modified: now,
		parent:   d.n,
	}
	if dir {
		n.attr = attrDirectory
		// "." and ".." take the first two entries.
		if err := d.fs.reserve(n, 2, true); err != nil {
			return nil, err
		}
	}
	d.n.children = append(d.n.children, n)
	d.n.modified = now
	d.fs.touch(d.n)
	d.fs.touch(n)
	return n, nil
}

// CreateFile creates an empty file. It fails if name already exists.
func (d *Dir) CreateFile(name string) (*File, error) {
	n, err := d.create(name, false)
	if err != nil {
		return nil, err
	}
	return &File{fs: d.fs, n: n}, nil
}

// CreateDir creates an empty directory. It fails if name already exists.
func (d *Dir) CreateDir(name string) (*Dir, error) {
	n, err := d.create(name, true)
	if err != nil {
		return nil, err
	}
	return &Dir{fs: d.fs, n: n}, nil
}

// Remove deletes a file or an empty directory.
func (d *Dir) Remove(name string) error {
	if err := d.check(); err != nil {
		return err
	}
	for i, c := range d.n.children {
		if !eqName(c.name, name) {
			continue
		}
		if c.dir && len(c.children) > 0 {
			return ErrDirectoryIsNotEmpty
		}
		if err := d.fs.freeChain(c.first); err != nil {
			return err
		}
		c.first = freeCluster
		c.hintIdx, c.hintC = 0, freeCluster
		c.removed = true
		c.parent = nil
		d.n.children = append(d.n.children[:i], d.n.children[i+1:]...)
		d.n.modified = d.fs.now()
		d.fs.touch(d.n)
		return nil
	}
	return ErrNotFound
}

// renameSource resolves and validates the entry a rename would move.
func (d *Dir) renameSource(srcName string, dst *Dir, dstName string) (*node, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := dst.check(); err != nil {
		return nil, err
	}
	if dst.fs != d.fs {
		return nil, ErrInvalidInput
	}
	if err := validateName(dstName); err != nil {
		return nil, err
	}
	src := d.find(srcName)
	if src == nil {
		return nil, ErrNotFound
	}
	if src.dir {
		for p := dst.n; p != nil; p = p.parent {
			if p == src {
				return nil, ErrInvalidInput
			}
		}
	}
	return src, nil
}

// renameSlots is the size dst's directory needs once src is stored there
// as dstName and the entry named by victim, if any, is gone.
func (d *Dir) renameSlots(src *node, dst *Dir, dstName string, victim *node) (uint32, string, bool) {
	short, lfn := dst.shortFor(dstName, src)
	need := d.fs.dirSlots(dst.n) + entrySlots(dstName, lfn)
	if dst.n == d.n {
		need -= src.slots()
	}
	if victim != nil {
		need -= victim.slots()
	}
	return need, short, lfn
}

// CanRename reports whether Rename(srcName, dst, dstName) would succeed
// once an existing destination entry has been removed. It changes nothing.
func (d *Dir) CanRename(srcName string, dst *Dir, dstName string) error {
	src, err := d.renameSource(srcName, dst, dstName)
	if err != nil {
		return err
	}
	victim := dst.find(dstName)
	if victim == src {
		victim = nil
	}
	need, _, _ := d.renameSlots(src, dst, dstName, victim)
	return d.fs.reserve(dst.n, need, false)
}

// Rename moves srcName to dstName in dst. It fails with ErrAlreadyExists if
// dstName exists, unless it names the source entry itself.
func (d *Dir) Rename(srcName string, dst *Dir, dstName string) error {
	src, err := d.renameSource(srcName, dst, dstName)
	if err != nil {
		return err
	}
	if existing := dst.find(dstName); existing != nil && existing != src {
		return ErrAlreadyExists
	}
	need, short, lfn := d.renameSlots(src, dst, dstName, nil)
	if err := d.fs.reserve(dst.n, need, true); err != nil {
		return err
	}

	for i, c := range d.n.children {
		if c == src {
			d.n.children = append(d.n.children[:i], d.n.children[i+1:]...)
			break
		}
	}
	src.name, src.short, src.lfn, src.ntres = dstName, short, lfn, 0
	src.parent = dst.n
	dst.n.children = append(dst.n.children, src)

	now := d.fs.now()
	d.n.modified = now
	dst.n.modified = now
	d.fs.touch(d.n)
	d.fs.touch(dst.n)
	d.fs.touch(src)
	return nil
}

// DirIter iterates over a snapshot of a directory's entries.
type DirIter struct {
	fs      *FileSystem
	entries []*node
	cur     *node
	err     error
}

// Next advances to the next entry and reports whether there is one.
func (it *DirIter) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.entries) > 0 {
		it.cur = it.entries[0]
		it.entries = it.entries[1:]
		if !it.cur.removed {
			return true
		}
	}
	it.cur = nil
	return false
}

// Entry returns the current entry.
func (it *DirIter) Entry() DirEntry {
	return DirEntry{fs: it.fs, n: it.cur}
}

// Err returns the error that stopped iteration, if any.
func (it *DirIter) Err() error {
	return it.err
}

// DirEntry is one directory entry as returned by iteration.
type DirEntry struct {
	fs *FileSystem
	n  *node
}

// FileName returns the stored (long) name.
func (e DirEntry) FileName() string { return e.n.name }

// ShortFileName returns the 8.3 name stored for the entry.
func (e DirEntry) ShortFileName() string { return formatShort([]byte(e.n.short), 0) }

func (e DirEntry) IsDir() bool  { return e.n.dir }
func (e DirEntry) IsFile() bool { return !e.n.dir }

// EqName reports whether name refers to this entry.
func (e DirEntry) EqName(name string) bool { return eqName(e.n.name, name) }

func (e DirEntry) Len() uint64         { return uint64(e.n.size) }
func (e DirEntry) Created() time.Time  { return e.n.created }
func (e DirEntry) Accessed() time.Time { return e.n.accessed }
func (e DirEntry) Modified() time.Time { return e.n.modified }

// ToFile opens the entry as a file.
func (e DirEntry) ToFile() *File { return &File{fs: e.fs, n: e.n} }

// ToDir opens the entry as a directory.
func (e DirEntry) ToDir() *Dir { return &Dir{fs: e.fs, n: e.n} }
