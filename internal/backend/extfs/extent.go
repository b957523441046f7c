package extfs

import (
	"fmt"
	"slices"
)

const (
	extentMagic     = 0xF30A
	extentHeaderLen = 12
	extentEntryLen  = 12
	inodeExtents    = 4

	// maxExtentLen is the longest initialized extent.
	maxExtentLen = 32768

	extentsFlag = 0x80000
)

// extent maps length logical blocks starting at logical to physical.
type extent struct {
	logical  uint32
	length   uint32
	physical uint64
	// uninit extents read as zeros.
	uninit bool
}

func (e extent) end() uint32 { return e.logical + e.length }

// lookup returns the physical block holding logical block l and the number
// of blocks mapped contiguously from there, or ok=false inside a hole.
func lookup(exts []extent, l uint32) (p uint64, n uint32, uninit, ok bool) {
	i, found := slices.BinarySearchFunc(exts, l, func(e extent, l uint32) int {
		switch {
		case e.end() <= l:
			return -1
		case e.logical > l:
			return 1
		}
		return 0
	})
	if !found {
		return 0, 0, false, false
	}
	e := exts[i]
	off := l - e.logical
	return e.physical + uint64(off), e.length - off, e.uninit, true
}

// nextMapped returns the first mapped logical block at or after l, or
// limit when there is none before it.
func nextMapped(exts []extent, l, limit uint32) uint32 {
	for _, e := range exts {
		if e.end() > l {
			return min(max(e.logical, l), limit)
		}
	}
	return limit
}

// insertExtent adds a freshly mapped run to exts, merging it with
// physically contiguous neighbours.
func insertExtent(exts []extent, x extent) []extent {
	i, _ := slices.BinarySearchFunc(exts, x.logical, func(e extent, l uint32) int {
		if e.logical < l {
			return -1
		}
		if e.logical > l {
			return 1
		}
		return 0
	})
	if i > 0 {
		p := &exts[i-1]
		if !p.uninit && p.end() == x.logical && p.physical+uint64(p.length) == x.physical && p.length+x.length <= maxExtentLen {
			p.length += x.length
			if i < len(exts) {
				n := exts[i]
				if !n.uninit && p.end() == n.logical && p.physical+uint64(p.length) == n.physical && p.length+n.length <= maxExtentLen {
					p.length += n.length
					exts = slices.Delete(exts, i, i+1)
				}
			}
			return exts
		}
	}
	if i < len(exts) {
		n := &exts[i]
		if !n.uninit && x.end() == n.logical && x.physical+uint64(x.length) == n.physical && x.length+n.length <= maxExtentLen {
			n.logical, n.physical = x.logical, x.physical
			n.length += x.length
			return exts
		}
	}
	return slices.Insert(exts, i, x)
}

// leavesFor is the number of leaf blocks a tree of n extents needs. Up to
// four extents live in the inode itself.
func (fs *FS) leavesFor(n int) int {
	if n <= inodeExtents {
		return 0
	}
	per := int(fs.l.blockSize-extentHeaderLen) / extentEntryLen
	return (n + per - 1) / per
}

// fitTree sizes the extent tree blocks of in for n extents. The tree has
// at most one level of leaves under the inode.
func (fs *FS) fitTree(op string, ino uint32, in *inode, n int) error {
	need := fs.leavesFor(n)
	if need > inodeExtents {
		return fail(op, ino, EFBIG)
	}
	var fresh []uint64
	for len(in.tree)+len(fresh) < need {
		goal := uint64(0)
		if len(in.extents) > 0 {
			goal = in.extents[0].physical
		}
		b, _, err := fs.allocRun(goal, 1)
		if err != nil {
			for _, f := range fresh {
				fs.freeBlock(f)
			}
			return fail(op, ino, ENOSPC)
		}
		fresh = append(fresh, b)
	}
	in.tree = append(in.tree, fresh...)
	for len(in.tree) > need {
		fs.freeBlock(in.tree[len(in.tree)-1])
		in.tree = in.tree[:len(in.tree)-1]
	}
	in.treeDirty = true
	return nil
}

// mapRange makes sure every logical block in [first, last] is backed by a
// block. Newly mapped blocks read as zeros. Nothing is allocated when the
// whole range cannot be mapped.
func (fs *FS) mapRange(op string, ino uint32, in *inode, first, last uint32) error {
	if err := fs.initUninit(op, ino, in); err != nil {
		return err
	}
	var holes uint64
	for l := first; l <= last; {
		if _, n, _, ok := lookup(in.extents, l); ok {
			if uint64(l)+uint64(n) > uint64(last) {
				break
			}
			l += n
			continue
		}
		next := nextMapped(in.extents, l, last+1)
		holes += uint64(next - l)
		if next > last {
			break
		}
		l = next
	}
	if holes == 0 {
		return nil
	}
	if holes > fs.freeBlocks() {
		return fail(op, ino, ENOSPC)
	}

	exts := slices.Clone(in.extents)
	var fresh []extent
	undo := func() {
		for _, r := range fresh {
			for i := uint64(0); i < uint64(r.length); i++ {
				fs.freeBlock(r.physical + i)
			}
		}
	}
	goal := fs.goal(in, first)
	for l := first; l <= last; {
		if p, n, _, ok := lookup(exts, l); ok {
			goal = p + uint64(n)
			if uint64(l)+uint64(n) > uint64(last) {
				break
			}
			l += n
			continue
		}
		next := nextMapped(exts, l, last+1)
		want := min(next-l, maxExtentLen)
		p, got, err := fs.allocRun(goal, want)
		if err != nil {
			undo()
			return fail(op, ino, ENOSPC)
		}
		for i := uint64(0); i < uint64(got); i++ {
			fs.blocks[p+i] = make([]byte, fs.l.blockSize)
		}
		x := extent{logical: l, length: got, physical: p}
		fresh = append(fresh, x)
		exts = insertExtent(exts, x)
		goal = p + uint64(got)
		if uint64(l)+uint64(got) > uint64(last) {
			break
		}
		l += got
	}
	saved := in.extents
	in.extents = exts
	if err := fs.fitTree(op, ino, in, len(exts)); err != nil {
		in.extents = saved
		undo()
		return err
	}
	in.blockCount += holes
	return fs.spill()
}

// initUninit turns uninitialized extents into zero-filled ones so that
// writes into them become visible.
func (fs *FS) initUninit(op string, ino uint32, in *inode) error {
	changed := false
	for i := range in.extents {
		e := &in.extents[i]
		if !e.uninit {
			continue
		}
		for b := uint64(0); b < uint64(e.length); b++ {
			fs.blocks[e.physical+b] = make([]byte, fs.l.blockSize)
		}
		e.uninit = false
		changed = true
	}
	if !changed {
		return nil
	}
	return fs.fitTree(op, ino, in, len(in.extents))
}

// goal picks the physical block to start searching from when mapping
// logical block l.
func (fs *FS) goal(in *inode, l uint32) uint64 {
	var best uint64
	for _, e := range in.extents {
		if e.logical > l {
			break
		}
		best = e.physical + uint64(l-e.logical)
	}
	return best
}

// truncateExtents unmaps every logical block at or after keep.
func (fs *FS) truncateExtents(op string, ino uint32, in *inode, keep uint32) error {
	out := in.extents[:0]
	changed := false
	for _, e := range in.extents {
		switch {
		case e.logical >= keep:
			fs.freeRun(e.physical, e.length)
			in.blockCount -= uint64(e.length)
			changed = true
		case e.end() > keep:
			cut := e.end() - keep
			fs.freeRun(e.physical+uint64(e.length-cut), cut)
			in.blockCount -= uint64(cut)
			e.length -= cut
			out = append(out, e)
			changed = true
		default:
			out = append(out, e)
		}
	}
	if !changed {
		return nil
	}
	in.extents = out
	return fs.fitTree(op, ino, in, len(out))
}

func (fs *FS) freeRun(p uint64, n uint32) {
	for i := uint64(0); i < uint64(n); i++ {
		fs.freeBlock(p + i)
	}
}

// encodeExtentNode writes a tree node of entries into buf.
func encodeExtentNode(buf []byte, depth uint16, max int, entries func(i int, e []byte), n int) {
	clear(buf)
	le.PutUint16(buf[0:], extentMagic)
	le.PutUint16(buf[2:], uint16(n))
	le.PutUint16(buf[4:], uint16(max))
	le.PutUint16(buf[6:], depth)
	for i := 0; i < n; i++ {
		entries(i, buf[extentHeaderLen+i*extentEntryLen:])
	}
}

func putLeafEntry(b []byte, e extent) {
	le.PutUint32(b[0:], e.logical)
	length := e.length
	if e.uninit {
		length += maxExtentLen
	}
	le.PutUint16(b[4:], uint16(length))
	le.PutUint16(b[6:], uint16(e.physical>>32))
	le.PutUint32(b[8:], uint32(e.physical))
}

// encodeTree stores the extent tree of in into its i_block area and its
// leaf blocks.
func (fs *FS) encodeTree(in *inode) {
	var root [60]byte
	if len(in.tree) == 0 {
		encodeExtentNode(root[:], 0, inodeExtents, func(i int, b []byte) {
			putLeafEntry(b, in.extents[i])
		}, len(in.extents))
		in.iblock = root
		return
	}
	per := int(fs.l.blockSize-extentHeaderLen) / extentEntryLen
	for li, blk := range in.tree {
		chunk := in.extents[li*per : min((li+1)*per, len(in.extents))]
		buf := make([]byte, fs.l.blockSize)
		encodeExtentNode(buf, 0, per, func(i int, b []byte) {
			putLeafEntry(b, chunk[i])
		}, len(chunk))
		fs.blocks[blk] = buf
	}
	encodeExtentNode(root[:], 1, inodeExtents, func(i int, b []byte) {
		le.PutUint32(b[0:], in.extents[i*per].logical)
		le.PutUint32(b[4:], uint32(in.tree[i]))
		le.PutUint16(b[8:], uint16(in.tree[i]>>32))
	}, len(in.tree))
	in.iblock = root
}

// decodeTree reads the extent tree rooted in the i_block area.
func (fs *FS) decodeTree(ino uint32, root []byte) (exts []extent, tree []uint64, err error) {
	var walk func(node []byte, depth int) error
	walk = func(node []byte, depth int) error {
		if len(node) < extentHeaderLen || le.Uint16(node[0:]) != extentMagic {
			return &Error{Op: "read", Ino: ino, Errno: EIO, Err: fmt.Errorf("bad extent header")}
		}
		n := int(le.Uint16(node[2:]))
		d := int(le.Uint16(node[6:]))
		if d != depth || extentHeaderLen+n*extentEntryLen > len(node) {
			return &Error{Op: "read", Ino: ino, Errno: EIO, Err: fmt.Errorf("bad extent node")}
		}
		for i := 0; i < n; i++ {
			b := node[extentHeaderLen+i*extentEntryLen:]
			if d == 0 {
				e := extent{
					logical:  le.Uint32(b[0:]),
					length:   uint32(le.Uint16(b[4:])),
					physical: uint64(le.Uint16(b[6:]))<<32 | uint64(le.Uint32(b[8:])),
				}
				if e.length > maxExtentLen {
					e.length -= maxExtentLen
					e.uninit = true
				}
				if !fs.validRun(e.physical, e.length) || (len(exts) > 0 && exts[len(exts)-1].end() > e.logical) {
					return &Error{Op: "read", Ino: ino, Errno: EIO, Err: fmt.Errorf("bad extent at block %d", e.logical)}
				}
				exts = append(exts, e)
				continue
			}
			child := uint64(le.Uint16(b[8:]))<<32 | uint64(le.Uint32(b[4:]))
			if !fs.validRun(child, 1) || len(tree) > int(fs.l.blocks) {
				return &Error{Op: "read", Ino: ino, Errno: EIO, Err: fmt.Errorf("bad extent index")}
			}
			buf, err := fs.readBlock(child)
			if err != nil {
				return err
			}
			tree = append(tree, child)
			if err := walk(buf, d-1); err != nil {
				return err
			}
		}
		return nil
	}
	if len(root) < extentHeaderLen || le.Uint16(root[6:]) > 5 {
		return nil, nil, &Error{Op: "read", Ino: ino, Errno: EIO, Err: fmt.Errorf("bad extent root")}
	}
	if err := walk(root, int(le.Uint16(root[6:]))); err != nil {
		return nil, nil, err
	}
	return exts, tree, nil
}

// decodeBlockMap reads a classic direct and indirect block map as extents.
// The indirect blocks are reported as tree blocks.
func (fs *FS) decodeBlockMap(ino uint32, iblock []byte, size uint64) (exts []extent, tree []uint64, err error) {
	bs := uint64(fs.l.blockSize)
	nblocks := (size + bs - 1) / bs
	per := bs / 4
	add := func(l, p uint64) {
		if p == 0 {
			return
		}
		exts = insertExtent(exts, extent{logical: uint32(l), length: 1, physical: p})
	}
	var walk func(blk uint64, level int, base uint64) error
	walk = func(blk uint64, level int, base uint64) error {
		if blk == 0 || base >= nblocks {
			return nil
		}
		if !fs.validRun(blk, 1) {
			return &Error{Op: "read", Ino: ino, Errno: EIO, Err: fmt.Errorf("bad indirect block %d", blk)}
		}
		tree = append(tree, blk)
		buf, err := fs.readBlock(blk)
		if err != nil {
			return err
		}
		span := uint64(1)
		for i := 0; i < level; i++ {
			span *= per
		}
		for i := uint64(0); i < per; i++ {
			p := uint64(le.Uint32(buf[i*4:]))
			l := base + i*span
			if level == 0 {
				if l < nblocks {
					add(l, p)
				}
				continue
			}
			if err := walk(p, level-1, l); err != nil {
				return err
			}
		}
		return nil
	}
	for i := uint64(0); i < 12 && i < nblocks; i++ {
		add(i, uint64(le.Uint32(iblock[i*4:])))
	}
	base := uint64(12)
	span := per
	for level := 0; level < 3; level++ {
		if err := walk(uint64(le.Uint32(iblock[(12+level)*4:])), level, base); err != nil {
			return nil, nil, err
		}
		base += span
		span *= per
	}
	for _, e := range exts {
		if !fs.validRun(e.physical, e.length) {
			return nil, nil, &Error{Op: "read", Ino: ino, Errno: EIO, Err: fmt.Errorf("bad block %d", e.physical)}
		}
	}
	return exts, tree, nil
}
