package vfs

import (
	"fmt"
	"strings"
	"sync"
	"weak"

	"github.com/scttfrdmn/diskvfs/pkg/errors"
)

// Reference locates an entry in the tree: its parent and its name there.
type Reference struct {
	parent *DirEntry
	name   string
}

// RootReference is the reference of a filesystem root.
func RootReference() Reference {
	return Reference{}
}

// NewReference takes ownership of one reference to parent. The entry built
// from it keeps that reference while it is held and gives it back when its
// own count drops to zero.
func NewReference(parent *DirEntry, name string) Reference {
	return Reference{parent: parent, name: name}
}

// Parent returns the parent entry, or nil for a root.
func (r Reference) Parent() *DirEntry { return r.parent }

// Name returns the entry's name in its parent.
func (r Reference) Name() string { return r.name }

// DirEntry is a node of the VFS tree. It is reference counted. An entry
// holds one reference on its parent only while its own count is above
// zero. Directory entries carry a name cache of child entries. The cache
// does not count as a reference: an unheld child stays cached with a count
// of zero and keeps its identity until it is evicted, at which point the
// adapter is released. An uncached entry is released when its count drops
// to zero.
type DirEntry struct {
	mu     sync.Mutex
	refs   int64
	cached bool
	dead   bool
	ref    Reference

	nodeType NodeType
	file     FileNodeOps
	dir      DirNodeOps

	// cacheMu is taken before the mu of any child.
	cacheMu sync.Mutex
	cache   map[string]*DirEntry
}

// NewFileEntry wraps a non-directory adapter. The caller owns the single
// initial reference.
func NewFileEntry(node FileNodeOps, nodeType NodeType, ref Reference) *DirEntry {
	return &DirEntry{refs: 1, ref: ref, nodeType: nodeType, file: node}
}

// NewDirEntry builds a directory entry. build is called immediately with a
// non-owning handle to the entry under construction so the adapter can
// reach its own entry later.
func NewDirEntry(ref Reference, build func(this WeakDirEntry) DirNodeOps) *DirEntry {
	e := &DirEntry{refs: 1, ref: ref, nodeType: NodeTypeDirectory, cache: make(map[string]*DirEntry)}
	e.dir = build(WeakDirEntry{p: weak.Make(e)})
	return e
}

// Name returns the entry's name in its parent.
func (e *DirEntry) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ref.name
}

// Parent returns the parent entry without taking a reference.
func (e *DirEntry) Parent() *DirEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ref.parent
}

// NodeType returns the type of the wrapped node.
func (e *DirEntry) NodeType() NodeType { return e.nodeType }

// IsDir reports whether the entry wraps a directory.
func (e *DirEntry) IsDir() bool { return e.dir != nil }

// Node returns the wrapped adapter.
func (e *DirEntry) Node() NodeOps {
	if e.dir != nil {
		return e.dir
	}
	return e.file
}

// Inode is shorthand for Node().Inode().
func (e *DirEntry) Inode() uint64 { return e.Node().Inode() }

// AsFile returns the file adapter, failing for directories.
func (e *DirEntry) AsFile() (FileNodeOps, error) {
	if e.file == nil {
		return nil, errors.ErrIsDirectory
	}
	return e.file, nil
}

// AsDir returns the directory adapter, failing for other node types.
func (e *DirEntry) AsDir() (DirNodeOps, error) {
	if e.dir == nil {
		return nil, errors.ErrNotDirectory
	}
	return e.dir, nil
}

// Refs returns the current reference count.
func (e *DirEntry) Refs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// IncRef takes an additional reference. The caller must already hold one.
func (e *DirEntry) IncRef() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs < 1 {
		panic(fmt.Sprintf("vfs: IncRef on unheld entry %q", e.ref.name))
	}
	e.refs++
}

// TryIncRef takes a reference if the entry is currently held.
func (e *DirEntry) TryIncRef() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs < 1 {
		return false
	}
	e.refs++
	return true
}

// reviveLocked takes a reference on behalf of the cache owner. The first
// reference of an unheld entry also takes one on its parent, which the
// caller must already hold. e.mu must be held.
func (e *DirEntry) reviveLocked() {
	if e.dead {
		panic(fmt.Sprintf("vfs: reviving released entry %q", e.ref.name))
	}
	e.refs++
	if e.refs == 1 && e.ref.parent != nil {
		e.ref.parent.IncRef()
	}
}

// DecRef drops a reference. When the count reaches zero the reference on
// the parent is given up, and an entry that is not cached is released
// first. It must not be called while the owning filesystem's lock is held.
func (e *DirEntry) DecRef() {
	e.mu.Lock()
	e.refs--
	switch {
	case e.refs > 0:
		e.mu.Unlock()
		return
	case e.refs < 0:
		name := e.ref.name
		e.mu.Unlock()
		panic(fmt.Sprintf("vfs: DecRef on dead entry %q", name))
	}
	parent := e.ref.parent
	release := !e.cached
	if release {
		e.dead = true
	}
	e.mu.Unlock()

	if release {
		e.destroy()
	}
	if parent != nil {
		parent.DecRef()
	}
}

// destroy releases the adapter of a dead entry after its cached subtree.
func (e *DirEntry) destroy() {
	if e.dir != nil {
		e.EvictAll()
	}
	e.Node().Release()
}

// Rebind moves a held entry to name in newParent, taking a reference on
// newParent. The previous parent is returned; the caller must DecRef it
// once no lock is held. The entry must not be cached while it moves.
func (e *DirEntry) Rebind(newParent *DirEntry, name string) *DirEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs < 1 || e.cached {
		panic(fmt.Sprintf("vfs: Rebind of entry %q that is unheld or cached", e.ref.name))
	}
	newParent.IncRef()
	old := e.ref.parent
	e.ref = Reference{parent: newParent, name: name}
	return old
}

func cacheKey(name string) string {
	return strings.ToLower(name)
}

// LookupCache returns the cached child for name with a new reference, or
// nil. Names are matched case-insensitively. The caller must hold e.
func (e *DirEntry) LookupCache(name string) *DirEntry {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	child, ok := e.cache[cacheKey(name)]
	if !ok {
		return nil
	}
	child.mu.Lock()
	child.reviveLocked()
	child.mu.Unlock()
	return child
}

// CachedInode returns the inode number of the cached child for name
// without taking a reference.
func (e *DirEntry) CachedInode(name string) (uint64, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if child, ok := e.cache[cacheKey(name)]; ok {
		return child.Inode(), true
	}
	return 0, false
}

// InsertCache stores child under name. The cache does not take a
// reference; the caller keeps its own. A previously cached entry for the
// same name is returned with a new reference, which the caller must DecRef
// once no lock is held.
func (e *DirEntry) InsertCache(name string, child *DirEntry) *DirEntry {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.cache == nil {
		panic("vfs: InsertCache on non-directory entry")
	}
	key := cacheKey(name)
	old := e.cache[key]
	if old == child {
		return nil
	}
	child.mu.Lock()
	child.cached = true
	child.mu.Unlock()
	e.cache[key] = child
	if old == nil {
		return nil
	}
	old.mu.Lock()
	old.cached = false
	old.reviveLocked()
	old.mu.Unlock()
	return old
}

// RemoveCache drops name from the cache and returns the entry with a new
// reference, or nil. The caller must DecRef it once no lock is held; an
// entry nobody else holds is released then.
func (e *DirEntry) RemoveCache(name string) *DirEntry {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	key := cacheKey(name)
	child, ok := e.cache[key]
	if !ok {
		return nil
	}
	delete(e.cache, key)
	child.mu.Lock()
	child.cached = false
	child.reviveLocked()
	child.mu.Unlock()
	return child
}

// CacheLen returns the number of cached children.
func (e *DirEntry) CacheLen() int {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return len(e.cache)
}

// EvictAll empties the cache of e and of every cached descendant. Unheld
// children are released; held ones stay alive with their holders and are
// released when their last reference goes.
func (e *DirEntry) EvictAll() {
	e.cacheMu.Lock()
	var unheld, held []*DirEntry
	for key, child := range e.cache {
		delete(e.cache, key)
		child.mu.Lock()
		child.cached = false
		if child.refs == 0 {
			child.dead = true
			unheld = append(unheld, child)
		} else {
			held = append(held, child)
		}
		child.mu.Unlock()
	}
	e.cacheMu.Unlock()

	for _, child := range unheld {
		child.destroy()
	}
	for _, child := range held {
		if child.dir != nil {
			child.EvictAll()
		}
	}
}

// WeakDirEntry is a non-owning handle to a DirEntry.
type WeakDirEntry struct {
	p weak.Pointer[DirEntry]
}

// Upgrade returns the entry with a new reference, or nil if it is gone.
func (w WeakDirEntry) Upgrade() *DirEntry {
	e := w.p.Value()
	if e == nil || !e.TryIncRef() {
		return nil
	}
	return e
}

// Peek returns the entry without taking a reference, or nil if it is gone.
// The result is only valid while the caller otherwise keeps the entry alive.
func (w WeakDirEntry) Peek() *DirEntry {
	e := w.p.Value()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || e.refs < 1 {
		return nil
	}
	return e
}
