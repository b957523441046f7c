// Package slab allocates small dense integer ids with reuse, in the manner
// of a slab of vacant slots. It backs inode numbering for filesystems
// whose engine has no native inode numbers.
package slab

import "fmt"

// Allocator hands out ids starting at 1. Released ids are reused, the most
// recently released first. An Allocator is not safe for concurrent use;
// callers serialize access with their mount lock.
type Allocator struct {
	used []bool
	free []uint64
	live int
}

// New returns an empty allocator.
func New() *Allocator {
	return &Allocator{}
}

// Alloc returns an id that is not currently live.
func (a *Allocator) Alloc() uint64 {
	a.live++
	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		a.used[slot] = true
		return slot + 1
	}
	a.used = append(a.used, true)
	return uint64(len(a.used))
}

// Release returns id to the allocator. Releasing an id that is not live is
// a programming error and is reported rather than silently absorbed, so a
// double release never hands the same id to two owners.
func (a *Allocator) Release(id uint64) error {
	if id == 0 || id > uint64(len(a.used)) || !a.used[id-1] {
		return fmt.Errorf("slab: release of id %d which is not allocated", id)
	}
	a.used[id-1] = false
	a.free = append(a.free, id-1)
	a.live--
	return nil
}

// Live reports whether id is currently allocated.
func (a *Allocator) Live(id uint64) bool {
	return id != 0 && id <= uint64(len(a.used)) && a.used[id-1]
}

// Len returns the number of live ids.
func (a *Allocator) Len() int {
	return a.live
}
