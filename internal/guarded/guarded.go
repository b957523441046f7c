// Package guarded provides the per-mount lock and the cursor wrapper that
// makes engine handles reachable only while that lock is held.
//
// Engine cursors (open directory and file handles) point into the engine
// instance they were created from and are not safe to touch concurrently
// with any other engine call. A Cursor stores such a handle next to the
// lock that owns the engine and only hands it out to a caller presenting a
// live Guard of that same lock.
package guarded

import (
	"sync"
	"time"
)

// Observer is notified every time a guard is released, with the operation
// name given at acquisition and the time the lock was held.
type Observer interface {
	ObserveHold(op string, held time.Duration)
}

// Lock is the mount-wide mutual exclusion lock.
type Lock struct {
	mu       sync.Locker
	observer Observer
}

// NewLock builds a lock around locker. A nil locker selects a sync.Mutex;
// any sync.Locker (a spin lock, for example) may be supplied instead. The
// observer may be nil.
func NewLock(locker sync.Locker, observer Observer) *Lock {
	if locker == nil {
		locker = &sync.Mutex{}
	}
	return &Lock{mu: locker, observer: observer}
}

// Acquire blocks until the lock is held and returns the guard witnessing
// it. op names the operation for observation.
func (l *Lock) Acquire(op string) *Guard {
	l.mu.Lock()
	return &Guard{lock: l, op: op, acquired: time.Now()}
}

// Guard witnesses that its Lock is held. It must be released exactly once,
// by the goroutine that acquired it.
type Guard struct {
	lock     *Lock
	op       string
	acquired time.Time
	released bool
}

// Release unlocks the lock.
func (g *Guard) Release() {
	if g.released {
		panic("guarded: guard released twice")
	}
	g.released = true
	held := time.Since(g.acquired)
	g.lock.mu.Unlock()
	if g.lock.observer != nil {
		g.lock.observer.ObserveHold(g.op, held)
	}
}

// Holds reports whether g is a live guard of l.
func (g *Guard) Holds(l *Lock) bool {
	return g != nil && !g.released && g.lock == l
}

// Op returns the operation name the guard was acquired for.
func (g *Guard) Op() string {
	return g.op
}

// Cursor holds a value that may only be used while its owning lock is
// held.
type Cursor[T any] struct {
	owner *Lock
	value T
}

// NewCursor wraps value, which must have been obtained from the engine
// while g was held.
func NewCursor[T any](g *Guard, value T) *Cursor[T] {
	if g == nil || g.released {
		panic("guarded: cursor created without holding the lock")
	}
	return &Cursor[T]{owner: g.lock, value: value}
}

// Borrow returns the wrapped value. The result must not be retained past
// g's release. Borrowing with a released guard or a guard of another lock
// panics.
func (c *Cursor[T]) Borrow(g *Guard) T {
	if !g.Holds(c.owner) {
		panic("guarded: cursor borrowed without holding its lock")
	}
	return c.value
}

// Owner returns the lock the cursor is bound to.
func (c *Cursor[T]) Owner() *Lock {
	return c.owner
}
