package guarded

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingObserver) ObserveHold(op string, held time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func TestCursor_BorrowWithGuard(t *testing.T) {
	lock := NewLock(nil, nil)

	g := lock.Acquire("create")
	cursor := NewCursor(g, "handle")
	assert.Equal(t, "handle", cursor.Borrow(g))
	assert.Same(t, lock, cursor.Owner())
	g.Release()

	g = lock.Acquire("read")
	assert.Equal(t, "handle", cursor.Borrow(g))
	g.Release()
}

func TestCursor_BorrowAfterRelease(t *testing.T) {
	lock := NewLock(nil, nil)
	g := lock.Acquire("create")
	cursor := NewCursor(g, 7)
	g.Release()

	assert.Panics(t, func() { cursor.Borrow(g) })
	assert.Panics(t, func() { cursor.Borrow(nil) })
}

func TestCursor_BorrowWithForeignGuard(t *testing.T) {
	a := NewLock(nil, nil)
	b := NewLock(nil, nil)

	ga := a.Acquire("create")
	cursor := NewCursor(ga, 1)
	ga.Release()

	gb := b.Acquire("read")
	defer gb.Release()
	assert.Panics(t, func() { cursor.Borrow(gb) })
}

func TestGuard_DoubleRelease(t *testing.T) {
	lock := NewLock(nil, nil)
	g := lock.Acquire("op")
	g.Release()
	assert.Panics(t, g.Release)
	assert.False(t, g.Holds(lock))
}

func TestLock_Serializes(t *testing.T) {
	lock := NewLock(nil, nil)
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				g := lock.Acquire("inc")
				counter++
				g.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16000, counter)
}

func TestLock_Observer(t *testing.T) {
	obs := &recordingObserver{}
	lock := NewLock(&sync.Mutex{}, obs)

	g := lock.Acquire("lookup")
	assert.Equal(t, "lookup", g.Op())
	g.Release()
	lock.Acquire("unlink").Release()

	assert.Equal(t, []string{"lookup", "unlink"}, obs.ops)
}
