// Package idalloc provides a small monotonic-id-with-free-list allocator,
// the pattern used throughout workerd for anything identified by a small
// recyclable integer: netmsg SENDFILE message files and writeback entries
// both use it. Backend keys are never recycled, so the frontend router
// draws them from a plain counter instead.
package idalloc

import "sync"

// Allocator hands out uint64 ids, preferring to recycle a released id over
// minting a new one.
type Allocator struct {
	mu   sync.Mutex
	next uint64
	free []uint64
}

// Next returns an id to use, taken from the free list if one is available.
func (a *Allocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}

	id := a.next
	a.next++
	return id
}

// Release returns id to the free list so the next Next() call reuses it.
func (a *Allocator) Release(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, id)
}
